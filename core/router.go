// Copyright 2021-2022 The pubsubharness Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"github.com/apex/log"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
)

// DefineWAMPRouter define a WAMP router serving the given realms with anonymous
// access. The caller must Close the router.
func DefineWAMPRouter(realms []string, logTags log.Fields) (router.Router, error) {
	realmConfigs := make([]*router.RealmConfig, 0, len(realms))
	for _, realm := range realms {
		realmConfigs = append(realmConfigs, &router.RealmConfig{
			URI:           wamp.URI(realm),
			AnonymousAuth: true,
			AllowDisclose: true,
		})
	}
	r, err := router.NewRouter(&router.Config{RealmConfigs: realmConfigs}, NewApexStdLog(logTags))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define WAMP router")
		return nil, err
	}
	log.WithFields(logTags).Infof("Defined WAMP router for realms %v", realms)
	return r, nil
}
