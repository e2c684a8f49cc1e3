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

package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/pubsubharness/common"
	"github.com/alwitt/pubsubharness/core"
	"github.com/apex/log"
	"github.com/gammazero/nexus/v3/router"
	"github.com/go-playground/validator/v10"
)

// RunRouter host a WAMP router on PortCount consecutive ports starting at
// BasePort, so worker N of a scenario can reach it on BasePort+N. Runs until
// runtimeContext ends.
func RunRouter(
	runtimeContext context.Context, config *common.RouterConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "router",
		"instance":  instance,
	}

	if config == nil {
		return fmt.Errorf("router can't start without its configurations")
	}
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid router config")
		return err
	}

	wampRouter, err := core.DefineWAMPRouter(config.Realms, logTags)
	if err != nil {
		return err
	}
	defer wampRouter.Close()
	wsServer := router.NewWebsocketServer(wampRouter)

	wg := sync.WaitGroup{}
	servers := make([]*http.Server, 0, config.PortCount)
	shutdown := func() {
		for _, srv := range servers {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			if err := srv.Shutdown(ctx); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failure stopping listener %s", srv.Addr)
			}
			cancel()
		}
		wg.Wait()
	}

	for itr := 0; itr < config.PortCount; itr++ {
		listen := fmt.Sprintf("%s:%d", config.ListenOn, int(config.BasePort)+itr)
		listener, err := net.Listen("tcp", listen)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to listen on %s", listen)
			shutdown()
			return err
		}
		srv := &http.Server{Addr: listen, Handler: wsServer}
		servers = append(servers, srv)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Errorf("Listener %s failed", listen)
			}
		}()
		log.WithFields(logTags).Infof("WAMP router listening on ws://%s/", listen)
	}

	<-runtimeContext.Done()
	log.WithFields(logTags).Info("Stopping WAMP router")
	shutdown()
	return nil
}
