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
	"fmt"
	"strings"

	"github.com/apex/log"
)

// ApexStdLog adapts apex logging to the Print style logger expected by
// the protocol libraries. Their chatter is logged at debug level.
type ApexStdLog struct {
	tags log.Fields
}

// NewApexStdLog define a Print style logger writing to apex log
func NewApexStdLog(tags log.Fields) *ApexStdLog {
	return &ApexStdLog{tags: tags}
}

func (l *ApexStdLog) Print(v ...interface{}) {
	log.WithFields(l.tags).Debug(strings.TrimSuffix(fmt.Sprint(v...), "\n"))
}

func (l *ApexStdLog) Println(v ...interface{}) {
	log.WithFields(l.tags).Debug(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l *ApexStdLog) Printf(format string, v ...interface{}) {
	log.WithFields(l.tags).Debug(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}
