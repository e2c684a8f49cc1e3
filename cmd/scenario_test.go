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
	"net"
	"testing"
	"time"

	"github.com/alwitt/pubsubharness/common"
	"github.com/alwitt/pubsubharness/scenario"
	"github.com/apex/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func getDefaultTestConfig(t *testing.T) *common.SystemConfig {
	viper.Reset()
	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(t, viper.Unmarshal(&config))
	return &config
}

func TestDefineSessionFactory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	logTags := log.Fields{"module": "cmd_test", "component": "factory"}

	config := getDefaultTestConfig(t)

	// Case 0: every known backend
	for _, backend := range []string{"wamp", "nats", "mqtt", "gossip", "memory"} {
		config.Scenario.Backend = backend
		factory, err := DefineSessionFactory(config, logTags)
		assert.Nil(err, backend)
		assert.NotNil(factory, backend)
	}

	// Case 1: unknown backend
	{
		config.Scenario.Backend = "carrier-pigeon"
		_, err := DefineSessionFactory(config, logTags)
		assert.NotNil(err)
	}
}

func TestDefineHarnessParams(t *testing.T) {
	assert := assert.New(t)

	config := getDefaultTestConfig(t)

	// Case 0: default publishers
	{
		params := DefineHarnessParams(config.Scenario, "ut-cmd")
		assert.Equal(3, params.WorkerCount)
		assert.Equal(time.Millisecond*200, params.JitterLow)
		assert.Equal(time.Millisecond*1000, params.JitterHigh)
		assert.Equal(scenario.RolePublisher, params.Roles(0))
		assert.Equal(scenario.RoleSubscriberOnly, params.Roles(1))
	}

	// Case 1: every worker publishes
	{
		config.Scenario.Publishers.All = true
		params := DefineHarnessParams(config.Scenario, "ut-cmd")
		assert.Equal(scenario.RolePublisher, params.Roles(1))
		assert.Equal(scenario.RolePublisher, params.Roles(2))
	}
}

func TestRunScenarioInMemory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	config := getDefaultTestConfig(t)
	config.Scenario.Backend = "memory"
	config.Scenario.Jitter.LowMS = 20
	config.Scenario.Jitter.HighMS = 50
	config.Scenario.RunDuration = 1

	start := time.Now()
	assert.Nil(RunScenario(context.Background(), config, "ut-cmd-memory"))
	assert.GreaterOrEqual(time.Since(start), time.Second)

	// Case: invalid config is rejected before anything starts
	config.Scenario.WorkerCount = 0
	assert.NotNil(RunScenario(context.Background(), config, "ut-cmd-memory"))

	// Case: more workers than the default endpoint template can address
	config.Scenario.WorkerCount = 11
	start = time.Now()
	assert.NotNil(RunScenario(context.Background(), config, "ut-cmd-memory"))
	assert.Less(time.Since(start), time.Second)
}

func TestRunScenarioAgainstRouter(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	config := getDefaultTestConfig(t)
	config.Router.ListenOn = "127.0.0.1"
	config.Router.BasePort = 28190
	config.Router.PortCount = 2

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()
	routerDone := make(chan error, 1)
	go func() {
		routerDone <- RunRouter(utCtxt, config.Router, "ut-cmd-router")
	}()

	// Wait for both listeners
	assert.Eventually(func() bool {
		for _, addr := range []string{"127.0.0.1:28190", "127.0.0.1:28191"} {
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return false
			}
			conn.Close()
		}
		return true
	}, time.Second*5, time.Millisecond*20)

	config.Scenario.WorkerCount = 2
	config.Scenario.EndpointTemplate = "ws://127.0.0.1:2819%d/"
	config.Scenario.Publishers.All = true
	config.Scenario.Jitter.LowMS = 20
	config.Scenario.Jitter.HighMS = 60
	config.Scenario.RunDuration = 2
	assert.Nil(RunScenario(utCtxt, config, "ut-cmd-wamp"))

	utCancel()
	select {
	case err := <-routerDone:
		assert.Nil(err)
	case <-time.After(time.Second * 10):
		assert.Fail("router did not stop")
	}

	// Case: nil router config
	assert.NotNil(RunRouter(context.Background(), nil, "ut-cmd-router"))
}
