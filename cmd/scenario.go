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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/pubsubharness/apis"
	"github.com/alwitt/pubsubharness/common"
	"github.com/alwitt/pubsubharness/core"
	"github.com/alwitt/pubsubharness/scenario"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineSessionFactory define the session factory for the configured backend
func DefineSessionFactory(
	config *common.SystemConfig, logTags log.Fields,
) (core.SessionFactory, error) {
	switch config.Scenario.Backend {
	case "wamp":
		return core.WAMPSessionFactory(core.WAMPSessionParams{
			Serialization:      config.WAMP.Serialization,
			ResponseTimeout:    time.Second * time.Duration(config.WAMP.ResponseTimeout),
			AcknowledgePublish: config.WAMP.AcknowledgePublish,
		}), nil
	case "nats":
		return core.NATSSessionFactory(core.NATSConnectParams{
			ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
			MaxReconnectAttempt: config.NATS.Reconnect.MaxAttempts,
			ReconnectWait:       time.Second * time.Duration(config.NATS.Reconnect.WaitInterval),
			OnDisconnectCallback: func(_ *nats.Conn, e error) {
				if e != nil {
					log.WithError(e).WithFields(logTags).Error("NATS client disconnected from server")
				}
			},
			OnReconnectCallback: func(nc *nats.Conn) {
				log.WithFields(logTags).Warnf("NATS client reconnected with server %s", nc.ConnectedUrl())
			},
			OnCloseCallback: func(_ *nats.Conn) {
				log.WithFields(logTags).Debug("NATS client closed connection")
			},
		}), nil
	case "mqtt":
		return core.MQTTSessionFactory(core.MQTTSessionParams{
			QoS:            config.MQTT.QoS,
			ConnectTimeout: time.Second * time.Duration(config.MQTT.ConnectTimeout),
			KeepAlive:      time.Second * time.Duration(config.MQTT.KeepAlive),
		}), nil
	case "gossip":
		return core.GossipSessionFactory(core.GossipSessionParams{
			EnableMDNS: config.Gossip.EnableMDNS,
			Bootstrap:  config.Gossip.Bootstrap,
		}), nil
	case "memory":
		return core.NewMemoryBroker().SessionFactory(), nil
	}
	return nil, fmt.Errorf("unknown session backend '%s'", config.Scenario.Backend)
}

// DefineHarnessParams convert the scenario config into harness parameters
func DefineHarnessParams(config common.ScenarioConfig, instance string) scenario.HarnessParams {
	roles := scenario.PublishersFromOrdinals(config.Publishers.Ordinals...)
	if config.Publishers.All {
		roles = scenario.AllPublish()
	}
	return scenario.HarnessParams{
		Instance:         instance,
		WorkerCount:      config.WorkerCount,
		EndpointTemplate: config.EndpointTemplate,
		Realm:            config.Realm,
		Topic:            config.Topic,
		Roles:            roles,
		JitterLow:        time.Millisecond * time.Duration(config.Jitter.LowMS),
		JitterHigh:       time.Millisecond * time.Duration(config.Jitter.HighMS),
		ReceiptSeed:      config.ReceiptSeed,
		InboundBuffer:    config.InboundBuffer,
		MaxPublishRate:   config.MaxPublishRate,
	}
}

// RunScenario run the pub/sub scenario until runtimeContext ends or the
// configured run duration passes
func RunScenario(
	runtimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "scenario",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}
	if err := config.Scenario.CheckEndpointTemplate(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid endpoint template")
		return err
	}

	factory, err := DefineSessionFactory(config, logTags)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session factory")
		return err
	}

	harness, err := scenario.DefineHarness(DefineHarnessParams(config.Scenario, instance), factory)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define harness")
		return err
	}

	runCtxt, runCancel := context.WithCancel(runtimeContext)
	defer runCancel()
	if config.Scenario.RunDuration > 0 {
		runCtxt, runCancel = context.WithTimeout(
			runtimeContext, time.Second*time.Duration(config.Scenario.RunDuration),
		)
		defer runCancel()
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	if config.Status != nil && config.Status.Enabled {
		if err := StartStatusServer(runCtxt, config.Status, harness, instance, &wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start status server")
			return err
		}
	}

	runErr := harness.Run(runCtxt)

	snapshot := harness.Receipts().Snapshot()
	for receiver, row := range snapshot.Counts {
		log.WithFields(logTags).Infof("Worker %d received %v", receiver, row)
	}
	log.WithFields(logTags).Infof("Delivered %d messages in total", snapshot.Delivered)

	return runErr
}

// StartStatusServer start the status REST API server. The server stops when
// runtimeContext ends.
func StartStatusServer(
	runtimeContext context.Context,
	config *common.StatusServerConfig,
	source apis.StatusSource,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "status-server",
		"instance":  instance,
	}

	httpHandler, err := apis.GetAPIRestStatusHandler(source, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router, config.PathPrefix)

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// Stop the HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-runtimeContext.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}()

	return nil
}
