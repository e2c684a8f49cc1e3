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
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/pubsubharness/common"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTSessionParams MQTT specific session parameters
type MQTTSessionParams struct {
	// QoS used for subscribe and publish
	QoS byte `validate:"lte=2"`
	// ConnectTimeout max time to wait for CONNACK
	ConnectTimeout time.Duration
	// KeepAlive MQTT keep alive interval
	KeepAlive time.Duration
}

// MQTTSessionFactory get a SessionFactory producing MQTT sessions.
//
// MQTT has no realm concept, so the realm is used as the topic level prefix.
func MQTTSessionFactory(mqttParams MQTTSessionParams) SessionFactory {
	return func(params SessionParams) (Session, error) {
		logTags := log.Fields{
			"module":    "core",
			"component": "mqtt-session",
			"instance":  fmt.Sprintf("%s#%d", params.Instance, params.Ordinal),
			"endpoint":  params.Endpoint,
		}
		return &mqttSession{
			Component:  common.Component{LogTags: logTags},
			params:     params,
			mqttParams: mqttParams,
		}, nil
	}
}

// mqttClientOptions build the paho client options for one session
func mqttClientOptions(
	params SessionParams, mqttParams MQTTSessionParams, logTags log.Fields,
) *mqtt.ClientOptions {
	clientID := fmt.Sprintf("%s-%d-%s", params.Instance, params.Ordinal, uuid.NewString()[:8])
	return mqtt.NewClientOptions().
		AddBroker(params.Endpoint).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(mqttParams.KeepAlive).
		SetConnectTimeout(mqttParams.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).WithFields(logTags).Error("MQTT connection lost")
		})
}

// mqttTopic map a topic into the realm prefixed MQTT topic
func mqttTopic(realm, topic string) string {
	return fmt.Sprintf("%s/%s", strings.Trim(realm, "/"), topic)
}

// mqttSession implements Session with a paho MQTT client
type mqttSession struct {
	common.Component
	params     SessionParams
	mqttParams MQTTSessionParams
	lock       sync.Mutex
	cli        mqtt.Client
}

func (s *mqttSession) Endpoint() string {
	return s.params.Endpoint
}

// waitToken wait for a paho token to complete within the context
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mqttSubackFailure SUBACK return code for a rejected subscription
const mqttSubackFailure byte = 0x80

// subscribeResult the per topic SUBACK codes of a completed subscribe token
type subscribeResult interface {
	Result() map[string]byte
}

// subackError check the SUBACK code the broker returned for topic. paho does
// not turn a rejected subscription into a token error.
func subackError(token mqtt.Token, topic string) error {
	result, ok := token.(subscribeResult)
	if !ok {
		return nil
	}
	code, ok := result.Result()[topic]
	if !ok {
		return fmt.Errorf("no SUBACK code for %s", topic)
	}
	if code == mqttSubackFailure {
		return fmt.Errorf("broker rejected subscription to %s", topic)
	}
	return nil
}

// Open connect to the MQTT broker
func (s *mqttSession) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	cli := mqtt.NewClient(mqttClientOptions(s.params, s.mqttParams, s.LogTags))
	if err := waitToken(ctx, cli.Connect()); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("MQTT connect failed")
		// Abandon a connect attempt still in flight. paho may hold Disconnect
		// until the attempt unwinds, so do not wait on it here.
		go cli.Disconnect(0)
		return opError(OpOpen, s.params.Endpoint, err)
	}
	s.cli = cli
	log.WithFields(s.LogTags).Info("Connected MQTT client")
	return nil
}

// Subscribe subscribe to a topic, returning once SUBACK is received
func (s *mqttSession) Subscribe(
	ctx context.Context, topic string, inbound chan<- Message,
) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cli == nil {
		return nil, opError(OpSubscribe, s.params.Endpoint, ErrNotOpen)
	}
	fullTopic := mqttTopic(s.params.Realm, topic)
	sub := &mqttSubscription{cli: s.cli, topic: topic, fullTopic: fullTopic, done: make(chan struct{})}
	token := s.cli.Subscribe(fullTopic, s.mqttParams.QoS, func(_ mqtt.Client, m mqtt.Message) {
		msg, err := decodeMessage(topic, m.Payload())
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Dropping undecodable message on %s", m.Topic())
			return
		}
		deliver(sub.done, inbound, msg)
	})
	err := waitToken(ctx, token)
	if err == nil {
		err = subackError(token, fullTopic)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to subscribe to %s", fullTopic)
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	return sub, nil
}

// Publish publish a message
func (s *mqttSession) Publish(ctx context.Context, topic string, msg Message) error {
	s.lock.Lock()
	cli := s.cli
	s.lock.Unlock()
	if cli == nil {
		return opError(OpPublish, s.params.Endpoint, ErrNotOpen)
	}
	payload, err := encodeMessage(msg)
	if err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	token := cli.Publish(mqttTopic(s.params.Realm, topic), s.mqttParams.QoS, false, payload)
	if err := waitToken(ctx, token); err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	return nil
}

// Close disconnect from the broker
func (s *mqttSession) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cli == nil {
		return nil
	}
	s.cli.Disconnect(250)
	s.cli = nil
	log.WithFields(s.LogTags).Info("Disconnected MQTT client")
	return nil
}

// mqttSubscription implements Subscription
type mqttSubscription struct {
	cli       mqtt.Client
	topic     string
	fullTopic string
	done      chan struct{}
	stopOnce  sync.Once
}

func (s *mqttSubscription) Topic() string {
	return s.topic
}

func (s *mqttSubscription) Unsubscribe() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		token := s.cli.Unsubscribe(s.fullTopic)
		if !token.WaitTimeout(time.Second) {
			err = fmt.Errorf("unsubscribe from %s timed out", s.fullTopic)
			return
		}
		err = token.Error()
	})
	return err
}
