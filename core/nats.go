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
	"sync"
	"time"

	"github.com/alwitt/pubsubharness/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NATSSessionFactory get a SessionFactory producing NATS backed sessions.
//
// NATS has no realm concept, so the realm is used as the subject prefix.
func NATSSessionFactory(connParams NATSConnectParams) SessionFactory {
	return func(params SessionParams) (Session, error) {
		logTags := log.Fields{
			"module":    "core",
			"component": "nats-session",
			"instance":  fmt.Sprintf("%s#%d", params.Instance, params.Ordinal),
			"endpoint":  params.Endpoint,
		}
		return &natsSession{
			Component:  common.Component{LogTags: logTags},
			params:     params,
			connParams: connParams,
		}, nil
	}
}

// natsSession implements Session over a core NATS connection
type natsSession struct {
	common.Component
	params     SessionParams
	connParams NATSConnectParams
	lock       sync.Mutex
	nc         *nats.Conn
}

func (s *natsSession) Endpoint() string {
	return s.params.Endpoint
}

func (s *natsSession) subject(topic string) string {
	return fmt.Sprintf("%s.%s", s.params.Realm, topic)
}

// Open connect to the NATS server
func (s *natsSession) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	timeout := s.connParams.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	nc, err := nats.Connect(
		s.params.Endpoint,
		nats.Name(fmt.Sprintf("%s-%d", s.params.Instance, s.params.Ordinal)),
		nats.Timeout(timeout),
		nats.MaxReconnects(s.connParams.MaxReconnectAttempt),
		nats.ReconnectWait(s.connParams.ReconnectWait),
		nats.DisconnectErrHandler(s.connParams.OnDisconnectCallback),
		nats.ReconnectHandler(s.connParams.OnReconnectCallback),
		nats.ClosedHandler(s.connParams.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("NATS client connect failed")
		return opError(OpOpen, s.params.Endpoint, err)
	}
	s.nc = nc
	log.WithFields(s.LogTags).Info("Connected NATS client")
	return nil
}

// Subscribe subscribe to a topic subject
func (s *natsSession) Subscribe(
	ctx context.Context, topic string, inbound chan<- Message,
) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.nc == nil {
		return nil, opError(OpSubscribe, s.params.Endpoint, ErrNotOpen)
	}
	sub := &natsSubscription{topic: topic, done: make(chan struct{})}
	natsSub, err := s.nc.Subscribe(s.subject(topic), func(m *nats.Msg) {
		msg, err := decodeMessage(topic, m.Data)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Dropping undecodable message on %s", m.Subject)
			return
		}
		deliver(sub.done, inbound, msg)
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to subscribe to %s", topic)
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	// Round trip to the server so the subscription is registered before returning
	if err := s.nc.FlushWithContext(ctx); err != nil {
		_ = natsSub.Unsubscribe()
		log.WithError(err).WithFields(s.LogTags).Errorf("Subscribe to %s not acknowledged", topic)
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	sub.sub = natsSub
	return sub, nil
}

// Publish publish a message on the topic subject
func (s *natsSession) Publish(ctx context.Context, topic string, msg Message) error {
	s.lock.Lock()
	nc := s.nc
	s.lock.Unlock()
	if nc == nil {
		return opError(OpPublish, s.params.Endpoint, ErrNotOpen)
	}
	payload, err := encodeMessage(msg)
	if err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	if err := nc.Publish(s.subject(topic), payload); err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	return nil
}

// Close flush and close the NATS connection
func (s *natsSession) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.nc == nil {
		return nil
	}
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("NATS flush failed")
	}
	s.nc.Close()
	s.nc = nil
	log.WithFields(s.LogTags).Infof("Close NATS client")
	return nil
}

// natsSubscription implements Subscription
type natsSubscription struct {
	topic    string
	sub      *nats.Subscription
	done     chan struct{}
	stopOnce sync.Once
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.sub != nil && s.sub.IsValid() {
			err = s.sub.Unsubscribe()
		}
	})
	return err
}
