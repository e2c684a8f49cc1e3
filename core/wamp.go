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
	"github.com/gammazero/nexus/v3/client"
	"github.com/gammazero/nexus/v3/transport/serialize"
	"github.com/gammazero/nexus/v3/wamp"
)

// WAMPSessionParams WAMP specific session parameters
type WAMPSessionParams struct {
	// Serialization is one of "json", "msgpack" or "cbor"
	Serialization string `validate:"required,oneof=json msgpack cbor"`
	// ResponseTimeout max time to wait for a router response
	ResponseTimeout time.Duration
	// AcknowledgePublish request PUBLISHED acknowledgement for every publish
	AcknowledgePublish bool
}

// wampSequenceKey keyword argument carrying the publisher sequence number
const wampSequenceKey = "seq"

func wampSerialization(name string) (serialize.Serialization, error) {
	switch name {
	case "json":
		return serialize.JSON, nil
	case "msgpack":
		return serialize.MSGPACK, nil
	case "cbor":
		return serialize.CBOR, nil
	}
	return 0, fmt.Errorf("unsupported WAMP serialization %s", name)
}

// WAMPSessionFactory get a SessionFactory producing WAMP sessions. Sessions
// authenticate anonymously.
func WAMPSessionFactory(wampParams WAMPSessionParams) SessionFactory {
	return func(params SessionParams) (Session, error) {
		serialization, err := wampSerialization(wampParams.Serialization)
		if err != nil {
			return nil, err
		}
		logTags := log.Fields{
			"module":    "core",
			"component": "wamp-session",
			"instance":  fmt.Sprintf("%s#%d", params.Instance, params.Ordinal),
			"endpoint":  params.Endpoint,
		}
		return &wampSession{
			Component: common.Component{LogTags: logTags},
			params:    params,
			config: client.Config{
				Realm:           params.Realm,
				ResponseTimeout: wampParams.ResponseTimeout,
				Serialization:   serialization,
				Logger:          NewApexStdLog(logTags),
			},
			acknowledge: wampParams.AcknowledgePublish,
		}, nil
	}
}

// wampSession implements Session with a WAMP client
type wampSession struct {
	common.Component
	params      SessionParams
	config      client.Config
	acknowledge bool
	lock        sync.Mutex
	cli         *client.Client
}

func (s *wampSession) Endpoint() string {
	return s.params.Endpoint
}

// Open connect to the router and join the realm
func (s *wampSession) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	cli, err := client.ConnectNet(ctx, s.params.Endpoint, s.config)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to join realm %s", s.params.Realm)
		return opError(OpOpen, s.params.Endpoint, err)
	}
	s.cli = cli
	log.WithFields(s.LogTags).Infof("Joined realm %s as session %d", s.params.Realm, cli.ID())
	go func() {
		<-cli.Done()
		log.WithFields(s.LogTags).Infof("Session left realm %s", s.params.Realm)
	}()
	return nil
}

// Subscribe subscribe to a topic. The call returns once the router acknowledged.
func (s *wampSession) Subscribe(
	ctx context.Context, topic string, inbound chan<- Message,
) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cli == nil {
		return nil, opError(OpSubscribe, s.params.Endpoint, ErrNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	sub := &wampSubscription{cli: s.cli, topic: topic, done: make(chan struct{})}
	handler := func(event *wamp.Event) {
		msg, err := decodeWAMPEvent(topic, event)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Dropping malformed event on %s", topic)
			return
		}
		deliver(sub.done, inbound, msg)
	}
	if err := s.cli.Subscribe(topic, handler, nil); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to subscribe to %s", topic)
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	return sub, nil
}

// Publish publish the sender ordinal as the sole positional argument
func (s *wampSession) Publish(ctx context.Context, topic string, msg Message) error {
	s.lock.Lock()
	cli := s.cli
	s.lock.Unlock()
	if cli == nil {
		return opError(OpPublish, s.params.Endpoint, ErrNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	var options wamp.Dict
	if s.acknowledge {
		options = wamp.Dict{wamp.OptAcknowledge: true}
	}
	kwargs := wamp.Dict{wampSequenceKey: msg.Sequence}
	if err := cli.Publish(topic, options, wamp.List{msg.Sender}, kwargs); err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	return nil
}

// Close leave the realm
func (s *wampSession) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.cli == nil {
		return nil
	}
	err := s.cli.Close()
	s.cli = nil
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to close WAMP client")
	}
	return err
}

// decodeWAMPEvent convert a WAMP event into a Message
func decodeWAMPEvent(topic string, event *wamp.Event) (Message, error) {
	if len(event.Arguments) < 1 {
		return Message{}, fmt.Errorf("event %d has no arguments", event.Publication)
	}
	sender, ok := wamp.AsInt64(event.Arguments[0])
	if !ok {
		return Message{}, fmt.Errorf(
			"event %d sender argument %v is not an integer", event.Publication, event.Arguments[0],
		)
	}
	msg := Message{Topic: topic, Sender: int(sender)}
	if seq, ok := wamp.AsInt64(event.ArgumentsKw[wampSequenceKey]); ok && seq > 0 {
		msg.Sequence = uint64(seq)
	}
	return msg, nil
}

// wampSubscription implements Subscription
type wampSubscription struct {
	cli      *client.Client
	topic    string
	done     chan struct{}
	stopOnce sync.Once
}

func (s *wampSubscription) Topic() string {
	return s.topic
}

func (s *wampSubscription) Unsubscribe() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		err = s.cli.Unsubscribe(s.topic)
	})
	return err
}
