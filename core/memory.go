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

	"github.com/alwitt/pubsubharness/common"
	"github.com/apex/log"
)

// MemoryBroker process local broker. One instance serves every endpoint, the way
// a single broker process listening on several ports would.
type MemoryBroker struct {
	common.Component
	lock    sync.RWMutex
	nextID  int
	subs    map[string]map[int]*memorySubscription
	refused map[string]bool
}

// NewMemoryBroker define a new process local broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		Component: common.Component{LogTags: log.Fields{
			"module": "core", "component": "memory-broker",
		}},
		subs:    make(map[string]map[int]*memorySubscription),
		refused: make(map[string]bool),
	}
}

// Refuse make connection attempts to an endpoint fail
func (b *MemoryBroker) Refuse(endpoint string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.refused[endpoint] = true
}

// SessionFactory get a SessionFactory producing sessions attached to this broker
func (b *MemoryBroker) SessionFactory() SessionFactory {
	return func(params SessionParams) (Session, error) {
		return &memorySession{
			Component: common.Component{LogTags: log.Fields{
				"module":    "core",
				"component": "memory-session",
				"instance":  fmt.Sprintf("%s#%d", params.Instance, params.Ordinal),
			}},
			broker: b,
			params: params,
		}, nil
	}
}

func (b *MemoryBroker) routingKey(realm, topic string) string {
	return realm + "/" + topic
}

func (b *MemoryBroker) connect(endpoint string) error {
	b.lock.RLock()
	defer b.lock.RUnlock()
	if b.refused[endpoint] {
		return fmt.Errorf("connection refused by %s", endpoint)
	}
	return nil
}

func (b *MemoryBroker) subscribe(
	realm, topic string, inbound chan<- Message,
) *memorySubscription {
	b.lock.Lock()
	defer b.lock.Unlock()
	key := b.routingKey(realm, topic)
	if _, ok := b.subs[key]; !ok {
		b.subs[key] = make(map[int]*memorySubscription)
	}
	sub := &memorySubscription{
		broker:  b,
		key:     key,
		topic:   topic,
		id:      b.nextID,
		inbound: inbound,
		done:    make(chan struct{}),
	}
	b.nextID++
	b.subs[key][sub.id] = sub
	return sub
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if subsByKey, ok := b.subs[sub.key]; ok {
		delete(subsByKey, sub.id)
		if len(subsByKey) == 0 {
			delete(b.subs, sub.key)
		}
	}
}

func (b *MemoryBroker) publish(ctx context.Context, realm string, msg Message) error {
	b.lock.RLock()
	targets := make([]*memorySubscription, 0, len(b.subs[b.routingKey(realm, msg.Topic)]))
	for _, sub := range b.subs[b.routingKey(realm, msg.Topic)] {
		targets = append(targets, sub)
	}
	b.lock.RUnlock()
	for _, sub := range targets {
		select {
		case sub.inbound <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SubscriberCount number of subscriptions active on a realm topic
func (b *MemoryBroker) SubscriberCount(realm, topic string) int {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return len(b.subs[b.routingKey(realm, topic)])
}

// ==============================================================================

type memorySubscription struct {
	broker   *MemoryBroker
	key      string
	topic    string
	id       int
	inbound  chan<- Message
	done     chan struct{}
	stopOnce sync.Once
}

func (s *memorySubscription) Topic() string {
	return s.topic
}

func (s *memorySubscription) Unsubscribe() error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.broker.remove(s)
	})
	return nil
}

// ==============================================================================

type memorySession struct {
	common.Component
	broker *MemoryBroker
	params SessionParams
	lock   sync.Mutex
	open   bool
	subs   []*memorySubscription
}

func (s *memorySession) Endpoint() string {
	return s.params.Endpoint
}

func (s *memorySession) Open(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if err := ctx.Err(); err != nil {
		return opError(OpOpen, s.params.Endpoint, err)
	}
	if err := s.broker.connect(s.params.Endpoint); err != nil {
		return opError(OpOpen, s.params.Endpoint, err)
	}
	s.open = true
	log.WithFields(s.LogTags).Infof("Joined realm %s", s.params.Realm)
	return nil
}

func (s *memorySession) Subscribe(
	ctx context.Context, topic string, inbound chan<- Message,
) (Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.open {
		return nil, opError(OpSubscribe, s.params.Endpoint, ErrNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return nil, opError(OpSubscribe, s.params.Endpoint, err)
	}
	sub := s.broker.subscribe(s.params.Realm, topic, inbound)
	s.subs = append(s.subs, sub)
	return sub, nil
}

func (s *memorySession) Publish(ctx context.Context, topic string, msg Message) error {
	s.lock.Lock()
	open := s.open
	s.lock.Unlock()
	if !open {
		return opError(OpPublish, s.params.Endpoint, ErrNotOpen)
	}
	msg.Topic = topic
	if err := s.broker.publish(ctx, s.params.Realm, msg); err != nil {
		return opError(OpPublish, s.params.Endpoint, err)
	}
	return nil
}

func (s *memorySession) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	if s.open {
		log.WithFields(s.LogTags).Infof("Left realm %s", s.params.Realm)
	}
	s.open = false
	return nil
}
