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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestOpErrorClassification(t *testing.T) {
	assert := assert.New(t)

	cause := fmt.Errorf("connection refused")

	// Case 0: open
	{
		err := opError(OpOpen, "ws://localhost:8090/", cause)
		assert.True(errors.Is(err, ErrConnect))
		assert.False(errors.Is(err, ErrSubscribe))
		assert.False(errors.Is(err, ErrPublish))
		assert.True(errors.Is(err, cause))
		assert.Contains(err.Error(), "ws://localhost:8090/")
	}

	// Case 1: subscribe
	{
		err := opError(OpSubscribe, "ws://localhost:8090/", ErrNotOpen)
		assert.True(errors.Is(err, ErrSubscribe))
		assert.True(errors.Is(err, ErrNotOpen))
		assert.False(errors.Is(err, ErrConnect))
	}

	// Case 2: publish, wrapped further
	{
		err := fmt.Errorf("worker 2: %w", opError(OpPublish, "ws://localhost:8092/", cause))
		assert.True(errors.Is(err, ErrPublish))
		var opErr *OpError
		assert.True(errors.As(err, &opErr))
		assert.Equal(OpPublish, opErr.Op)
	}
}

func TestMessageCodec(t *testing.T) {
	assert := assert.New(t)

	sent := Message{Sender: 2, Sequence: 17, SentAt: time.Now().UTC().Truncate(time.Millisecond)}
	payload, err := encodeMessage(sent)
	assert.Nil(err)

	received, err := decodeMessage("autobahnkreuz.scenarios.pubsub", payload)
	assert.Nil(err)
	assert.Equal("autobahnkreuz.scenarios.pubsub", received.Topic)
	assert.Equal(2, received.Sender)
	assert.Equal(uint64(17), received.Sequence)
	assert.True(sent.SentAt.Equal(received.SentAt))

	_, err = decodeMessage("topic", []byte("not json"))
	assert.NotNil(err)
}

func TestMemorySession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	broker := NewMemoryBroker()
	factory := broker.SessionFactory()
	topic := "ut.memory"

	utCtxt, utCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer utCancel()

	define := func(ordinal int, realm string) Session {
		s, err := factory(SessionParams{
			Endpoint: fmt.Sprintf("mem://%d", ordinal),
			Realm:    realm,
			Ordinal:  ordinal,
			Instance: "ut-memory",
		})
		assert.Nil(err)
		return s
	}

	pub := define(0, "default")
	sub := define(1, "default")
	other := define(2, "other")

	// Case 0: operations before open fail
	{
		_, err := sub.Subscribe(utCtxt, topic, make(chan Message, 1))
		assert.True(errors.Is(err, ErrSubscribe))
		assert.True(errors.Is(pub.Publish(utCtxt, topic, Message{Sender: 0}), ErrPublish))
	}

	assert.Nil(pub.Open(utCtxt))
	assert.Nil(sub.Open(utCtxt))
	assert.Nil(other.Open(utCtxt))

	subRx := make(chan Message, 4)
	otherRx := make(chan Message, 4)
	subscription, err := sub.Subscribe(utCtxt, topic, subRx)
	assert.Nil(err)
	assert.Equal(topic, subscription.Topic())
	_, err = other.Subscribe(utCtxt, topic, otherRx)
	assert.Nil(err)
	assert.Equal(1, broker.SubscriberCount("default", topic))

	// Case 1: delivery within the realm only
	{
		assert.Nil(pub.Publish(utCtxt, topic, Message{Sender: 0, Sequence: 1}))
		select {
		case msg := <-subRx:
			assert.Equal(0, msg.Sender)
			assert.Equal(uint64(1), msg.Sequence)
			assert.Equal(topic, msg.Topic)
		case <-utCtxt.Done():
			assert.Fail("message not delivered")
		}
		assert.Len(otherRx, 0)
	}

	// Case 2: no delivery after unsubscribe
	{
		assert.Nil(subscription.Unsubscribe())
		assert.Nil(subscription.Unsubscribe())
		assert.Equal(0, broker.SubscriberCount("default", topic))
		assert.Nil(pub.Publish(utCtxt, topic, Message{Sender: 0, Sequence: 2}))
		assert.Len(subRx, 0)
	}

	// Case 3: refused endpoint
	{
		broker.Refuse("mem://5")
		refused := define(5, "default")
		err := refused.Open(utCtxt)
		assert.True(errors.Is(err, ErrConnect))
	}

	assert.Nil(pub.Close())
	assert.Nil(sub.Close())
	assert.Nil(other.Close())
}

func TestMemorySessionBlockedSubscriberReleased(t *testing.T) {
	assert := assert.New(t)

	broker := NewMemoryBroker()
	factory := broker.SessionFactory()
	topic := "ut.memory.blocked"
	utCtxt, utCancel := context.WithTimeout(context.Background(), time.Second*5)
	defer utCancel()

	pub, err := factory(SessionParams{Endpoint: "mem://0", Realm: "r", Ordinal: 0, Instance: "ut"})
	assert.Nil(err)
	sub, err := factory(SessionParams{Endpoint: "mem://1", Realm: "r", Ordinal: 1, Instance: "ut"})
	assert.Nil(err)
	assert.Nil(pub.Open(utCtxt))
	assert.Nil(sub.Open(utCtxt))

	// Unbuffered and never read
	subscription, err := sub.Subscribe(utCtxt, topic, make(chan Message))
	assert.Nil(err)

	published := make(chan error, 1)
	go func() {
		published <- pub.Publish(utCtxt, topic, Message{Sender: 0, Sequence: 1})
	}()
	time.Sleep(time.Millisecond * 50)
	assert.Nil(subscription.Unsubscribe())
	select {
	case err := <-published:
		assert.Nil(err)
	case <-time.After(time.Second):
		assert.Fail("publisher stayed blocked on a released subscription")
	}
}
