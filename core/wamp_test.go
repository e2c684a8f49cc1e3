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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/gammazero/nexus/v3/router"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/stretchr/testify/assert"
)

func TestDecodeWAMPEvent(t *testing.T) {
	assert := assert.New(t)

	// Case 0: ordinal plus sequence
	{
		msg, err := decodeWAMPEvent("t", &wamp.Event{
			Arguments:   wamp.List{int64(2)},
			ArgumentsKw: wamp.Dict{"seq": uint64(9)},
		})
		assert.Nil(err)
		assert.Equal(2, msg.Sender)
		assert.Equal(uint64(9), msg.Sequence)
	}

	// Case 1: ordinal only, as sent by plain WAMP clients
	{
		msg, err := decodeWAMPEvent("t", &wamp.Event{Arguments: wamp.List{float64(0)}})
		assert.Nil(err)
		assert.Equal(0, msg.Sender)
		assert.Equal(uint64(0), msg.Sequence)
	}

	// Case 2: malformed
	{
		_, err := decodeWAMPEvent("t", &wamp.Event{})
		assert.NotNil(err)
		_, err = decodeWAMPEvent("t", &wamp.Event{Arguments: wamp.List{"zero"}})
		assert.NotNil(err)
	}
}

func TestWAMPSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	logTags := log.Fields{"module": "core_test", "component": "wamp"}
	r, err := DefineWAMPRouter([]string{"default"}, logTags)
	assert.Nil(err)
	defer r.Close()
	httpServer := httptest.NewServer(router.NewWebsocketServer(r))
	defer httpServer.Close()
	endpoint := strings.Replace(httpServer.URL, "http://", "ws://", 1) + "/"

	factory := WAMPSessionFactory(WAMPSessionParams{
		Serialization:      "json",
		ResponseTimeout:    time.Second * 2,
		AcknowledgePublish: true,
	})
	utCtxt, utCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer utCancel()
	topic := "autobahnkreuz.scenarios.pubsub"

	pub, err := factory(SessionParams{Endpoint: endpoint, Realm: "default", Ordinal: 0, Instance: "ut-wamp"})
	assert.Nil(err)
	sub, err := factory(SessionParams{Endpoint: endpoint, Realm: "default", Ordinal: 1, Instance: "ut-wamp"})
	assert.Nil(err)

	assert.Nil(pub.Open(utCtxt))
	defer pub.Close()
	assert.Nil(sub.Open(utCtxt))
	defer sub.Close()

	pubRx := make(chan Message, 4)
	subRx := make(chan Message, 4)
	_, err = pub.Subscribe(utCtxt, topic, pubRx)
	assert.Nil(err)
	subscription, err := sub.Subscribe(utCtxt, topic, subRx)
	assert.Nil(err)

	// Case 0: delivered to the other session, not echoed to the publisher
	{
		assert.Nil(pub.Publish(utCtxt, topic, Message{Sender: 0, Sequence: 1}))
		select {
		case msg := <-subRx:
			assert.Equal(0, msg.Sender)
			assert.Equal(uint64(1), msg.Sequence)
		case <-time.After(time.Second * 2):
			assert.Fail("event not delivered")
		}
		time.Sleep(time.Millisecond * 100)
		assert.Len(pubRx, 0)
	}

	// Case 1: unsubscribed
	{
		assert.Nil(subscription.Unsubscribe())
		assert.Nil(pub.Publish(utCtxt, topic, Message{Sender: 0, Sequence: 2}))
		time.Sleep(time.Millisecond * 100)
		assert.Len(subRx, 0)
	}

	// Case 2: unknown realm is a connect failure
	{
		bad, err := factory(SessionParams{Endpoint: endpoint, Realm: "nowhere", Ordinal: 2, Instance: "ut-wamp"})
		assert.Nil(err)
		err = bad.Open(utCtxt)
		assert.True(errors.Is(err, ErrConnect))
	}

	// Case 3: unsupported serialization
	{
		_, err := WAMPSessionFactory(WAMPSessionParams{Serialization: "xml"})(
			SessionParams{Endpoint: endpoint, Realm: "default", Instance: "ut-wamp"},
		)
		assert.NotNil(err)
	}
}
