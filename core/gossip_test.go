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
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestGossipSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithTimeout(context.Background(), time.Second*30)
	defer utCancel()
	topic := "autobahnkreuz.scenarios.pubsub"

	// Case 0: invalid listen address
	{
		_, err := GossipSessionFactory(GossipSessionParams{})(SessionParams{
			Endpoint: "localhost:9090", Realm: "default", Instance: "ut-gossip",
		})
		assert.NotNil(err)
	}

	first, err := GossipSessionFactory(GossipSessionParams{})(SessionParams{
		Endpoint: "/ip4/127.0.0.1/tcp/0", Realm: "default", Ordinal: 0, Instance: "ut-gossip",
	})
	assert.Nil(err)
	assert.Nil(first.Open(utCtxt))
	defer first.Close()

	bootstrap := first.(*GossipSession).PeerAddrs()
	assert.NotEmpty(bootstrap)

	second, err := GossipSessionFactory(GossipSessionParams{Bootstrap: bootstrap})(SessionParams{
		Endpoint: "/ip4/127.0.0.1/tcp/0", Realm: "default", Ordinal: 1, Instance: "ut-gossip",
	})
	assert.Nil(err)
	assert.Nil(second.Open(utCtxt))
	defer second.Close()

	firstRx := make(chan Message, 16)
	secondRx := make(chan Message, 16)
	firstSub, err := first.Subscribe(utCtxt, topic, firstRx)
	assert.Nil(err)
	defer firstSub.Unsubscribe()
	secondSub, err := second.Subscribe(utCtxt, topic, secondRx)
	assert.Nil(err)
	defer secondSub.Unsubscribe()

	// Case 1: keep publishing until the mesh forms and the other peer receives
	seq := uint64(0)
	received := false
	for !received && utCtxt.Err() == nil {
		seq++
		assert.Nil(first.Publish(utCtxt, topic, Message{Sender: 0, Sequence: seq}))
		select {
		case msg := <-secondRx:
			assert.Equal(0, msg.Sender)
			received = true
		case <-time.After(time.Millisecond * 250):
		}
	}
	assert.True(received)
}
