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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message one message exchanged over the shared topic
type Message struct {
	// Topic is the topic the message was published / delivered on
	Topic string `json:"-"`
	// Sender is the ordinal of the publishing worker
	Sender int `json:"sender"`
	// Sequence is the per sender publish counter. Zero means unknown.
	Sequence uint64 `json:"seq,omitempty"`
	// SentAt is the publisher's timestamp of when it generated the message
	SentAt time.Time `json:"sent_at,omitempty"`
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf("%s:MSG[S:%d Q:%d]", m.Topic, m.Sender, m.Sequence)
}

// encodeMessage serialize a message for the byte oriented backends
func encodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(&msg)
}

// decodeMessage parse a message from the byte oriented backends
func decodeMessage(topic string, payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	msg.Topic = topic
	return msg, nil
}

// ==============================================================================

// SessionOp operation performed against a session
type SessionOp string

// Session operations
const (
	OpOpen      SessionOp = "open"
	OpSubscribe SessionOp = "subscribe"
	OpPublish   SessionOp = "publish"
	OpClose     SessionOp = "close"
)

// Error classes for the session operations
var (
	// ErrConnect session failed to open
	ErrConnect = errors.New("session connect failed")
	// ErrSubscribe subscribe request was rejected or failed
	ErrSubscribe = errors.New("session subscribe failed")
	// ErrPublish publish request was rejected or failed
	ErrPublish = errors.New("session publish failed")
	// ErrNotOpen operation requires an open session
	ErrNotOpen = errors.New("session not open")
)

// OpError error from one session operation
type OpError struct {
	Op       SessionOp
	Endpoint string
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

// Unwrap support errors.Is / errors.As on the cause
func (e *OpError) Unwrap() error {
	return e.Err
}

// Is match the operation error class
func (e *OpError) Is(target error) bool {
	switch target {
	case ErrConnect:
		return e.Op == OpOpen
	case ErrSubscribe:
		return e.Op == OpSubscribe
	case ErrPublish:
		return e.Op == OpPublish
	}
	return false
}

func opError(op SessionOp, endpoint string, err error) error {
	return &OpError{Op: op, Endpoint: endpoint, Err: err}
}

// ==============================================================================

// Subscription a topic subscription on a session
type Subscription interface {
	// Topic the subscribed topic
	Topic() string
	// Unsubscribe release the subscription
	Unsubscribe() error
}

// Session one connection + realm membership with a pub/sub broker
type Session interface {
	// Open connect to the broker and join the realm
	Open(ctx context.Context) error
	// Subscribe subscribe to a topic. Messages delivered after the subscription is
	// acknowledged are written to inbound until the subscription or session ends.
	Subscribe(ctx context.Context, topic string, inbound chan<- Message) (Subscription, error)
	// Publish publish a message to a topic
	Publish(ctx context.Context, topic string, msg Message) error
	// Close leave the realm and close the connection
	Close() error
	// Endpoint the endpoint this session connects to
	Endpoint() string
}

// SessionParams parameters common to all session backends
type SessionParams struct {
	// Endpoint is the broker endpoint URL / address
	Endpoint string `validate:"required"`
	// Realm is the broker side namespace to join
	Realm string `validate:"required"`
	// Ordinal is the owning worker ordinal
	Ordinal int `validate:"gte=0"`
	// Instance is a name for this harness run used to build client identities
	Instance string `validate:"required"`
}

// SessionFactory build a new, unopened session
type SessionFactory func(params SessionParams) (Session, error)

// deliver forward a message to a subscriber channel, giving up when done closes
func deliver(done <-chan struct{}, inbound chan<- Message, msg Message) bool {
	select {
	case inbound <- msg:
		return true
	case <-done:
		return false
	}
}
