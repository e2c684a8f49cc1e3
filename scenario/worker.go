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

package scenario

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/pubsubharness/common"
	"github.com/alwitt/pubsubharness/core"
	"github.com/apex/log"
	"golang.org/x/time/rate"
)

// Role what a worker does on the shared topic
type Role int

// Worker roles
const (
	// RoleSubscriberOnly worker only reacts to inbound messages
	RoleSubscriberOnly Role = iota
	// RolePublisher worker also runs the jittered publish loop
	RolePublisher
)

func (r Role) String() string {
	switch r {
	case RoleSubscriberOnly:
		return "subscriber"
	case RolePublisher:
		return "publisher"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// WorkerState worker lifecycle state
type WorkerState int32

// Worker lifecycle states
const (
	WorkerCreated WorkerState = iota
	WorkerOpening
	WorkerOpen
	WorkerSubscribed
	WorkerPublishing
	WorkerClosed
	WorkerFailed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerOpening:
		return "opening"
	case WorkerOpen:
		return "open"
	case WorkerSubscribed:
		return "subscribed"
	case WorkerPublishing:
		return "publishing"
	case WorkerClosed:
		return "closed"
	case WorkerFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal whether the worker has finished
func (s WorkerState) Terminal() bool {
	return s == WorkerClosed || s == WorkerFailed
}

// WorkerParams parameters for one worker
type WorkerParams struct {
	// Ordinal is the worker ordinal in [0, N)
	Ordinal int `validate:"gte=0"`
	// Role is the worker role
	Role Role
	// Topic is the shared topic
	Topic string `validate:"required"`
	// JitterLow is the inclusive lower bound of the wait between publishes
	JitterLow time.Duration `validate:"gte=0"`
	// JitterHigh is the exclusive upper bound of the wait between publishes
	JitterHigh time.Duration `validate:"gtefield=JitterLow"`
	// InboundBuffer is the size of the inbound message channel
	InboundBuffer int `validate:"gte=1"`
}

// WorkerStatus point in time view of a worker
type WorkerStatus struct {
	Ordinal       int    `json:"ordinal"`
	Role          string `json:"role"`
	State         string `json:"state"`
	Endpoint      string `json:"endpoint"`
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	Duplicates    uint64 `json:"duplicates"`
	LastError     string `json:"last_error,omitempty"`
}

// Worker owns one session and drives it through its lifecycle
type Worker interface {
	// Run open the session, subscribe, and publish if a publisher. Blocks until
	// ctx is cancelled or the session fails to open.
	Run(ctx context.Context) error
	// Subscribe subscribe the worker's receive loop to a topic. Subscribing an
	// already subscribed topic is a no-op.
	Subscribe(ctx context.Context, topic string) error
	// Ordinal the worker ordinal
	Ordinal() int
	// Role the worker role
	Role() Role
	// State the current lifecycle state
	State() WorkerState
	// Status point in time view of the worker
	Status() WorkerStatus
}

// workerImpl implements Worker
type workerImpl struct {
	common.Component
	params        WorkerParams
	session       core.Session
	receipts      ReceiptCounter
	jitter        JitterScheduler
	limiter       *rate.Limiter
	inbound       chan core.Message
	state         atomic.Int32
	lock          sync.Mutex
	subscriptions map[string]core.Subscription
	lastErr       error
	// sequences only touched by the receive loop
	sequences     map[int]*sequenceWindow
	sequence      atomic.Uint64
	published     atomic.Uint64
	publishErrors atomic.Uint64
	duplicates    atomic.Uint64
}

// DefineWorker define a new worker owning session. limiter is optional.
func DefineWorker(
	params WorkerParams,
	session core.Session,
	receipts ReceiptCounter,
	jitter JitterScheduler,
	limiter *rate.Limiter,
	instance string,
) (Worker, error) {
	logTags := log.Fields{
		"module":    "scenario",
		"component": "worker",
		"instance":  instance,
		"ordinal":   params.Ordinal,
		"role":      params.Role.String(),
	}
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid worker parameters")
		return nil, err
	}
	if session == nil || receipts == nil || jitter == nil {
		return nil, fmt.Errorf("worker %d requires a session, receipt counter and jitter scheduler", params.Ordinal)
	}
	return &workerImpl{
		Component:     common.Component{LogTags: logTags},
		params:        params,
		session:       session,
		receipts:      receipts,
		jitter:        jitter,
		limiter:       limiter,
		inbound:       make(chan core.Message, params.InboundBuffer),
		subscriptions: make(map[string]core.Subscription),
		sequences:     make(map[int]*sequenceWindow),
	}, nil
}

func (w *workerImpl) Ordinal() int {
	return w.params.Ordinal
}

func (w *workerImpl) Role() Role {
	return w.params.Role
}

func (w *workerImpl) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *workerImpl) setState(state WorkerState) {
	old := WorkerState(w.state.Swap(int32(state)))
	if old != state {
		log.WithFields(w.LogTags).Debugf("State %s -> %s", old, state)
	}
}

func (w *workerImpl) recordError(err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.lastErr = err
}

// Status point in time view of the worker
func (w *workerImpl) Status() WorkerStatus {
	w.lock.Lock()
	lastErr := w.lastErr
	w.lock.Unlock()
	status := WorkerStatus{
		Ordinal:       w.params.Ordinal,
		Role:          w.params.Role.String(),
		State:         w.State().String(),
		Endpoint:      w.session.Endpoint(),
		Published:     w.published.Load(),
		PublishErrors: w.publishErrors.Load(),
		Duplicates:    w.duplicates.Load(),
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	return status
}

// Run drive the worker lifecycle
func (w *workerImpl) Run(ctx context.Context) error {
	if w.State() != WorkerCreated {
		return fmt.Errorf("worker %d already started", w.params.Ordinal)
	}
	w.setState(WorkerOpening)
	if err := w.session.Open(ctx); err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf(
			"Failed to open session with %s", w.session.Endpoint(),
		)
		w.recordError(err)
		w.setState(WorkerFailed)
		return fmt.Errorf("worker %d: %w", w.params.Ordinal, err)
	}
	w.setState(WorkerOpen)
	log.WithFields(w.LogTags).Infof("Session open with %s", w.session.Endpoint())

	wg := sync.WaitGroup{}
	runCtxt, runCancel := context.WithCancel(ctx)
	defer runCancel()

	// Receive loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.receiveLoop(runCtxt)
	}()

	if err := w.Subscribe(runCtxt, w.params.Topic); err != nil {
		// Continue without delivery
		w.recordError(err)
	}

	var timer common.IntervalTimer
	if w.params.Role == RolePublisher {
		var err error
		timer, err = common.GetIntervalTimerInstance(runCtxt, &wg, w.LogTags)
		if err == nil {
			err = timer.Start(
				w.jitter.Generator(w.params.JitterLow, w.params.JitterHigh),
				func() error { return w.publishOnce(runCtxt) },
				false,
			)
		}
		if err != nil {
			log.WithError(err).WithFields(w.LogTags).Error("Unable to start publish loop")
			w.recordError(err)
		} else {
			w.setState(WorkerPublishing)
		}
	}

	<-ctx.Done()
	log.WithFields(w.LogTags).Info("Stopping worker")

	runCancel()
	if timer != nil {
		_ = timer.Stop()
	}
	w.unsubscribeAll()
	wg.Wait()
	if err := w.session.Close(); err != nil {
		log.WithError(err).WithFields(w.LogTags).Error("Session close failed")
	}
	w.setState(WorkerClosed)
	return nil
}

// Subscribe subscribe the receive loop to a topic
func (w *workerImpl) Subscribe(ctx context.Context, topic string) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if _, ok := w.subscriptions[topic]; ok {
		log.WithFields(w.LogTags).Debugf("Already subscribed to %s", topic)
		return nil
	}
	sub, err := w.session.Subscribe(ctx, topic, w.inbound)
	if err != nil {
		log.WithError(err).WithFields(w.LogTags).Errorf("Subscribe to %s failed", topic)
		return err
	}
	w.subscriptions[topic] = sub
	if topic == w.params.Topic && w.State() == WorkerOpen {
		w.setState(WorkerSubscribed)
	}
	log.WithFields(w.LogTags).Infof("Subscribed to %s", topic)
	return nil
}

func (w *workerImpl) unsubscribeAll() {
	w.lock.Lock()
	defer w.lock.Unlock()
	for topic, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(w.LogTags).Errorf("Unsubscribe from %s failed", topic)
		}
		delete(w.subscriptions, topic)
	}
}

// receiveLoop drain the inbound channel until ctx ends
func (w *workerImpl) receiveLoop(ctx context.Context) {
	defer log.WithFields(w.LogTags).Debug("Receive loop exiting")
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbound:
			w.handleMessage(msg)
		}
	}
}

// handleMessage attribute one delivered message to its sender
func (w *workerImpl) handleMessage(msg core.Message) {
	if msg.Sender == w.params.Ordinal {
		log.WithFields(w.LogTags).Debugf("Ignoring own message %s", msg)
		return
	}
	window := w.sequences[msg.Sender]
	if msg.Sequence > 0 && window != nil && window.seen(msg.Sequence) {
		w.duplicates.Add(1)
		log.WithFields(w.LogTags).Debugf("Ignoring duplicate message %s", msg)
		return
	}
	if err := w.receipts.Record(w.params.Ordinal, msg.Sender); err != nil {
		log.WithError(err).WithFields(w.LogTags).Warnf("Dropping message %s", msg)
		return
	}
	if msg.Sequence > 0 {
		if window == nil {
			window = &sequenceWindow{}
			w.sequences[msg.Sender] = window
		}
		window.mark(msg.Sequence)
	}
	log.WithFields(w.LogTags).Infof("received topic from %d", msg.Sender)
}

// publishOnce one iteration of the publish loop
func (w *workerImpl) publishOnce(ctx context.Context) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	msg := core.Message{
		Topic:    w.params.Topic,
		Sender:   w.params.Ordinal,
		Sequence: w.sequence.Add(1),
		SentAt:   time.Now().UTC(),
	}
	log.WithFields(w.LogTags).Infof("publishing new topic from %d", w.params.Ordinal)
	if err := w.session.Publish(ctx, w.params.Topic, msg); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.publishErrors.Add(1)
		w.recordError(err)
		return err
	}
	w.published.Add(1)
	return nil
}
