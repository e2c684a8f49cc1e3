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
	"time"

	"github.com/alwitt/pubsubharness/common"
	"github.com/alwitt/pubsubharness/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

var validate = validator.New()

// RoleAssigner decides the role of each worker ordinal
type RoleAssigner func(ordinal int) Role

// PublishersFromOrdinals only the listed ordinals publish
func PublishersFromOrdinals(ordinals ...int) RoleAssigner {
	publishers := map[int]bool{}
	for _, ordinal := range ordinals {
		publishers[ordinal] = true
	}
	return func(ordinal int) Role {
		if publishers[ordinal] {
			return RolePublisher
		}
		return RoleSubscriberOnly
	}
}

// AllPublish every worker publishes
func AllPublish() RoleAssigner {
	return func(int) Role { return RolePublisher }
}

// EndpointForOrdinal build the endpoint of a worker from a template holding one %d
func EndpointForOrdinal(template string, ordinal int) string {
	return fmt.Sprintf(template, ordinal)
}

// HarnessParams parameters of one harness run
type HarnessParams struct {
	// Instance names this run. Generated when empty.
	Instance string
	// WorkerCount number of workers
	WorkerCount int `validate:"gte=1"`
	// EndpointTemplate endpoint of worker i is fmt.Sprintf(EndpointTemplate, i)
	EndpointTemplate string `validate:"required,contains=%d"`
	// Realm broker namespace every worker joins
	Realm string `validate:"required"`
	// Topic shared topic
	Topic string `validate:"required"`
	// Roles role assignment. Defaults to PublishersFromOrdinals(0).
	Roles RoleAssigner
	// JitterLow inclusive lower bound of the publish wait
	JitterLow time.Duration `validate:"gte=0"`
	// JitterHigh exclusive upper bound of the publish wait
	JitterHigh time.Duration `validate:"gtefield=JitterLow"`
	// JitterSeed seeds the jitter scheduler. 0 seeds from the clock.
	JitterSeed int64
	// ReceiptSeed baseline of every receipt counter entry
	ReceiptSeed uint64
	// InboundBuffer size of each worker's inbound channel
	InboundBuffer int `validate:"gte=1"`
	// MaxPublishRate harness wide publish cap in messages per second. 0 is unlimited.
	MaxPublishRate float64 `validate:"gte=0"`
}

// HarnessStatus point in time view of a harness run
type HarnessStatus struct {
	Instance string          `json:"instance"`
	Realm    string          `json:"realm"`
	Topic    string          `json:"topic"`
	Workers  []WorkerStatus  `json:"workers"`
	Receipts ReceiptSnapshot `json:"receipts"`
}

// Harness starts N workers against a broker and joins them
type Harness interface {
	// Run start every worker and wait for all of them to exit. Returns the
	// combined worker errors.
	Run(ctx context.Context) error
	// Workers the workers of this run, indexed by ordinal
	Workers() []Worker
	// Receipts the shared receipt counter
	Receipts() ReceiptCounter
	// Ready whether at least one worker is subscribed
	Ready() bool
	// Status point in time view of the run
	Status() HarnessStatus
}

// harnessImpl implements Harness
type harnessImpl struct {
	common.Component
	params   HarnessParams
	workers  []Worker
	receipts ReceiptCounter
	lock     sync.Mutex
	started  bool
}

// DefineHarness define a new harness, building one session per worker with factory
func DefineHarness(params HarnessParams, factory core.SessionFactory) (Harness, error) {
	if params.Instance == "" {
		params.Instance = fmt.Sprintf("harness-%s", uuid.NewString()[:8])
	}
	logTags := log.Fields{
		"module": "scenario", "component": "harness", "instance": params.Instance,
	}
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid harness parameters")
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("harness requires a session factory")
	}
	if params.Roles == nil {
		params.Roles = PublishersFromOrdinals(0)
	}

	receipts, err := GetReceiptCounter(params.WorkerCount, params.ReceiptSeed)
	if err != nil {
		return nil, err
	}
	seed := params.JitterSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	jitter := GetJitterScheduler(seed)

	var limiter *rate.Limiter
	if params.MaxPublishRate > 0 {
		burst := int(params.MaxPublishRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(params.MaxPublishRate), burst)
	}

	workers := make([]Worker, params.WorkerCount)
	for ordinal := 0; ordinal < params.WorkerCount; ordinal++ {
		session, err := factory(core.SessionParams{
			Endpoint: EndpointForOrdinal(params.EndpointTemplate, ordinal),
			Realm:    params.Realm,
			Ordinal:  ordinal,
			Instance: params.Instance,
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define session for worker %d", ordinal)
			return nil, err
		}
		worker, err := DefineWorker(WorkerParams{
			Ordinal:       ordinal,
			Role:          params.Roles(ordinal),
			Topic:         params.Topic,
			JitterLow:     params.JitterLow,
			JitterHigh:    params.JitterHigh,
			InboundBuffer: params.InboundBuffer,
		}, session, receipts, jitter, limiter, params.Instance)
		if err != nil {
			return nil, err
		}
		workers[ordinal] = worker
	}

	return &harnessImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		workers:   workers,
		receipts:  receipts,
	}, nil
}

// Run start every worker and join them
func (h *harnessImpl) Run(ctx context.Context) error {
	h.lock.Lock()
	if h.started {
		h.lock.Unlock()
		return fmt.Errorf("harness %s already started", h.params.Instance)
	}
	h.started = true
	h.lock.Unlock()

	log.WithFields(h.LogTags).Infof(
		"Starting %d workers on %s/%s", len(h.workers), h.params.Realm, h.params.Topic,
	)
	wg := sync.WaitGroup{}
	errLock := sync.Mutex{}
	var errs error
	for _, worker := range h.workers {
		wg.Add(1)
		go func(worker Worker) {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil {
				log.WithError(err).WithFields(h.LogTags).Errorf("Worker %d failed", worker.Ordinal())
				errLock.Lock()
				errs = multierr.Append(errs, err)
				errLock.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	snapshot := h.receipts.Snapshot()
	log.WithFields(h.LogTags).Infof(
		"All workers exited, %d messages delivered", snapshot.Delivered,
	)
	return errs
}

func (h *harnessImpl) Workers() []Worker {
	return h.workers
}

func (h *harnessImpl) Receipts() ReceiptCounter {
	return h.receipts
}

// Ready whether at least one worker is subscribed
func (h *harnessImpl) Ready() bool {
	for _, worker := range h.workers {
		switch worker.State() {
		case WorkerSubscribed, WorkerPublishing:
			return true
		}
	}
	return false
}

// Status point in time view of the run
func (h *harnessImpl) Status() HarnessStatus {
	status := HarnessStatus{
		Instance: h.params.Instance,
		Realm:    h.params.Realm,
		Topic:    h.params.Topic,
		Workers:  make([]WorkerStatus, len(h.workers)),
		Receipts: h.receipts.Snapshot(),
	}
	for itr, worker := range h.workers {
		status.Workers[itr] = worker.Status()
	}
	return status
}
