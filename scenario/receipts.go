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
	"fmt"
	"sync/atomic"
)

// ReceiptSnapshot point in time copy of the receipt counters
type ReceiptSnapshot struct {
	// Seed is the baseline every entry started from
	Seed uint64 `json:"seed"`
	// Counts is indexed [receiver][sender]
	Counts [][]uint64 `json:"counts"`
	// Delivered is the number of messages recorded since start
	Delivered uint64 `json:"delivered"`
}

// ReceiptCounter tracks, per receiving worker, how many messages arrived from
// each sending worker. Safe for concurrent use.
type ReceiptCounter interface {
	// Record count one message from sender delivered to receiver
	Record(receiver, sender int) error
	// Count current count of messages from sender delivered to receiver
	Count(receiver, sender int) (uint64, error)
	// Seed the baseline every entry started from
	Seed() uint64
	// Delivered number of messages recorded since start
	Delivered() uint64
	// Snapshot copy of the current counts
	Snapshot() ReceiptSnapshot
}

// receiptCounterImpl implements ReceiptCounter with one atomic per entry
type receiptCounterImpl struct {
	workers   int
	seed      uint64
	entries   []atomic.Uint64
	delivered atomic.Uint64
}

// GetReceiptCounter define a ReceiptCounter for a worker count, every entry
// pre-seeded with seed
func GetReceiptCounter(workers int, seed uint64) (ReceiptCounter, error) {
	if workers < 1 {
		return nil, fmt.Errorf("receipt counter needs at least one worker, got %d", workers)
	}
	c := &receiptCounterImpl{
		workers: workers,
		seed:    seed,
		entries: make([]atomic.Uint64, workers*workers),
	}
	for itr := range c.entries {
		c.entries[itr].Store(seed)
	}
	return c, nil
}

func (c *receiptCounterImpl) index(receiver, sender int) (int, error) {
	if receiver < 0 || receiver >= c.workers {
		return 0, fmt.Errorf("receiver ordinal %d outside [0, %d)", receiver, c.workers)
	}
	if sender < 0 || sender >= c.workers {
		return 0, fmt.Errorf("sender ordinal %d outside [0, %d)", sender, c.workers)
	}
	return receiver*c.workers + sender, nil
}

// Record count one delivered message
func (c *receiptCounterImpl) Record(receiver, sender int) error {
	idx, err := c.index(receiver, sender)
	if err != nil {
		return err
	}
	c.entries[idx].Add(1)
	c.delivered.Add(1)
	return nil
}

// Count current count for an entry
func (c *receiptCounterImpl) Count(receiver, sender int) (uint64, error) {
	idx, err := c.index(receiver, sender)
	if err != nil {
		return 0, err
	}
	return c.entries[idx].Load(), nil
}

// Seed the baseline
func (c *receiptCounterImpl) Seed() uint64 {
	return c.seed
}

// Delivered number of recorded messages
func (c *receiptCounterImpl) Delivered() uint64 {
	return c.delivered.Load()
}

// Snapshot copy of the current counts. Entries are read one by one, so the
// copy is not atomic across entries.
func (c *receiptCounterImpl) Snapshot() ReceiptSnapshot {
	counts := make([][]uint64, c.workers)
	for receiver := 0; receiver < c.workers; receiver++ {
		counts[receiver] = make([]uint64, c.workers)
		for sender := 0; sender < c.workers; sender++ {
			counts[receiver][sender] = c.entries[receiver*c.workers+sender].Load()
		}
	}
	return ReceiptSnapshot{Seed: c.seed, Counts: counts, Delivered: c.delivered.Load()}
}
