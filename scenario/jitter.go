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
	"math/rand"
	"sync"
	"time"

	"github.com/alwitt/pubsubharness/common"
)

// JitterScheduler produces randomized wait intervals so publishers do not
// publish in lockstep
type JitterScheduler interface {
	// NextDelay draw a delay uniformly from [low, high) with millisecond
	// granularity. low == high gives low.
	NextDelay(low, high time.Duration) time.Duration
	// Generator DelayGenerator drawing from [low, high) on every call
	Generator(low, high time.Duration) common.DelayGenerator
}

// jitterSchedulerImpl implements JitterScheduler
type jitterSchedulerImpl struct {
	lock sync.Mutex
	rng  *rand.Rand
}

// GetJitterScheduler define a new JitterScheduler using the given seed
func GetJitterScheduler(seed int64) JitterScheduler {
	return &jitterSchedulerImpl{rng: rand.New(rand.NewSource(seed))}
}

// NextDelay draw a delay from [low, high)
func (j *jitterSchedulerImpl) NextDelay(low, high time.Duration) time.Duration {
	if low < 0 {
		low = 0
	}
	if high < 0 {
		high = 0
	}
	if high < low {
		low, high = high, low
	}
	span := int64((high - low) / time.Millisecond)
	if span <= 0 {
		return low
	}
	j.lock.Lock()
	offset := j.rng.Int63n(span)
	j.lock.Unlock()
	return low + time.Duration(offset)*time.Millisecond
}

// Generator DelayGenerator drawing from [low, high)
func (j *jitterSchedulerImpl) Generator(low, high time.Duration) common.DelayGenerator {
	return func() time.Duration {
		return j.NextDelay(low, high)
	}
}
