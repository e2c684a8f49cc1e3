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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterBounds(t *testing.T) {
	assert := assert.New(t)

	uut := GetJitterScheduler(42)

	// Case 0: regular bounds
	{
		low, high := time.Millisecond*200, time.Millisecond*1000
		seen := map[time.Duration]bool{}
		for itr := 0; itr < 5000; itr++ {
			delay := uut.NextDelay(low, high)
			assert.GreaterOrEqual(delay, low)
			assert.Less(delay, high)
			seen[delay] = true
		}
		// Actually random
		assert.Greater(len(seen), 100)
	}

	// Case 1: degenerate bounds give a fixed delay
	{
		for itr := 0; itr < 100; itr++ {
			assert.Equal(time.Millisecond*300, uut.NextDelay(time.Millisecond*300, time.Millisecond*300))
		}
		assert.Equal(time.Duration(0), uut.NextDelay(0, 0))
	}

	// Case 2: span below the granularity
	{
		assert.Equal(time.Millisecond*5, uut.NextDelay(time.Millisecond*5, time.Millisecond*5+time.Microsecond))
	}

	// Case 3: never negative
	{
		for itr := 0; itr < 100; itr++ {
			delay := uut.NextDelay(-time.Second, time.Millisecond*10)
			assert.GreaterOrEqual(delay, time.Duration(0))
			assert.Less(delay, time.Millisecond*10)
		}
		assert.Equal(time.Duration(0), uut.NextDelay(-time.Second, -time.Millisecond))
	}

	// Case 4: inverted bounds are swapped
	{
		for itr := 0; itr < 100; itr++ {
			delay := uut.NextDelay(time.Millisecond*50, time.Millisecond*10)
			assert.GreaterOrEqual(delay, time.Millisecond*10)
			assert.Less(delay, time.Millisecond*50)
		}
	}

	// Case 5: generator
	{
		gen := uut.Generator(time.Millisecond, time.Millisecond*3)
		for itr := 0; itr < 100; itr++ {
			delay := gen()
			assert.GreaterOrEqual(delay, time.Millisecond)
			assert.Less(delay, time.Millisecond*3)
		}
	}
}

func TestJitterSeedDeterminism(t *testing.T) {
	assert := assert.New(t)

	first := GetJitterScheduler(7)
	second := GetJitterScheduler(7)
	for itr := 0; itr < 50; itr++ {
		assert.Equal(
			first.NextDelay(time.Millisecond*200, time.Millisecond*1000),
			second.NextDelay(time.Millisecond*200, time.Millisecond*1000),
		)
	}
}
