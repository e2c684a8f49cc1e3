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

	"github.com/stretchr/testify/assert"
)

func TestSequenceWindow(t *testing.T) {
	assert := assert.New(t)

	uut := sequenceWindow{}

	// Case 0: nothing seen yet
	assert.False(uut.seen(1))

	// Case 1: in order
	{
		uut.mark(1)
		uut.mark(2)
		assert.True(uut.seen(1))
		assert.True(uut.seen(2))
		assert.False(uut.seen(3))
	}

	// Case 2: out of order arrivals are distinct
	{
		uut.mark(5)
		assert.False(uut.seen(3))
		assert.False(uut.seen(4))
		uut.mark(3)
		assert.True(uut.seen(3))
		assert.False(uut.seen(4))
		assert.True(uut.seen(5))
	}

	// Case 3: a jump past the window forgets everything before it
	{
		uut.mark(5 + sequenceWindowSize + 10)
		assert.True(uut.seen(5 + sequenceWindowSize + 10))
		assert.False(uut.seen(5))
		assert.False(uut.seen(5 + sequenceWindowSize))
	}

	// Case 4: slots reused after sliding are cleared
	{
		base := uint64(5 + sequenceWindowSize + 10)
		uut.mark(base + 1)
		assert.False(uut.seen(base + 1 - sequenceWindowSize))
		uut.mark(base + sequenceWindowSize - 1)
		assert.True(uut.seen(base + sequenceWindowSize - 1))
		assert.True(uut.seen(base + 1))
		assert.False(uut.seen(base + 2))
	}
}
