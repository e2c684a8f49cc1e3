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

// sequenceWindowSize how many sequence numbers behind the newest one are tracked
const sequenceWindowSize = 1024

// sequenceWindow remembers which sequence numbers of one sender were seen,
// within a sliding window ending at the newest one. Sequences older than the
// window are treated as unseen.
type sequenceWindow struct {
	highest uint64
	bits    [sequenceWindowSize / 64]uint64
}

func (w *sequenceWindow) slot(seq uint64) (int, uint64) {
	offset := seq % sequenceWindowSize
	return int(offset / 64), uint64(1) << (offset % 64)
}

// seen whether seq was already marked
func (w *sequenceWindow) seen(seq uint64) bool {
	if seq > w.highest || w.highest-seq >= sequenceWindowSize {
		return false
	}
	idx, mask := w.slot(seq)
	return w.bits[idx]&mask != 0
}

// mark record seq as seen, sliding the window forward when seq is the newest
func (w *sequenceWindow) mark(seq uint64) {
	if seq > w.highest {
		if seq-w.highest >= sequenceWindowSize {
			w.bits = [sequenceWindowSize / 64]uint64{}
		} else {
			for itr := w.highest + 1; itr < seq; itr++ {
				idx, mask := w.slot(itr)
				w.bits[idx] &^= mask
			}
		}
		w.highest = seq
	} else if w.highest-seq >= sequenceWindowSize {
		return
	}
	idx, mask := w.slot(seq)
	w.bits[idx] |= mask
}
