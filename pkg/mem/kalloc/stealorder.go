// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kalloc

import (
	"fmt"
	"strings"
)

// Segment is a half-open range [Low, High) of buddy indices.
type Segment struct {
	Low, High int
}

// StealOrder tracks the order in which a CPU consults the buddy
// allocators. The first segment is the CPU's local range; later
// segments widen the search, typically first to the CPU's NUMA node
// and then to all buddies. Iterating the order visits every index at
// most once.
type StealOrder struct {
	segments []Segment
}

// GetLocal returns the local segment, the first one added.
func (s *StealOrder) GetLocal() Segment {
	return s.segments[0]
}

// IsLocal returns true if the index falls in the local segment.
func (s *StealOrder) IsLocal(index int) bool {
	seg := s.GetLocal()
	return seg.Low <= index && index < seg.High
}

// Segments returns the segments of the order. The returned slice is
// owned by the order and must not be modified.
func (s *StealOrder) Segments() []Segment {
	return s.segments
}

// Add inserts [low, high), subtracting any overlap with ranges added
// earlier. A new range that fully straddles an existing one is split
// in two and the upper half is added first, so that CPUs with
// different local ranges end up interleaving their iteration orders.
// Adjacent segments are merged unless the merge would absorb the
// local segment.
func (s *StealOrder) Add(low, high int) {
	for _, seg := range s.segments {
		switch {
		case low == seg.Low && high == seg.High:
			return
		case low < seg.Low && high > seg.High:
			// Split in two, upper half first.
			s.Add(seg.High, high)
			high = seg.Low
		case low < seg.Low && high > seg.Low:
			// Straddles the low boundary.
			high = seg.Low
		case low < seg.High && high > seg.High:
			// Straddles the high boundary.
			low = seg.High
		}
	}
	if low >= high {
		return
	}
	if len(s.segments) > 1 {
		last := &s.segments[len(s.segments)-1]
		if last.High == low {
			last.High = high
			return
		}
		if high == last.Low {
			last.Low = low
			return
		}
	}
	s.segments = append(s.segments, Segment{Low: low, High: high})
}

// Foreach calls fn with each buddy index in steal order until fn
// returns false.
func (s *StealOrder) Foreach(fn func(index int) bool) {
	for _, seg := range s.segments {
		for i := seg.Low; i < seg.High; i++ {
			if !fn(i) {
				return
			}
		}
	}
}

// Indices returns the buddy indices in steal order.
func (s *StealOrder) Indices() []int {
	var indices []int
	s.Foreach(func(i int) bool {
		indices = append(indices, i)
		return true
	})
	return indices
}

// String returns the order as "<local> remote...", with single-index
// segments printed without the range dots.
func (s *StealOrder) String() string {
	b := strings.Builder{}
	for i, seg := range s.segments {
		if i == 0 {
			b.WriteString("<")
		} else {
			b.WriteString(" ")
		}
		if seg.Low == seg.High-1 {
			fmt.Fprintf(&b, "%d", seg.Low)
		} else {
			fmt.Fprintf(&b, "%d..%d", seg.Low, seg.High-1)
		}
		if i == 0 {
			b.WriteString(">")
		}
	}
	return b.String()
}
