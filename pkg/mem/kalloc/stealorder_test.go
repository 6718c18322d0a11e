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

package kalloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/pagepool/pkg/mem/kalloc"
)

func TestStealOrderAdd(t *testing.T) {
	type testCase struct {
		name    string
		add     []Segment
		indices []int
		str     string
	}

	for _, tc := range []*testCase{
		{
			name:    "local only",
			add:     []Segment{{0, 2}},
			indices: []int{0, 1},
			str:     "<0..1>",
		},
		{
			name:    "duplicate range is dropped",
			add:     []Segment{{0, 2}, {0, 2}},
			indices: []int{0, 1},
			str:     "<0..1>",
		},
		{
			name:    "wider range is subtracted",
			add:     []Segment{{2, 4}, {0, 8}},
			indices: []int{2, 3, 4, 5, 6, 7, 0, 1},
			str:     "<2..3> 4..7 0..1",
		},
		{
			name:    "straddling range splits upper half first",
			add:     []Segment{{2, 4}, {0, 6}},
			indices: []int{2, 3, 4, 5, 0, 1},
			str:     "<2..3> 4..5 0..1",
		},
		{
			name:    "straddles low boundary",
			add:     []Segment{{4, 8}, {0, 6}},
			indices: []int{4, 5, 6, 7, 0, 1, 2, 3},
			str:     "<4..7> 0..3",
		},
		{
			name:    "straddles high boundary",
			add:     []Segment{{0, 4}, {2, 8}},
			indices: []int{0, 1, 2, 3, 4, 5, 6, 7},
			str:     "<0..3> 4..7",
		},
		{
			name:    "adjacent remote segments merge",
			add:     []Segment{{0, 2}, {2, 4}, {4, 8}},
			indices: []int{0, 1, 2, 3, 4, 5, 6, 7},
			str:     "<0..1> 2..7",
		},
		{
			name:    "single index segment",
			add:     []Segment{{3, 4}, {0, 8}},
			indices: []int{3, 4, 5, 6, 7, 0, 1, 2},
			str:     "<3> 4..7 0..2",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := &StealOrder{}
			for _, seg := range tc.add {
				s.Add(seg.Low, seg.High)
			}
			require.Equal(t, tc.indices, s.Indices())
			require.Equal(t, tc.str, s.String())
		})
	}
}

func TestStealOrderVisitsEachIndexOnce(t *testing.T) {
	s := &StealOrder{}
	s.Add(2, 4)
	s.Add(0, 8)
	s.Add(0, 16)

	seen := map[int]int{}
	s.Foreach(func(i int) bool {
		seen[i]++
		return true
	})
	require.Len(t, seen, 16)
	for i, n := range seen {
		require.Equal(t, 1, n, "index %d", i)
	}
}

func TestStealOrderLocal(t *testing.T) {
	s := &StealOrder{}
	s.Add(2, 4)
	s.Add(0, 8)

	require.Equal(t, Segment{2, 4}, s.GetLocal())
	require.True(t, s.IsLocal(2))
	require.True(t, s.IsLocal(3))
	require.False(t, s.IsLocal(1))
	require.False(t, s.IsLocal(4))
}

func TestStealOrderDesynchronized(t *testing.T) {
	// Two CPUs with different local ranges over the same buddies must
	// not walk the remote indices in the same order.
	s0, s1 := &StealOrder{}, &StealOrder{}
	s0.Add(0, 2)
	s0.Add(0, 8)
	s1.Add(2, 4)
	s1.Add(0, 8)

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, s0.Indices())
	require.Equal(t, []int{2, 3, 4, 5, 6, 7, 0, 1}, s1.Indices())
}
