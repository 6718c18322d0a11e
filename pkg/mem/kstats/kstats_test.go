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

package kstats_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	. "github.com/containers/pagepool/pkg/mem/kstats"
)

func TestSnapshotSub(t *testing.T) {
	s := &Stats{}
	s.PageAlloc.Add(5)
	s.PageFree.Add(2)

	before := s.Read()
	s.PageAlloc.Add(3)
	s.AllocFail.Add(1)

	delta := s.Read().Sub(before)
	require.Equal(t, uint64(3), delta.PageAlloc)
	require.Equal(t, uint64(0), delta.PageFree)
	require.Equal(t, uint64(1), delta.AllocFail)
}

func TestCollector(t *testing.T) {
	s := &Stats{}
	s.HotListRefill.Add(4)
	s.PageAlloc.Add(7)

	c := NewCollector(s)
	require.Equal(t, 8, testutil.CollectAndCount(c))

	expected := `
# HELP kalloc_hot_list_refill_count Number of hot page cache refills.
# TYPE kalloc_hot_list_refill_count counter
kalloc_hot_list_refill_count 4
# HELP kalloc_page_alloc_count Number of single pages allocated.
# TYPE kalloc_page_alloc_count counter
kalloc_page_alloc_count 7
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"kalloc_hot_list_refill_count", "kalloc_page_alloc_count")
	require.Nil(t, err)
}

func TestCollectorGather(t *testing.T) {
	s := &Stats{}
	s.BalanceMove.Add(3)

	reg := prometheus.NewRegistry()
	require.Nil(t, reg.Register(NewCollector(s)))

	mfs, err := reg.Gather()
	require.Nil(t, err)

	byName := map[string]*dto.MetricFamily{}
	for _, mf := range mfs {
		byName[mf.GetName()] = mf
	}
	mf := byName["kalloc_balance_move_count"]
	require.NotNil(t, mf)
	require.Equal(t, dto.MetricType_COUNTER, mf.GetType())
	require.Equal(t, float64(3), mf.GetMetric()[0].GetCounter().GetValue())
}
