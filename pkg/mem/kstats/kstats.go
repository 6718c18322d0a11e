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

package kstats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the allocator's performance counters. All counters are
// monotonic and updated with atomic increments on the hot paths, so
// they can be read at any time without a lock.
type Stats struct {
	HotListRefill     atomic.Uint64
	HotListSteal      atomic.Uint64
	HotListFlush      atomic.Uint64
	HotListRemoteFree atomic.Uint64
	PageAlloc         atomic.Uint64
	PageFree          atomic.Uint64
	BalanceMove       atomic.Uint64
	AllocFail         atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	HotListRefill     uint64
	HotListSteal      uint64
	HotListFlush      uint64
	HotListRemoteFree uint64
	PageAlloc         uint64
	PageFree          uint64
	BalanceMove       uint64
	AllocFail         uint64
}

// Read returns a snapshot of the counters.
func (s *Stats) Read() Snapshot {
	return Snapshot{
		HotListRefill:     s.HotListRefill.Load(),
		HotListSteal:      s.HotListSteal.Load(),
		HotListFlush:      s.HotListFlush.Load(),
		HotListRemoteFree: s.HotListRemoteFree.Load(),
		PageAlloc:         s.PageAlloc.Load(),
		PageFree:          s.PageFree.Load(),
		BalanceMove:       s.BalanceMove.Load(),
		AllocFail:         s.AllocFail.Load(),
	}
}

// Sub returns the counter deltas between two snapshots.
func (s Snapshot) Sub(o Snapshot) Snapshot {
	return Snapshot{
		HotListRefill:     s.HotListRefill - o.HotListRefill,
		HotListSteal:      s.HotListSteal - o.HotListSteal,
		HotListFlush:      s.HotListFlush - o.HotListFlush,
		HotListRemoteFree: s.HotListRemoteFree - o.HotListRemoteFree,
		PageAlloc:         s.PageAlloc - o.PageAlloc,
		PageFree:          s.PageFree - o.PageFree,
		BalanceMove:       s.BalanceMove - o.BalanceMove,
		AllocFail:         s.AllocFail - o.AllocFail,
	}
}

type collector struct {
	stats *Stats
	descs map[string]*prometheus.Desc
}

var counterNames = []struct {
	name string
	help string
}{
	{"kalloc_hot_list_refill_count", "Number of hot page cache refills."},
	{"kalloc_hot_list_steal_count", "Number of remote buddies visited by hot page cache refills."},
	{"kalloc_hot_list_flush_count", "Number of hot page cache flushes."},
	{"kalloc_hot_list_remote_free_count", "Number of times a hot page cache flush switched to a remote buddy."},
	{"kalloc_page_alloc_count", "Number of single pages allocated."},
	{"kalloc_page_free_count", "Number of single pages freed."},
	{"kalloc_balance_move_count", "Number of balancer memory moves."},
	{"kalloc_fail_count", "Number of allocations that returned no memory."},
}

// NewCollector returns a prometheus collector exposing the counters.
func NewCollector(stats *Stats) prometheus.Collector {
	c := &collector{
		stats: stats,
		descs: map[string]*prometheus.Desc{},
	}
	for _, cnt := range counterNames {
		c.descs[cnt.name] = prometheus.NewDesc(cnt.name, cnt.help, nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Read()
	for name, value := range map[string]uint64{
		"kalloc_hot_list_refill_count":      snap.HotListRefill,
		"kalloc_hot_list_steal_count":       snap.HotListSteal,
		"kalloc_hot_list_flush_count":       snap.HotListFlush,
		"kalloc_hot_list_remote_free_count": snap.HotListRemoteFree,
		"kalloc_page_alloc_count":           snap.PageAlloc,
		"kalloc_page_free_count":            snap.PageFree,
		"kalloc_balance_move_count":         snap.BalanceMove,
		"kalloc_fail_count":                 snap.AllocFail,
	} {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(value))
	}
}
