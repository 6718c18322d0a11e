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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/pagepool/pkg/mem"
	"github.com/containers/pagepool/pkg/mem/buddy"
	. "github.com/containers/pagepool/pkg/mem/kalloc"
	"github.com/containers/pagepool/pkg/mem/numa"
)

const (
	memBase = mem.Addr(0x100000)
	memSize = uint64(0x4000000)
)

type testSetup struct {
	hotPages    int
	buddyPerCPU bool
	loadBalance bool
	poisonFill  bool
	arena       *mem.Arena
	nnodes      int
	ncpus       int
}

func (s *testSetup) context(t *testing.T) *Context {
	cfg := DefaultConfig()
	cfg.HotPages = s.hotPages
	cfg.BuddyPerCPU = s.buddyPerCPU
	cfg.LoadBalance = s.loadBalance
	cfg.PoisonFill = s.poisonFill

	var options []ContextOption
	if s.arena != nil {
		options = append(options, WithArena(s.arena))
	}

	c, err := NewContext(cfg, options...)
	require.Nil(t, err, "unexpected NewContext() error")
	require.NotNil(t, c, "unexpected nil context")

	fw := []FirmwareRange{
		{Base: memBase, Size: memSize, Usable: true},
	}
	nodes := numa.Uniform(s.nnodes, s.ncpus, memBase, memSize)
	require.Nil(t, c.Init(fw, nodes), "unexpected Init() error")
	return c
}

func TestBootSingleNode(t *testing.T) {
	setup := &testSetup{hotPages: 16, nnodes: 1, ncpus: 2}
	c := setup.context(t)

	require.Equal(t, 1, c.Table().NumBuddies())
	require.Equal(t, 2, c.NumCPUs())

	for cpu := 0; cpu < 2; cpu++ {
		require.Equal(t, Segment{0, 1}, c.StealOrderOf(cpu).GetLocal())
		require.Equal(t, []int{0}, c.StealOrderOf(cpu).Indices())
		require.Equal(t, 0, c.HotCount(cpu))
	}

	// Everything between the boot mark and the end of the region is
	// on the free lists; the rest went to the kernel image and the
	// page metadata array.
	require.Greater(t, uint64(c.BootEnd()), uint64(DefaultKernelEnd))
	free := uint64(memBase+mem.Addr(memSize)-c.BootEnd()) / mem.PageSize
	require.Equal(t, free, c.FreePages())

	dump := c.MemPrint()
	require.True(t, strings.HasPrefix(dump, "cpu 0:"))
	require.Contains(t, dump, "cpu 1:")
}

func TestBootLeftoverRegionsFail(t *testing.T) {
	c, err := NewContext(DefaultConfig())
	require.Nil(t, err)

	fw := []FirmwareRange{
		{Base: memBase, Size: memSize, Usable: true},
	}
	// The node claims only the first half of the usable memory.
	nodes := numa.Uniform(1, 2, memBase, memSize/2)
	err = c.Init(fw, nodes)
	require.NotNil(t, err, "expected leftover region error")
	require.Contains(t, err.Error(), "missing from NUMA map")
}

func TestBootReservedOverlap(t *testing.T) {
	c, err := NewContext(DefaultConfig())
	require.Nil(t, err)

	// A reserved range wins over an overlapping usable one no matter
	// the order they appear in.
	hole := FirmwareRange{Base: 0x1000000, Size: 0x100000}
	fw := []FirmwareRange{
		hole,
		{Base: memBase, Size: memSize, Usable: true},
	}
	pm := BuildPhysMap(fw)
	require.Equal(t, uint64(memSize-hole.Size), pm.Bytes())

	nodes := numa.Uniform(1, 2, memBase, memSize)
	require.Nil(t, c.Init(fw, nodes))
	require.Equal(t, 2, c.Table().NumBuddies(), "the hole splits the node in two")
}

func TestBootBumpAllocator(t *testing.T) {
	c, err := NewContext(DefaultConfig())
	require.Nil(t, err)

	p1 := c.Alloc(0, "", mem.PageSize)
	p2 := c.Alloc(0, "", mem.PageSize)
	require.Equal(t, mem.Addr(DefaultKernelEnd), p1)
	require.Equal(t, p1+mem.PageSize, p2)

	require.Panics(t, func() {
		c.Alloc(0, "", 2*mem.PageSize)
	})

	fw := []FirmwareRange{
		{Base: memBase, Size: memSize, Usable: true},
	}
	require.Nil(t, c.Init(fw, numa.Uniform(1, 1, memBase, memSize)))
	require.Greater(t, uint64(c.BootEnd()), uint64(p2))
}

func TestAllocFreeRoundTrip(t *testing.T) {
	setup := &testSetup{hotPages: 16, nnodes: 1, ncpus: 2}
	c := setup.context(t)

	p := c.Alloc(0, "t", mem.PageSize)
	require.NotEqual(t, mem.Addr(0), p)
	c.Free(0, p, mem.PageSize)

	// LIFO through the hot cache.
	p2 := c.Alloc(0, "t", mem.PageSize)
	require.Equal(t, p, p2)
}

func TestHotCacheOverflow(t *testing.T) {
	setup := &testSetup{hotPages: 16, nnodes: 1, ncpus: 1}
	c := setup.context(t)

	// Get distinct pages without going through the hot cache.
	block := c.Alloc(0, "", 32*mem.PageSize)
	require.NotEqual(t, mem.Addr(0), block)
	freeBefore := c.FreePages()

	for i := 0; i < 17; i++ {
		c.Free(0, block+mem.Addr(i)*mem.PageSize, mem.PageSize)
	}

	// Exactly one flush of half the cache reached the buddy.
	require.Equal(t, uint64(1), c.Stats().HotListFlush.Load())
	require.Equal(t, 16/2+1, c.HotCount(0))
	require.Equal(t, freeBefore+8, c.FreePages())
}

func TestCrossCPUSteal(t *testing.T) {
	setup := &testSetup{hotPages: 16, buddyPerCPU: true, nnodes: 1, ncpus: 2}
	c := setup.context(t)

	require.Equal(t, 2, c.Table().NumBuddies())
	require.Equal(t, Segment{0, 1}, c.StealOrderOf(0).GetLocal())
	require.Equal(t, Segment{1, 2}, c.StealOrderOf(1).GetLocal())

	var s buddy.Stats
	c.Table().Buddy(0).GetStats(&s)
	n0 := s.Free

	for i := uint64(0); i < n0; i++ {
		require.NotEqual(t, mem.Addr(0), c.Alloc(0, "", mem.PageSize))
	}

	// Buddy 0 is dry; the next page comes from buddy 1 and stealing
	// was recorded exactly once.
	p := c.Alloc(0, "", mem.PageSize)
	require.NotEqual(t, mem.Addr(0), p)
	require.GreaterOrEqual(t, p, c.Table().Pool(1).Base())
	require.Equal(t, uint64(1), c.Stats().HotListSteal.Load())
}

func TestRemoteFreeOnFlush(t *testing.T) {
	// Two nodes. Buddy windows are rounded up to a power of two, so the
	// local window reaches into the start of the other node's memory;
	// take the block from past that overlap so that a free of its pages
	// cannot resolve to the local window.
	setup := &testSetup{hotPages: 16, nnodes: 2, ncpus: 1}
	c := setup.context(t)

	block := c.Table().Pool(1).Alloc(32 * mem.PageSize)
	for block != 0 && c.Table().Buddy(0).Contains(block) {
		block = c.Table().Pool(1).Alloc(32 * mem.PageSize)
	}
	require.NotEqual(t, mem.Addr(0), block)

	for i := 0; i < 17; i++ {
		c.Free(0, block+mem.Addr(i)*mem.PageSize, mem.PageSize)
	}
	require.Equal(t, uint64(1), c.Stats().HotListFlush.Load())
	require.Equal(t, uint64(1), c.Stats().HotListRemoteFree.Load(),
		"one lock switch covers the whole sorted run")
}

func TestGeneralPathAndOverSize(t *testing.T) {
	setup := &testSetup{hotPages: 16, nnodes: 2, ncpus: 1}
	c := setup.context(t)

	p := c.Alloc(0, "big", mem.MiB)
	require.NotEqual(t, mem.Addr(0), p)
	bsize := buddy.BlockSize(buddy.OrderFor(mem.MiB))
	require.True(t, mem.IsAligned(p-c.Table().Buddy(0).Buddy().Base(), bsize))
	c.Free(0, p, mem.MiB)

	require.Equal(t, mem.Addr(0), c.Alloc(0, "", buddy.MaxSize+1))
	require.Equal(t, uint64(1), c.Stats().AllocFail.Load())
}

func TestFreeUnknownPointerIsFatal(t *testing.T) {
	setup := &testSetup{hotPages: 16, nnodes: 1, ncpus: 1}
	c := setup.context(t)

	require.Panics(t, func() {
		c.Free(0, 0x10, 2*mem.PageSize)
	})
}

func TestSlabs(t *testing.T) {
	setup := &testSetup{hotPages: 16, nnodes: 1, ncpus: 1}
	c := setup.context(t)

	for _, st := range []SlabType{SlabStack, SlabPerf, SlabWQ} {
		p := c.SAlloc(0, st)
		require.NotEqual(t, mem.Addr(0), p, "slab %d", st)
		c.SFree(0, st, p)
	}
}

func TestBalanceOnFailure(t *testing.T) {
	setup := &testSetup{hotPages: 16, loadBalance: true, nnodes: 2, ncpus: 1}
	c := setup.context(t)

	moved := c.Balance(0)
	require.Equal(t, uint64(0), moved, "no move between even pools")

	// Drain CPU 0's pool and rebalance.
	for c.Table().Pool(0).Alloc(mem.PageSize) != 0 {
	}
	moved = c.Balance(0)
	require.Greater(t, moved, uint64(0))
	require.Greater(t, c.Table().Pool(0).Count(), uint64(0))
}

func TestPoisonFill(t *testing.T) {
	arena := mem.NewArena(memBase, make([]byte, memSize))
	setup := &testSetup{
		hotPages:   16,
		poisonFill: true,
		arena:      arena,
		nnodes:     1,
		ncpus:      1,
	}
	c := setup.context(t)

	p := c.Alloc(0, "t", mem.PageSize)
	require.NotEqual(t, mem.Addr(0), p)

	// Allocated memory is painted with the alloc pattern.
	s := arena.Slice(p, mem.PageSize)
	require.Equal(t, byte(2), s[100])

	c.Free(0, p, mem.PageSize)
	require.Equal(t, byte(1), s[100], "freed memory is painted with the free pattern")

	// A dangling write is caught on the next allocation.
	s[100] = 0xff
	require.Panics(t, func() {
		c.Alloc(0, "t", mem.PageSize)
	})
}

func TestPageInfo(t *testing.T) {
	setup := &testSetup{hotPages: 16, nnodes: 1, ncpus: 1}
	c := setup.context(t)

	p := c.Alloc(0, "", mem.PageSize)
	pi := c.PageInfoOf(p)
	require.NotNil(t, pi)

	require.Nil(t, c.PageInfoOf(0x1000))
}
