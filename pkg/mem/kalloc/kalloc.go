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
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	logger "github.com/containers/pagepool/pkg/log"
	"github.com/containers/pagepool/pkg/mem"
	"github.com/containers/pagepool/pkg/mem/buddy"
	"github.com/containers/pagepool/pkg/mem/kstats"
	"github.com/containers/pagepool/pkg/mem/mempool"
)

var (
	ErrNotInitialized = fmt.Errorf("kalloc: not initialized")
	ErrBadPointer     = fmt.Errorf("kalloc: bad pointer")

	log = logger.Get("kalloc")
	// oomLog keeps a thrashing caller from flooding the console.
	oomLog = logger.RateLimited(log, rate.Limit(1))
	// traceLog reports labeled allocations when enabled.
	traceLog = logger.Get("trace")
)

// cpuMem is the per-CPU allocator state. It is exclusively owned by
// its CPU; the mutex stands in for running with interrupts disabled.
type cpuMem struct {
	sync.Mutex
	steal StealOrder
	pool  int
	hot   []mem.Addr
	nhot  int
}

// Context is a physical page allocator. Until Init is called only
// page-sized bump allocations are served; after Init requests go
// through the per-CPU hot page cache, the steal-order walk over the
// buddy allocators, and optionally the balancer.
type Context struct {
	cfg      *Config
	arena    *mem.Arena
	stats    *kstats.Stats
	table    *mempool.Table
	balancer *mempool.Balancer
	cpus     []*cpuMem
	slabs    [slabMax]slab
	inited   bool

	bootMu  sync.Mutex
	bootEnd mem.Addr

	pageInfo     []PageInfo
	pageInfoBase mem.Addr
}

// ContextOption is an option for creating a Context.
type ContextOption func(*Context)

// WithArena attaches byte-addressable backing storage. An arena is
// needed for poison filling; without one addresses are bookkeeping
// only.
func WithArena(a *mem.Arena) ContextOption {
	return func(c *Context) {
		c.arena = a
	}
}

// WithStats attaches an externally owned set of counters.
func WithStats(s *kstats.Stats) ContextOption {
	return func(c *Context) {
		c.stats = s
	}
}

// NewContext creates an allocator with the given configuration.
func NewContext(cfg *Config, options ...ContextOption) (*Context, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Context{
		cfg:     cfg,
		bootEnd: mem.PageRoundUp(mem.Addr(cfg.KernelEnd)),
	}
	for _, o := range options {
		o(c)
	}
	if c.stats == nil {
		c.stats = &kstats.Stats{}
	}
	return c, nil
}

// Stats returns the allocator's counters.
func (c *Context) Stats() *kstats.Stats {
	return c.stats
}

// NumCPUs returns the number of CPUs the allocator was set up for.
func (c *Context) NumCPUs() int {
	return len(c.cpus)
}

// StealOrderOf returns the steal order of the given CPU.
func (c *Context) StealOrderOf(cpu int) *StealOrder {
	return &c.cpus[cpu].steal
}

// HotCount returns the number of pages in the given CPU's hot cache.
func (c *Context) HotCount(cpu int) int {
	m := c.cpus[cpu]
	m.Lock()
	defer m.Unlock()
	return m.nhot
}

// FreePages returns the total number of free pages on all buddies,
// not counting pages sitting in hot caches.
func (c *Context) FreePages() uint64 {
	return c.table.FreePages()
}

// Table returns the buddy and pool registry.
func (c *Context) Table() *mempool.Table {
	return c.table
}

// BootEnd returns the current boot-time bump allocation mark.
func (c *Context) BootEnd() mem.Addr {
	c.bootMu.Lock()
	defer c.bootMu.Unlock()
	return c.bootEnd
}

// pgAlloc is the boot-time bump allocator. It only hands out single
// zeroed pages; the memory it consumes is excluded from the buddies
// during Init.
func (c *Context) pgAlloc() mem.Addr {
	c.bootMu.Lock()
	defer c.bootMu.Unlock()
	addr := c.bootEnd
	c.bootEnd += mem.PageSize
	if c.arena != nil && c.arena.Contains(addr, mem.PageSize) {
		c.arena.Fill(addr, mem.PageSize, 0)
	}
	return addr
}

// Alloc allocates size bytes on behalf of the given CPU. Page-sized
// requests are served from the CPU's hot cache, refilling it from the
// steal order when empty. Other sizes walk the steal order directly.
// Returns 0 if no buddy could satisfy the request. The name labels
// the allocation for diagnostics; an empty name means "kmem".
func (c *Context) Alloc(cpu int, name string, size uint64) mem.Addr {
	if !c.inited {
		if size != mem.PageSize {
			log.Panic("%v: boot allocation of %d bytes", ErrNotInitialized, size)
		}
		return c.pgAlloc()
	}

	if size > buddy.MaxSize {
		c.stats.AllocFail.Add(1)
		oomLog.Error("allocation of %d bytes exceeds the maximum block size", size)
		return 0
	}

	var addr mem.Addr

	if size == mem.PageSize {
		m := c.cpus[cpu]
		m.Lock()
		if m.nhot == 0 {
			c.refillHot(m)
		}
		if m.nhot > 0 {
			m.nhot--
			addr = m.hot[m.nhot]
			c.stats.PageAlloc.Add(1)
		}
		m.Unlock()
	}

	if addr == 0 {
		addr = c.allocPool(cpu, size)
	}
	if addr == 0 {
		c.stats.AllocFail.Add(1)
		oomLog.Error("out of memory allocating %d bytes on CPU %d", size, cpu)
		return 0
	}

	if name == "" {
		name = "kmem"
	}
	if traceLog.DebugEnabled() {
		traceLog.Debug("%s: %d bytes at %#x on CPU %d", name, size, uint64(addr), cpu)
	}
	c.checkPoison(addr, size, name)
	return addr
}

// refillHot fills the CPU's hot cache up to half capacity, walking
// the steal order buddy by buddy. Called with the cpuMem locked.
func (c *Context) refillHot(m *cpuMem) {
	c.stats.HotListRefill.Add(1)

	half := c.cfg.HotPages / 2
	for _, seg := range m.steal.Segments() {
		for idx := seg.Low; idx < seg.High; idx++ {
			lb := c.table.Buddy(idx)
			if !m.steal.IsLocal(idx) {
				c.stats.HotListSteal.Add(1)
				log.Debug("refilling hot list from remote buddy %d", idx)
			}
			lb.Lock()
			for m.nhot < half {
				page := lb.Buddy().Alloc(mem.PageSize)
				if page == 0 {
					break
				}
				m.hot[m.nhot] = page
				m.nhot++
			}
			lb.Unlock()
			if m.nhot >= half {
				return
			}
		}
	}
}

// allocPool is the general allocation path: walk the steal order and
// take the first block any buddy can produce. On a full miss with
// load balancing enabled, ask the balancer to move memory towards
// this CPU's pool and retry it once.
func (c *Context) allocPool(cpu int, size uint64) mem.Addr {
	m := c.cpus[cpu]

	var addr mem.Addr
	m.steal.Foreach(func(idx int) bool {
		addr = c.table.Buddy(idx).Alloc(size)
		return addr == 0
	})
	if addr != 0 {
		return addr
	}

	if c.cfg.LoadBalance {
		if moved := c.balancer.Balance(cpu); moved > 0 {
			c.stats.BalanceMove.Add(1)
			addr = c.table.Pool(m.pool).Alloc(size)
		}
	}
	return addr
}

// Free returns [addr, addr+size) to the allocator on behalf of the
// given CPU. Page-sized frees go to the hot cache, flushing half of
// it to the buddies when full. Other sizes go to the first buddy in
// steal order whose window contains the address; freeing an address
// no window contains is fatal.
func (c *Context) Free(cpu int, addr mem.Addr, size uint64) {
	if !c.inited {
		log.Panic("%v: free of %#x before initialization", ErrNotInitialized, addr)
	}

	c.fillPoison(addr, size)

	if size == mem.PageSize {
		m := c.cpus[cpu]
		m.Lock()
		if m.nhot == len(m.hot) {
			c.flushHot(m)
		}
		m.hot[m.nhot] = addr
		m.nhot++
		c.stats.PageFree.Add(1)
		m.Unlock()
		return
	}

	if !c.freePool(c.cpus[cpu], addr, size) {
		log.Panic("%v: %#x is not in an allocated region", ErrBadPointer, addr)
	}
}

// flushHot returns the lower half of the hot cache to the buddies.
// The half is sorted by address so that runs of pages landing in the
// same buddy are freed under one lock acquisition. Called with the
// cpuMem locked.
func (c *Context) flushHot(m *cpuMem) {
	c.stats.HotListFlush.Add(1)

	half := len(m.hot) / 2
	batch := m.hot[:half]
	sort.Slice(batch, func(i, j int) bool { return batch[i] < batch[j] })

	var lb *mempool.LockedBuddy
	for _, addr := range batch {
		if lb == nil || !lb.Contains(addr) {
			if lb != nil {
				lb.Unlock()
				lb = nil
			}
			m.steal.Foreach(func(idx int) bool {
				if c.table.Buddy(idx).Contains(addr) {
					lb = c.table.Buddy(idx)
					if !m.steal.IsLocal(idx) {
						c.stats.HotListRemoteFree.Add(1)
						log.Debug("returning hot list page to remote buddy %d", idx)
					}
					return false
				}
				return true
			})
			if lb == nil {
				log.Panic("%v: %#x is not in an allocated region", ErrBadPointer, addr)
			}
			lb.Lock()
		}
		lb.Buddy().Free(addr, mem.PageSize)
	}
	if lb != nil {
		lb.Unlock()
	}

	m.nhot = len(m.hot) - half
	copy(m.hot, m.hot[half:half+m.nhot])
}

// freePool frees a block to the first buddy in the CPU's steal order
// whose window contains it.
func (c *Context) freePool(m *cpuMem, addr mem.Addr, size uint64) bool {
	done := false
	m.steal.Foreach(func(idx int) bool {
		if c.table.Buddy(idx).Contains(addr) {
			c.table.Buddy(idx).Free(addr, size)
			done = true
			return false
		}
		return true
	})
	return done
}

// Balance asks the balancer to move memory towards the given CPU's
// pool. Returns the number of bytes moved.
func (c *Context) Balance(cpu int) uint64 {
	if !c.cfg.LoadBalance {
		return 0
	}
	moved := c.balancer.Balance(cpu)
	if moved > 0 {
		c.stats.BalanceMove.Add(1)
	}
	return moved
}

// checkPoison verifies that a block handed out by a buddy still
// carries the free fill and repaints it as allocated. The first two
// pointer-sized words of every page are skipped, they are clobbered
// by free list bookkeeping.
func (c *Context) checkPoison(addr mem.Addr, size uint64, name string) {
	if !c.cfg.PoisonFill || c.arena == nil || size > poisonMax {
		return
	}
	s := c.arena.Slice(addr, size)
	for i := range s {
		if (uint64(addr)+uint64(i))%mem.PageSize < 16 {
			continue
		}
		if s[i] != poisonFree {
			log.Error("%s", c.arena.HexDump(addr, size))
			log.Panic("free memory for %q was overwritten at %#x+%d", name, addr, i)
		}
	}
	c.arena.Fill(addr, size, poisonAlloc)
}

// fillPoison paints a freed block so checkPoison can catch dangling
// writes.
func (c *Context) fillPoison(addr mem.Addr, size uint64) {
	if !c.cfg.PoisonFill || c.arena == nil || size > poisonMax {
		return
	}
	c.arena.Fill(addr, size, poisonFree)
}

// MemPrint returns a human-readable dump of the per-order free counts
// of every CPU's local buddies.
func (c *Context) MemPrint() string {
	b := strings.Builder{}
	for cpu, m := range c.cpus {
		local := m.steal.GetLocal()
		fmt.Fprintf(&b, "cpu %d:", cpu)
		for idx := local.Low; idx < local.High; idx++ {
			var s buddy.Stats
			c.table.Buddy(idx).GetStats(&s)
			fmt.Fprintf(&b, " %d:[", idx)
			for order := 0; order <= buddy.MaxOrder; order++ {
				fmt.Fprintf(&b, "%d ", s.NFree[order])
			}
			fmt.Fprintf(&b, "free %d]", s.Free)
		}
		b.WriteString("\n")
	}
	return b.String()
}
