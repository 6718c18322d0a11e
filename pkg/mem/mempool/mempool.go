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

package mempool

import (
	"fmt"
	"sync"
	"sync/atomic"

	logger "github.com/containers/pagepool/pkg/log"
	"github.com/containers/pagepool/pkg/mem"
	"github.com/containers/pagepool/pkg/mem/buddy"
)

var (
	ErrBadPool = fmt.Errorf("mempool: bad pool")

	log = logger.Get("mempool")
)

// LockedBuddy pairs a buddy allocator with its lock. All Alloc and
// Free calls on the allocator must be made with the lock held. Batch
// callers take the lock once around a run of calls; Contains needs no
// lock.
type LockedBuddy struct {
	sync.Mutex
	buddy *buddy.Allocator
}

// NewLockedBuddy wraps the given allocator.
func NewLockedBuddy(b *buddy.Allocator) *LockedBuddy {
	return &LockedBuddy{buddy: b}
}

// Buddy returns the wrapped allocator. The caller is responsible for
// holding the lock around mutating calls.
func (lb *LockedBuddy) Buddy() *buddy.Allocator {
	return lb.buddy
}

// Contains returns true if addr lies within the buddy's window.
func (lb *LockedBuddy) Contains(addr mem.Addr) bool {
	return lb.buddy.Contains(addr)
}

// Alloc allocates a block under the buddy's lock.
func (lb *LockedBuddy) Alloc(size uint64) mem.Addr {
	lb.Lock()
	defer lb.Unlock()
	return lb.buddy.Alloc(size)
}

// Free frees a block under the buddy's lock.
func (lb *LockedBuddy) Free(addr mem.Addr, size uint64) {
	lb.Lock()
	defer lb.Unlock()
	lb.buddy.Free(addr, size)
}

// GetStats reads the buddy's free counts under its lock.
func (lb *LockedBuddy) GetStats(s *buddy.Stats) {
	lb.Lock()
	defer lb.Unlock()
	lb.buddy.GetStats(s)
}

// Pool wraps one buddy allocator and takes part in cross-CPU load
// balancing. The pool remembers the span it was seeded with; blocks
// donated by other pools can land anywhere within the buddy's window.
type Pool struct {
	lb    *LockedBuddy
	index int
	base  mem.Addr
	limit mem.Addr

	// cached free-page count, advisory only
	count atomic.Uint64
}

// Index returns the pool's index in its table.
func (p *Pool) Index() int {
	return p.index
}

// Base returns the start of the pool's originally seeded memory.
func (p *Pool) Base() mem.Addr {
	return p.base
}

// Limit returns the first address past the originally seeded memory.
func (p *Pool) Limit() mem.Addr {
	return p.limit
}

// Count returns the current number of free pages in the underlying
// buddy, read under the buddy's lock, and refreshes the cached count.
func (p *Pool) Count() uint64 {
	var s buddy.Stats
	p.lb.GetStats(&s)
	p.count.Store(s.Free)
	return s.Free
}

// CachedCount returns the last known free-page count without taking
// the buddy's lock. The value may be stale; decisions made from it can
// at worst cause a no-op move.
func (p *Pool) CachedCount() uint64 {
	return p.count.Load()
}

// Alloc allocates from the pool's buddy.
func (p *Pool) Alloc(size uint64) mem.Addr {
	return p.lb.Alloc(size)
}

// Free frees into the pool's buddy.
func (p *Pool) Free(addr mem.Addr, size uint64) {
	p.lb.Free(addr, size)
}

// MoveTo transfers at most half of this pool's free pages, capped at
// buddy.MaxSize bytes and rounded down to a power-of-two block, to the
// target pool. The transfer is one large allocation from this pool
// freed into the target, so the block physically moves onto the
// target's free lists. If this pool cannot satisfy the size, the move
// is a no-op. Returns the number of bytes moved.
func (p *Pool) MoveTo(target *Pool) uint64 {
	avail := p.Count()
	size := (avail / 2) * mem.PageSize
	if size > buddy.MaxSize {
		size = buddy.MaxSize
	}
	if size == 0 {
		return 0
	}
	order := buddy.OrderFor(size)
	if buddy.BlockSize(order) > size {
		order--
	}
	size = buddy.BlockSize(order)
	addr := p.Alloc(size)
	if addr == 0 {
		return 0
	}
	size = buddy.BlockSize(buddy.OrderFor(size))
	log.Debug("moved %s at %#x from pool %d to pool %d",
		mem.PrettySize(size), uint64(addr), p.index, target.index)
	target.Free(addr, size)
	return size
}

// Table is the boot-time registry of buddy allocators and the pools
// wrapping them. It is populated at boot and read-only afterwards.
type Table struct {
	buddies []*LockedBuddy
	pools   []*Pool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// AddBuddy registers a buddy allocator and returns its index.
func (t *Table) AddBuddy(b *buddy.Allocator) int {
	t.buddies = append(t.buddies, NewLockedBuddy(b))
	return len(t.buddies) - 1
}

// AddPool registers a pool over the buddy at the given index, seeded
// with [base, base+size), and returns the pool's index.
func (t *Table) AddPool(buddyIdx int, base mem.Addr, size uint64) int {
	p := &Pool{
		lb:    t.buddies[buddyIdx],
		index: len(t.pools),
		base:  base,
		limit: base + mem.Addr(size),
	}
	p.Count()
	t.pools = append(t.pools, p)
	return p.index
}

// Buddy returns the locked buddy at the given index.
func (t *Table) Buddy(i int) *LockedBuddy {
	return t.buddies[i]
}

// NumBuddies returns the number of registered buddies.
func (t *Table) NumBuddies() int {
	return len(t.buddies)
}

// Pool returns the pool at the given index.
func (t *Table) Pool(i int) *Pool {
	return t.pools[i]
}

// NumPools returns the number of registered pools.
func (t *Table) NumPools() int {
	return len(t.pools)
}

// FreePages returns the total number of free pages across all buddies.
func (t *Table) FreePages() uint64 {
	total := uint64(0)
	for _, lb := range t.buddies {
		var s buddy.Stats
		lb.GetStats(&s)
		total += s.Free
	}
	return total
}

// Balancer re-pools memory across CPUs. It is keyed by CPU id: each
// CPU maps to one pool, and a balance run on behalf of a CPU tries to
// find a donor pool rich enough to warrant moving memory to the CPU's
// pool. Donor selection uses the cached per-pool counts.
type Balancer struct {
	table  *Table
	poolOf func(cpu int) int
}

// NewBalancer creates a balancer over the table. poolOf maps a CPU id
// to its pool index.
func NewBalancer(table *Table, poolOf func(cpu int) int) *Balancer {
	return &Balancer{table: table, poolOf: poolOf}
}

// PoolFor returns the pool of the given CPU.
func (b *Balancer) PoolFor(cpu int) *Pool {
	i := b.poolOf(cpu)
	if i < 0 || i >= b.table.NumPools() {
		log.Panic("%v: no pool for CPU %d", ErrBadPool, cpu)
	}
	return b.table.Pool(i)
}

// Balance tries to move memory to the given CPU's pool. A donor must
// have more than twice the target's free pages. Among eligible donors
// the one with the highest cached count wins, ties broken by lower
// pool index. Returns the number of bytes moved, 0 if no donor was
// found or the donor's memory was gone by the time it was asked.
func (b *Balancer) Balance(cpu int) uint64 {
	target := b.PoolFor(cpu)
	tcount := target.Count()

	var donor *Pool
	best := uint64(0)
	for i := 0; i < b.table.NumPools(); i++ {
		p := b.table.Pool(i)
		if p == target {
			continue
		}
		if c := p.CachedCount(); c > 2*tcount && c > best {
			donor, best = p, c
		}
	}
	if donor == nil {
		return 0
	}
	return donor.MoveTo(target)
}
