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

package buddy

import (
	"fmt"
	"slices"
	"strings"

	logger "github.com/containers/pagepool/pkg/log"
	"github.com/containers/pagepool/pkg/mem"
)

const (
	// MaxOrder is the largest supported block order. A block of order
	// k spans 2^k pages.
	MaxOrder = 20
	// MaxSize is the largest supported allocation in bytes.
	MaxSize = uint64(1) << (MaxOrder + mem.PageShift)
)

var (
	ErrBadWindow = fmt.Errorf("buddy: bad reservation window")
	ErrBadSize   = fmt.Errorf("buddy: bad size")
	ErrBadFree   = fmt.Errorf("buddy: bad free")

	log = logger.Get("buddy")
)

// Stats describes the free memory of an allocator.
type Stats struct {
	// Free is the total number of free pages.
	Free uint64
	// NFree counts the free blocks of each order.
	NFree [MaxOrder + 1]uint64
}

// Allocator hands out power-of-two sized blocks of physical memory.
// It addresses a reservation window [winBase, winEnd) whose size is a
// power of two; the live area [liveBase, liveEnd) is the subrange that
// was seeded on the free lists at construction. Memory outside the
// live area but inside the window can be freed into the allocator
// later, which is how the balancer donates blocks across pools.
//
// The allocator does address bookkeeping only and never touches the
// bytes behind the addresses. Callers serialize Alloc and Free with
// their own lock; Contains is safe without it.
type Allocator struct {
	winBase  mem.Addr
	winEnd   mem.Addr
	liveBase mem.Addr
	liveEnd  mem.Addr

	// freeLists[k] holds the base addresses of the free blocks of
	// order k, sorted ascending. Sorted order makes the sibling
	// lookup during coalescing a binary search.
	freeLists [MaxOrder + 1][]mem.Addr
}

// BlockSize returns the size in bytes of a block of the given order.
func BlockSize(order uint) uint64 {
	return uint64(mem.PageSize) << order
}

// OrderFor returns the smallest order whose block size is >= size.
func OrderFor(size uint64) uint {
	pages := (size + mem.PageSize - 1) >> mem.PageShift
	return mem.CeilLog2(pages)
}

// New creates an allocator over the window [winBase, winBase+winSize)
// with the live area [liveBase, liveBase+liveSize) seeded on the free
// lists. winSize must be a power of two and the window must cover the
// live area.
func New(liveBase mem.Addr, liveSize uint64, winBase mem.Addr, winSize uint64) (*Allocator, error) {
	if !mem.IsPowerOfTwo(winSize) {
		return nil, fmt.Errorf("%w: size %#x is not a power of two", ErrBadWindow, winSize)
	}
	if liveBase < winBase || liveBase+mem.Addr(liveSize) > winBase+mem.Addr(winSize) {
		return nil, fmt.Errorf("%w: [%#x-%#x) does not cover live area [%#x-%#x)",
			ErrBadWindow, winBase, winBase+mem.Addr(winSize),
			liveBase, liveBase+mem.Addr(liveSize))
	}

	a := &Allocator{
		winBase:  winBase,
		winEnd:   winBase + mem.Addr(winSize),
		liveBase: mem.PageRoundUp(liveBase),
		liveEnd:  mem.PageRoundDown(liveBase + mem.Addr(liveSize)),
	}

	// Seed the live area with the largest blocks that fit it and are
	// aligned to their own size within the window.
	for addr := a.liveBase; addr < a.liveEnd; {
		order := a.maxOrderAt(addr, a.liveEnd)
		a.freeLists[order] = append(a.freeLists[order], addr)
		addr += mem.Addr(BlockSize(order))
	}

	return a, nil
}

// maxOrderAt returns the largest order such that a block at addr is
// aligned to its size within the window and ends at or before limit.
func (a *Allocator) maxOrderAt(addr, limit mem.Addr) uint {
	off := uint64(addr - a.winBase)
	order := uint(0)
	for order < MaxOrder {
		size := BlockSize(order + 1)
		if off&(size-1) != 0 || addr+mem.Addr(size) > limit {
			break
		}
		order++
	}
	return order
}

// Base returns the start of the reservation window.
func (a *Allocator) Base() mem.Addr {
	return a.winBase
}

// Limit returns the first address past the reservation window.
func (a *Allocator) Limit() mem.Addr {
	return a.winEnd
}

// LiveBase returns the start of the initially seeded live area.
func (a *Allocator) LiveBase() mem.Addr {
	return a.liveBase
}

// LiveLimit returns the first address past the live area.
func (a *Allocator) LiveLimit() mem.Addr {
	return a.liveEnd
}

// Contains returns true if addr lies within the reservation window.
// It reads immutable state and needs no lock.
func (a *Allocator) Contains(addr mem.Addr) bool {
	return a.winBase <= addr && addr < a.winEnd
}

// Alloc allocates a block of at least size bytes, rounded up to the
// next power-of-two number of pages. It returns 0 if the request is
// larger than MaxSize or no block of a sufficient order is free.
func (a *Allocator) Alloc(size uint64) mem.Addr {
	if size == 0 || size > MaxSize {
		return 0
	}

	order := OrderFor(size)
	k := order
	for k <= MaxOrder && len(a.freeLists[k]) == 0 {
		k++
	}
	if k > MaxOrder {
		return 0
	}

	addr := a.freeLists[k][0]
	a.freeLists[k] = slices.Delete(a.freeLists[k], 0, 1)

	// Split the block down to the requested order, pushing the upper
	// halves back on their free lists.
	for k > order {
		k--
		a.push(k, addr+mem.Addr(BlockSize(k)))
	}

	return addr
}

// Free returns the block [addr, addr+size) to the allocator, with size
// rounded as in Alloc. Free blocks of the same order whose sibling is
// also free are eagerly coalesced into the next order. The block must
// lie within the window and be aligned to its rounded size.
func (a *Allocator) Free(addr mem.Addr, size uint64) {
	if size == 0 || size > MaxSize {
		log.Panic("%v: size %#x", ErrBadSize, size)
	}

	order := OrderFor(size)
	bsize := BlockSize(order)
	if !a.Contains(addr) || addr+mem.Addr(bsize) > a.winEnd {
		log.Panic("%v: [%#x-%#x) outside window [%#x-%#x)",
			ErrBadFree, addr, addr+mem.Addr(bsize), a.winBase, a.winEnd)
	}
	if uint64(addr-a.winBase)&(bsize-1) != 0 {
		log.Panic("%v: %#x misaligned for order %d", ErrBadFree, addr, order)
	}

	for order < MaxOrder {
		sibling := a.winBase + mem.Addr(uint64(addr-a.winBase)^BlockSize(order))
		if sibling+mem.Addr(BlockSize(order)) > a.winEnd {
			break
		}
		if !a.take(order, sibling) {
			break
		}
		addr = min(addr, sibling)
		order++
	}
	a.push(order, addr)
}

// push inserts a free block on the order's list, keeping it sorted.
func (a *Allocator) push(order uint, addr mem.Addr) {
	i, found := slices.BinarySearch(a.freeLists[order], addr)
	if found {
		log.Panic("%v: %#x already free at order %d", ErrBadFree, addr, order)
	}
	a.freeLists[order] = slices.Insert(a.freeLists[order], i, addr)
}

// take removes the block from the order's free list if it is there.
func (a *Allocator) take(order uint, addr mem.Addr) bool {
	i, found := slices.BinarySearch(a.freeLists[order], addr)
	if !found {
		return false
	}
	a.freeLists[order] = slices.Delete(a.freeLists[order], i, i+1)
	return true
}

// GetStats fills in the free counts of the allocator.
func (a *Allocator) GetStats(s *Stats) {
	s.Free = 0
	for k := range a.freeLists {
		s.NFree[k] = uint64(len(a.freeLists[k]))
		s.Free += s.NFree[k] << uint(k)
	}
}

// FreePages returns the total number of free pages.
func (a *Allocator) FreePages() uint64 {
	total := uint64(0)
	for k := range a.freeLists {
		total += uint64(len(a.freeLists[k])) << uint(k)
	}
	return total
}

// Empty returns true if the allocator has no free blocks.
func (a *Allocator) Empty() bool {
	for k := range a.freeLists {
		if len(a.freeLists[k]) != 0 {
			return false
		}
	}
	return true
}

// String returns a short description of the allocator.
func (a *Allocator) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "window [%#x-%#x), live [%#x-%#x), free [",
		uint64(a.winBase), uint64(a.winEnd), uint64(a.liveBase), uint64(a.liveEnd))
	for k := range a.freeLists {
		if k > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d", len(a.freeLists[k]))
	}
	b.WriteString("]")
	return b.String()
}
