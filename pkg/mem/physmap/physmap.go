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

package physmap

import (
	"fmt"
	"slices"
	"strings"

	logger "github.com/containers/pagepool/pkg/log"
	"github.com/containers/pagepool/pkg/mem"
)

var (
	ErrNoMem    = fmt.Errorf("physmap: out of physical memory")
	ErrBadStart = fmt.Errorf("physmap: bad start address")

	log = logger.Get("physmap")
)

// Region is a half-open range [Base, End) of physical addresses.
type Region struct {
	Base mem.Addr
	End  mem.Addr
}

// Size returns the number of bytes in the region.
func (r Region) Size() uint64 {
	return uint64(r.End - r.Base)
}

// String returns a string representation of the region.
func (r Region) String() string {
	return fmt.Sprintf("[%#x-%#x)", uint64(r.Base), uint64(r.End))
}

// Map maintains a set of usable physical memory regions. The regions are
// kept sorted by base address and disjoint at all times.
type Map struct {
	regions []Region
}

// New creates an empty physical memory map.
func New() *Map {
	return &Map{}
}

// Regions returns the regions of the map, sorted and without overlaps.
// The returned slice is owned by the map and must not be modified.
func (m *Map) Regions() []Region {
	return m.regions
}

// Clone returns a copy of the map.
func (m *Map) Clone() *Map {
	return &Map{regions: slices.Clone(m.regions)}
}

// Empty returns true if the map has no regions.
func (m *Map) Empty() bool {
	return len(m.regions) == 0
}

// Add inserts [base, end) into the map, merging it with any overlapping
// or touching regions.
func (m *Map) Add(base, end mem.Addr) {
	if base >= end {
		return
	}

	// Scan for overlap. Merging can create a region which overlaps yet
	// another one, so re-add the expanded region from scratch.
	i := 0
	for ; i < len(m.regions); i++ {
		r := &m.regions[i]
		if end >= r.Base && base <= r.End {
			newBase := min(base, r.Base)
			newEnd := max(end, r.End)
			m.regions = slices.Delete(m.regions, i, i+1)
			m.Add(newBase, newEnd)
			return
		}
		if r.Base >= base {
			// Found insertion point.
			break
		}
	}
	m.regions = slices.Insert(m.regions, i, Region{Base: base, End: end})
}

// Remove subtracts [base, end) from the map. A region fully containing
// the range is split in two; partial overlaps are truncated.
func (m *Map) Remove(base, end mem.Addr) {
	for i := 0; i < len(m.regions); i++ {
		r := &m.regions[i]
		switch {
		case r.Base < base && end < r.End:
			// Split this region.
			m.regions = slices.Insert(m.regions, i+1, Region{Base: end, End: r.End})
			m.regions[i].End = base
		case base <= r.Base && r.End <= end:
			// Completely remove region.
			m.regions = slices.Delete(m.regions, i, i+1)
			i--
		case base <= r.Base && end > r.Base:
			// Left truncate.
			r.Base = end
		case base < r.End && end >= r.End:
			// Right truncate.
			r.End = base
		}
	}
}

// RemoveMap subtracts every region of another map.
func (m *Map) RemoveMap(o *Map) {
	for _, r := range o.regions {
		m.Remove(r.Base, r.End)
	}
}

// Intersect retains only the bytes present in both maps.
func (m *Map) Intersect(o *Map) {
	if len(o.regions) == 0 {
		m.regions = nil
		return
	}

	// Remove the complement of o.
	prevEnd := mem.Addr(0)
	for _, r := range o.regions {
		m.Remove(prevEnd, r.Base)
		prevEnd = r.End
	}
	m.Remove(prevEnd, ^mem.Addr(0))
}

// Alloc returns the first address p >= start, rounded up to align (a
// power of two if non-zero), such that [p, p+size) lies within a single
// region. The search begins in the region containing start (an address
// right at a region's end counts as in it) and moves on to the base of
// each following region. A zero start begins the search at the first
// region. Alloc panics with ErrNoMem if no region can satisfy the
// request, and with ErrBadStart if start lies in no region.
func (m *Map) Alloc(start mem.Addr, size, align uint64) mem.Addr {
	pa := start
	for _, r := range m.regions {
		if pa == 0 {
			pa = r.Base
		}
		// Also accept an address right at the end of a region, in case
		// the caller allocated up to the last byte of that region.
		if r.Base <= pa && pa <= r.End {
			if align != 0 {
				// Align now so that it doesn't matter if alignment pushes
				// pa outside of a known region.
				pa = mem.AlignUp(pa, align)
			}
			if pa+mem.Addr(size) <= r.End {
				return pa
			}
			// Not enough space, move to the next region.
			pa = 0
		}
	}
	if pa == 0 {
		log.Panic("%v allocating %d bytes at %#x", ErrNoMem, size, start)
	}
	log.Panic("%v: %#x", ErrBadStart, start)
	return 0
}

// MaxAlloc returns the maximum allocation size for an allocation
// starting at start. It panics if start is in no region.
func (m *Map) MaxAlloc(start mem.Addr) uint64 {
	for _, r := range m.regions {
		if r.Base <= start && start <= r.End {
			return uint64(r.End - start)
		}
	}
	log.Panic("%v: %#x", ErrBadStart, start)
	return 0
}

// Bytes returns the total number of bytes in the map.
func (m *Map) Bytes() uint64 {
	total := uint64(0)
	for _, r := range m.regions {
		total += r.Size()
	}
	return total
}

// BytesAfter returns the total number of bytes at or after start.
func (m *Map) BytesAfter(start mem.Addr) uint64 {
	total := uint64(0)
	for _, r := range m.regions {
		if r.Base > start {
			total += r.Size()
		} else if r.Base <= start && start <= r.End {
			total += uint64(r.End - start)
		}
	}
	return total
}

// Base returns the lowest base address of the map.
func (m *Map) Base() mem.Addr {
	if len(m.regions) == 0 {
		return 0
	}
	return m.regions[0].Base
}

// Max returns the first physical address above all of the regions.
func (m *Map) Max() mem.Addr {
	if len(m.regions) == 0 {
		return 0
	}
	return m.regions[len(m.regions)-1].End
}

// String returns a string representation of the map.
func (m *Map) String() string {
	b := strings.Builder{}
	sep := ""
	for _, r := range m.regions {
		b.WriteString(sep)
		b.WriteString(r.String())
		sep = " "
	}
	return b.String()
}

// Dump logs the regions of the map, one line each.
func (m *Map) Dump(prefix string) {
	for _, r := range m.regions {
		log.Info("%s%#018x-%#018x", prefix, uint64(r.Base), uint64(r.End-1))
	}
}
