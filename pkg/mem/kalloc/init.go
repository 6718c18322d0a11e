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

	"github.com/hashicorp/go-multierror"

	"github.com/containers/pagepool/pkg/mem"
	"github.com/containers/pagepool/pkg/mem/buddy"
	"github.com/containers/pagepool/pkg/mem/mempool"
	"github.com/containers/pagepool/pkg/mem/numa"
	"github.com/containers/pagepool/pkg/mem/physmap"
)

// lowMemLimit is the first address past the unusable low memory.
const lowMemLimit = 0x100000

// FirmwareRange is one entry of the firmware-provided memory map.
// The map can be out of order and contain overlapping usable and
// reserved ranges.
type FirmwareRange struct {
	Base   mem.Addr
	Size   uint64
	Usable bool
}

// BuildPhysMap turns a firmware memory map into a clean map of usable
// physical memory. All usable ranges are added first and all reserved
// ranges subtracted afterwards, so a reserved range always wins over
// an overlapping usable one. Low memory is excluded.
func BuildPhysMap(fw []FirmwareRange) *physmap.Map {
	m := physmap.New()
	for _, r := range fw {
		kind := "reserved"
		if r.Usable {
			kind = "usable"
		}
		log.Debug("firmware: %#018x-%#018x %s", uint64(r.Base), uint64(r.Base)+r.Size-1, kind)
		if r.Usable {
			m.Add(r.Base, r.Base+mem.Addr(r.Size))
		}
	}
	for _, r := range fw {
		if !r.Usable {
			m.Remove(r.Base, r.Base+mem.Addr(r.Size))
		}
	}
	m.Remove(0, lowMemLimit)
	return m
}

// PageInfo is the per-page metadata tracked for every allocatable
// page frame.
type PageInfo struct {
	Refs uint32
	Tag  uint32
}

// pageInfoSize is the physical footprint of one PageInfo entry.
const pageInfoSize = 8

// PageInfoOf returns the metadata of the page containing addr, or nil
// if the address is below the tracked range or past it.
func (c *Context) PageInfoOf(addr mem.Addr) *PageInfo {
	if addr < c.pageInfoBase {
		return nil
	}
	i := uint64(addr-c.pageInfoBase) >> mem.PageShift
	if i >= uint64(len(c.pageInfo)) {
		return nil
	}
	return &c.pageInfo[i]
}

// SlabType identifies one of the fixed pre-sized allocation classes.
type SlabType int

const (
	// SlabStack is the kernel stack slab.
	SlabStack SlabType = iota
	// SlabPerf is the perf buffer slab.
	SlabPerf
	// SlabWQ is the work queue frame slab.
	SlabWQ

	slabMax
)

type slab struct {
	name  string
	order uint
}

// SAlloc allocates a block from the given slab.
func (c *Context) SAlloc(cpu int, st SlabType) mem.Addr {
	s := &c.slabs[st]
	return c.Alloc(cpu, s.name, uint64(1)<<s.order)
}

// SFree frees a block previously allocated with SAlloc.
func (c *Context) SFree(cpu int, st SlabType, addr mem.Addr) {
	c.Free(cpu, addr, uint64(1)<<c.slabs[st].order)
}

// Init initializes the allocator from a firmware memory map and the
// NUMA topology. It carves out the page metadata array, partitions
// the usable memory across the nodes, constructs the buddies and
// pools, and assigns every CPU its steal order. Physical memory that
// no NUMA node claims is an error.
func (c *Context) Init(fw []FirmwareRange, nodes []*numa.Node) error {
	if c.inited {
		return fmt.Errorf("kalloc: already initialized")
	}

	pmap := BuildPhysMap(fw)
	log.Info("scrubbed memory map:")
	pmap.Dump("  ")

	// Memory consumed by the boot-time bump allocator stays out of
	// the buddies.
	c.bootMu.Lock()
	bootEnd := mem.PageRoundUp(c.bootEnd)
	c.bootMu.Unlock()

	if err := c.setupPageInfo(pmap, &bootEnd); err != nil {
		return err
	}
	pmap.Remove(0, bootEnd)
	c.bootMu.Lock()
	c.bootEnd = bootEnd
	c.bootMu.Unlock()

	log.Info("%s of usable memory", mem.PrettySize(pmap.Bytes()))

	c.table = mempool.NewTable()

	ncpus := 0
	for _, node := range nodes {
		for _, id := range node.CPUs.List() {
			if id+1 > ncpus {
				ncpus = id + 1
			}
		}
	}
	c.cpus = make([]*cpuMem, ncpus)
	for i := range c.cpus {
		c.cpus[i] = &cpuMem{hot: make([]mem.Addr, c.cfg.HotPages)}
	}

	// With load balancing every buddy gets a window covering all of
	// physical memory, so donated blocks from any pool fit.
	var globalWinBase mem.Addr
	var globalWinSize uint64
	if c.cfg.LoadBalance {
		globalWinBase = mem.PageRoundDown(pmap.Base())
		globalWinSize = mem.RoundUpPowerOfTwo(uint64(pmap.Max() - globalWinBase))
	}

	for _, node := range nodes {
		if err := c.setupNode(pmap, node, globalWinBase, globalWinSize); err != nil {
			return err
		}
	}

	// Finally allow every CPU to steal from any buddy.
	for _, m := range c.cpus {
		m.steal.Add(0, c.table.NumBuddies())
	}
	for cpu, m := range c.cpus {
		log.Debug("CPU %d steal order: %s", cpu, m.steal.String())
	}

	// Anything still left in the map was not claimed by any node.
	if !pmap.Empty() {
		var err *multierror.Error
		for _, r := range pmap.Regions() {
			err = multierror.Append(err,
				fmt.Errorf("kalloc: region %s missing from NUMA map", r.String()))
		}
		return err.ErrorOrNil()
	}

	c.slabs[SlabStack] = slab{name: "kstack", order: mem.CeilLog2(c.cfg.StackSize)}
	c.slabs[SlabPerf] = slab{name: "kperf", order: mem.CeilLog2(c.cfg.PerfSize)}
	c.slabs[SlabWQ] = slab{name: "wq", order: mem.CeilLog2(c.cfg.WQSize)}

	c.balancer = mempool.NewBalancer(c.table, func(cpu int) int {
		return c.cpus[cpu].pool
	})

	c.inited = true
	return nil
}

// setupPageInfo carves the page metadata array out of the physical
// memory map. It is placed at the start of free memory when the first
// hole is big enough, so only the pages after it need tracking.
func (c *Context) setupPageInfo(pmap *physmap.Map, bootEnd *mem.Addr) error {
	n := 1 + uint64(pmap.Max()-*bootEnd)/(pageInfoSize+mem.PageSize)
	bytes := n * pageInfoSize

	base := pmap.Alloc(*bootEnd, bytes, 0)
	if base == *bootEnd {
		*bootEnd = mem.PageRoundUp(base + mem.Addr(bytes))
		c.pageInfoBase = *bootEnd
	} else {
		// The first hole was too small, size the array to track all
		// of memory and punch it out of the map instead.
		log.Info("first memory hole too small for page metadata array")
		n = 1 + uint64(pmap.Max())>>mem.PageShift
		bytes = n * pageInfoSize
		base = pmap.Alloc(*bootEnd, bytes, 0)
		c.pageInfoBase = 0
		pmap.Remove(base, base+mem.Addr(bytes))
	}
	c.pageInfo = make([]PageInfo, n)
	return nil
}

// setupNode claims the node's memory from the map, subdivides it into
// buddies and pools, and builds the node-local part of every CPU's
// steal order.
func (c *Context) setupNode(pmap *physmap.Map, node *numa.Node, winBase mem.Addr, winSize uint64) error {
	nodeMem := physmap.New()
	for _, r := range node.Mems {
		nodeMem.Add(r.Base, r.End)
	}
	nodeMem.Intersect(pmap)
	// Nodes must not double-claim overlapping ranges.
	pmap.RemoveMap(nodeMem)

	if nodeMem.Empty() {
		return fmt.Errorf("kalloc: node #%d has no usable memory", node.ID)
	}

	if c.cfg.PoisonFill && c.arena != nil {
		log.Info("clearing node #%d", node.ID)
		for _, r := range nodeMem.Regions() {
			if c.arena.Contains(r.Base, r.Size()) {
				c.arena.Fill(r.Base, r.Size(), poisonFree)
			}
		}
	}

	subnodes := 1
	if c.cfg.BuddyPerCPU {
		subnodes = node.NumCPUs()
	}
	sizeLimit := (nodeMem.Bytes() + uint64(subnodes) - 1) / uint64(subnodes)

	nodeLow := c.table.NumBuddies()
	for _, r := range nodeMem.Regions() {
		for base := r.Base; base < r.End; {
			subSize := min(uint64(r.End-base), sizeLimit)

			// Without load balancing the window covers the whole
			// region, so any page of the region can be freed into any
			// of its buddies.
			wb, ws := winBase, winSize
			if ws == 0 {
				wb = r.Base
				ws = mem.RoundUpPowerOfTwo(r.Size())
			}
			b, err := buddy.New(base, subSize, wb, ws)
			if err != nil {
				return fmt.Errorf("kalloc: node #%d: %w", node.ID, err)
			}
			if !b.Empty() {
				idx := c.table.AddBuddy(b)
				c.table.AddPool(idx, base, subSize)
			}
			base += mem.Addr(subSize)
		}
	}
	nodeBuddies := c.table.NumBuddies() - nodeLow

	// Divvy up the buddies between the CPUs of the node. With fewer
	// buddies than CPUs the local ranges overlap.
	cpus := node.CPUs.List()
	for i, id := range cpus {
		m := c.cpus[id]
		cpuLow := nodeLow + i*nodeBuddies/len(cpus)
		cpuHigh := nodeLow + (i+1)*nodeBuddies/len(cpus)
		if cpuLow == cpuHigh {
			cpuHigh++
		}
		m.steal.Add(cpuLow, cpuHigh)
		m.steal.Add(nodeLow, nodeLow+nodeBuddies)
		m.nhot = 0
		m.pool = nodeLow
	}

	return nil
}
