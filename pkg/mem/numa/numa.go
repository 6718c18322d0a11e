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

package numa

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containers/pagepool/pkg/mem"
	"github.com/containers/pagepool/pkg/mem/physmap"
	"github.com/containers/pagepool/pkg/utils/cpuset"
)

// Node describes one NUMA node: its CPUs and the physical memory
// ranges the platform assigns to it. The memory ranges may overlap
// with reserved memory or other nodes; boot-time initialization
// intersects them with the usable physical memory map.
type Node struct {
	ID   int
	CPUs cpuset.CPUSet
	Mems []physmap.Region
}

// String returns a string representation of the node.
func (n *Node) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "node #%d, cpus %s, mems", n.ID, n.CPUs.String())
	for _, r := range n.Mems {
		b.WriteString(" " + r.String())
	}
	return b.String()
}

// NumCPUs returns the number of CPUs in the node.
func (n *Node) NumCPUs() int {
	return n.CPUs.Size()
}

// Uniform returns an evenly split topology: nnodes nodes with ncpus
// consecutively numbered CPUs each, and the span [base, base+size)
// divided into equal per-node ranges.
func Uniform(nnodes, ncpus int, base mem.Addr, size uint64) []*Node {
	nodes := make([]*Node, 0, nnodes)
	per := size / uint64(nnodes)
	for i := 0; i < nnodes; i++ {
		cpus := make([]int, 0, ncpus)
		for c := 0; c < ncpus; c++ {
			cpus = append(cpus, i*ncpus+c)
		}
		nodes = append(nodes, &Node{
			ID:   i,
			CPUs: cpuset.FromSlice(cpus),
			Mems: []physmap.Region{
				{
					Base: base + mem.Addr(uint64(i)*per),
					End:  base + mem.Addr(uint64(i+1)*per),
				},
			},
		})
	}
	return nodes
}

// DiscoverSysfs reads the NUMA node topology under the given sysfs
// root, normally "/sys". Only node ids and their CPU sets are
// available there; memory ranges must be assigned by the caller.
func DiscoverSysfs(sysRoot string) ([]*Node, error) {
	nodeDir := filepath.Join(sysRoot, "devices", "system", "node")
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read node directory %s: %w", nodeDir, err)
	}

	var nodes []*Node
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(nodeDir, name, "cpulist"))
		if err != nil {
			return nil, fmt.Errorf("failed to read cpulist of node #%d: %w", id, err)
		}
		cpus, err := cpuset.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse cpulist of node #%d: %w", id, err)
		}
		nodes = append(nodes, &Node{ID: id, CPUs: cpus})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}
