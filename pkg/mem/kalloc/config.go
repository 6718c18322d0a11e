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

	"sigs.k8s.io/yaml"

	"github.com/containers/pagepool/pkg/mem"
)

const (
	// DefaultHotPages is the default hot page cache capacity per CPU.
	DefaultHotPages = 128
	// DefaultKernelEnd is the default first address available to the
	// boot-time bump allocator.
	DefaultKernelEnd = 0x200000
	// DefaultStackSize is the default stack slab size.
	DefaultStackSize = 4 * mem.PageSize
	// DefaultPerfSize is the default perf buffer slab size.
	DefaultPerfSize = mem.MiB
	// DefaultWQSize is the default work queue frame slab size.
	DefaultWQSize = mem.PageSize

	// poisonMax is the largest block size that gets poison filled.
	poisonMax = 16384
	// poisonFree and poisonAlloc are the fill bytes for freed and
	// allocated memory.
	poisonFree  = 0x01
	poisonAlloc = 0x02
)

// Config holds the tunable parameters of the allocator.
type Config struct {
	// HotPages is the per-CPU hot page cache capacity.
	HotPages int `json:"hotPages"`
	// BuddyPerCPU subdivides each NUMA node into one buddy per CPU
	// instead of a single buddy for the whole node.
	BuddyPerCPU bool `json:"buddyPerCPU"`
	// LoadBalance gives every buddy a reservation window covering all
	// of physical memory, so the balancer can move blocks between
	// pools, and enables rebalancing on allocation failure.
	LoadBalance bool `json:"loadBalance"`
	// PoisonFill fills freed memory with a junk byte and verifies the
	// fill on allocation to catch use after free. Requires an arena.
	PoisonFill bool `json:"poisonFill"`
	// KernelEnd is the first address available to the boot-time bump
	// allocator.
	KernelEnd uint64 `json:"kernelEnd"`
	// StackSize is the stack slab size.
	StackSize uint64 `json:"stackSize"`
	// PerfSize is the perf buffer slab size.
	PerfSize uint64 `json:"perfSize"`
	// WQSize is the work queue frame slab size.
	WQSize uint64 `json:"wqSize"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		HotPages:    DefaultHotPages,
		LoadBalance: true,
		KernelEnd:   DefaultKernelEnd,
		StackSize:   DefaultStackSize,
		PerfSize:    DefaultPerfSize,
		WQSize:      DefaultWQSize,
	}
}

// ParseConfig parses a YAML configuration, filling in defaults for
// omitted fields.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.HotPages <= 0 || c.HotPages%2 != 0 {
		return fmt.Errorf("invalid configuration: hotPages must be positive and even, got %d", c.HotPages)
	}
	if !mem.IsAligned(mem.Addr(c.KernelEnd), mem.PageSize) {
		return fmt.Errorf("invalid configuration: kernelEnd %#x is not page aligned", c.KernelEnd)
	}
	for _, size := range []uint64{c.StackSize, c.PerfSize, c.WQSize} {
		if size == 0 {
			return fmt.Errorf("invalid configuration: zero slab size")
		}
	}
	return nil
}
