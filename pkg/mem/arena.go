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

package mem

import (
	"fmt"
	"strings"
)

// Arena is byte-addressable backing storage for a span of physical
// addresses. The allocator itself only does address bookkeeping; an
// arena is attached when callers need the bytes behind the addresses,
// for poison filling and for the benchmark workloads.
type Arena struct {
	base Addr
	data []byte
}

// NewArena creates an arena backing [base, base+len(data)).
func NewArena(base Addr, data []byte) *Arena {
	return &Arena{base: base, data: data}
}

// Base returns the first address backed by the arena.
func (a *Arena) Base() Addr {
	return a.base
}

// Limit returns the first address past the arena.
func (a *Arena) Limit() Addr {
	return a.base + Addr(len(a.data))
}

// Contains returns true if [addr, addr+size) is backed by the arena.
func (a *Arena) Contains(addr Addr, size uint64) bool {
	return a.base <= addr && addr+Addr(size) <= a.Limit()
}

// Slice returns the bytes backing [addr, addr+size).
func (a *Arena) Slice(addr Addr, size uint64) []byte {
	if !a.Contains(addr, size) {
		panic(fmt.Sprintf("mem: [%#x, %#x) outside arena [%#x, %#x)",
			addr, addr+Addr(size), a.base, a.Limit()))
	}
	off := uint64(addr - a.base)
	return a.data[off : off+size]
}

// Fill sets every byte of [addr, addr+size) to b.
func (a *Arena) Fill(addr Addr, size uint64, b byte) {
	s := a.Slice(addr, size)
	for i := range s {
		s[i] = b
	}
}

// HexDump returns a hex dump of [addr, addr+size), 16 bytes per line.
func (a *Arena) HexDump(addr Addr, size uint64) string {
	var (
		s = a.Slice(addr, size)
		b = strings.Builder{}
	)
	for off := 0; off < len(s); off += 16 {
		end := off + 16
		if end > len(s) {
			end = len(s)
		}
		fmt.Fprintf(&b, "%#016x:", uint64(addr)+uint64(off))
		for _, c := range s[off:end] {
			fmt.Fprintf(&b, " %02x", c)
		}
		b.WriteString("\n")
	}
	return b.String()
}
