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

// Package gcdev implements the allocator's control and stats device.
// It is a byte-stream endpoint driven by the benchmark harness: writes
// carry fixed-size control records that configure and run allocation
// loops, reads return one stats record per CPU.
package gcdev

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	logger "github.com/containers/pagepool/pkg/log"

	"github.com/containers/pagepool/pkg/mem"
	"github.com/containers/pagepool/pkg/mem/kalloc"
)

var log = logger.Get("gcdev")

const (
	// OpConfigure records the core count and batch size for later runs.
	OpConfigure = 0
	// OpAlloc runs an allocation loop on up to ncore CPUs.
	OpAlloc = 1
	// OpFree runs the symmetric free loop.
	OpFree = 2

	// RecordSize is the size of one control record on the wire.
	RecordSize = 12
)

// Record is one control record: three little-endian 32-bit integers.
type Record struct {
	NCore int32
	Size  int32
	Op    int32
}

// Encode returns the wire form of the record.
func (r Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf, uint32(r.NCore))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.Size))
	binary.LittleEndian.PutUint32(buf[8:], uint32(r.Op))
	return buf
}

// Stat is one stats record as returned by Read, with the same layout
// the harness expects from the device. NDelay is the delayed-free
// queue depth and always zero here, NRun is the number of workers
// active on the CPU, NCycles over NOp gives the mean time per
// operation in nanoseconds.
type Stat struct {
	NDelay  int32
	NFree   int32
	NRun    int32
	_       int32
	NCycles uint64
	NOp     uint64
	NAlloc  int32
	_       int32
}

// StatSize is the size of one stats record on the wire.
const StatSize = 40

type block struct {
	addr mem.Addr
	size uint64
}

type cpuState struct {
	sync.Mutex
	stash   []block
	nrun    atomic.Int32
	nalloc  atomic.Uint64
	nfree   atomic.Uint64
	nop     atomic.Uint64
	ncycles atomic.Uint64
}

// Device drives an allocator context on behalf of the benchmark
// harness. It is safe for concurrent use; concurrent writes run their
// loops in parallel the same way multiple harness processes would.
type Device struct {
	ctx  *kalloc.Context
	mu   sync.Mutex
	cfg  Record
	cpus []*cpuState
}

// New returns a device driving the given initialized context.
func New(ctx *kalloc.Context) *Device {
	d := &Device{
		ctx:  ctx,
		cpus: make([]*cpuState, ctx.NumCPUs()),
	}
	for i := range d.cpus {
		d.cpus[i] = &cpuState{}
	}
	return d
}

// Write consumes one or more control records. A write that is not a
// whole number of records, or that carries an unknown op, is rejected
// with an error.
func (d *Device) Write(p []byte) (int, error) {
	if len(p) == 0 || len(p)%RecordSize != 0 {
		return 0, errors.Errorf("gcdev: partial control record of %d bytes", len(p))
	}
	for off := 0; off < len(p); off += RecordSize {
		r := Record{
			NCore: int32(binary.LittleEndian.Uint32(p[off:])),
			Size:  int32(binary.LittleEndian.Uint32(p[off+4:])),
			Op:    int32(binary.LittleEndian.Uint32(p[off+8:])),
		}
		if err := d.control(r); err != nil {
			return off, err
		}
	}
	return len(p), nil
}

func (d *Device) control(r Record) error {
	switch r.Op {
	case OpConfigure:
		if r.NCore <= 0 || r.Size <= 0 {
			return errors.Errorf("gcdev: invalid configuration (ncore %d, batchsize %d)", r.NCore, r.Size)
		}
		d.mu.Lock()
		d.cfg = r
		d.mu.Unlock()
		log.Debug("configured: ncore %d, batchsize %d", r.NCore, r.Size)
		return nil
	case OpAlloc:
		d.run(r, d.allocLoop)
		return nil
	case OpFree:
		d.run(r, d.freeLoop)
		return nil
	default:
		return errors.Errorf("gcdev: unknown op %d", r.Op)
	}
}

// run fans the loop out to up to ncore CPUs and waits for all of them.
// The batch size comes from the last configure record.
func (d *Device) run(r Record, loop func(cpu int, size uint64, batch int)) {
	d.mu.Lock()
	batch := int(d.cfg.Size)
	d.mu.Unlock()
	if batch <= 0 {
		batch = 1
	}

	ncore := int(r.NCore)
	if ncore > len(d.cpus) {
		ncore = len(d.cpus)
	}

	var wg sync.WaitGroup
	for cpu := 0; cpu < ncore; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			s := d.cpus[cpu]
			s.nrun.Add(1)
			loop(cpu, uint64(r.Size), batch)
			s.nrun.Add(-1)
		}(cpu)
	}
	wg.Wait()
}

// allocLoop allocates size bytes at a time, keeping the blocks so a
// later free loop can return them. It stops early when memory runs
// out.
func (d *Device) allocLoop(cpu int, size uint64, batch int) {
	s := d.cpus[cpu]
	ops := 0
	t0 := time.Now()
	for i := 0; i < batch; i++ {
		addr := d.ctx.Alloc(cpu, "gcbench", size)
		if addr == 0 {
			break
		}
		s.Lock()
		s.stash = append(s.stash, block{addr: addr, size: size})
		s.Unlock()
		s.nalloc.Add(1)
		ops++
	}
	s.ncycles.Add(uint64(time.Since(t0)))
	s.nop.Add(uint64(ops))
}

// freeLoop returns previously allocated blocks, most recent first, and
// stops early when the stash runs dry.
func (d *Device) freeLoop(cpu int, _ uint64, batch int) {
	s := d.cpus[cpu]
	ops := 0
	t0 := time.Now()
	for i := 0; i < batch; i++ {
		s.Lock()
		if len(s.stash) == 0 {
			s.Unlock()
			break
		}
		b := s.stash[len(s.stash)-1]
		s.stash = s.stash[:len(s.stash)-1]
		s.Unlock()
		d.ctx.Free(cpu, b.addr, b.size)
		s.nfree.Add(1)
		ops++
	}
	s.ncycles.Add(uint64(time.Since(t0)))
	s.nop.Add(uint64(ops))
}

// Reader returns a reader over a point-in-time snapshot of the stats,
// one record per CPU, ending at EOF.
func (d *Device) Reader() io.Reader {
	buf := &bytes.Buffer{}
	for _, s := range d.cpus {
		st := Stat{
			NFree:   int32(s.nfree.Load()),
			NRun:    s.nrun.Load(),
			NCycles: s.ncycles.Load(),
			NOp:     s.nop.Load(),
			NAlloc:  int32(s.nalloc.Load()),
		}
		if err := binary.Write(buf, binary.LittleEndian, &st); err != nil {
			log.Panic("failed to encode stats record: %v", err)
		}
	}
	return bytes.NewReader(buf.Bytes())
}

// ReadStats decodes stats records from a device reader until EOF.
func ReadStats(r io.Reader) ([]Stat, error) {
	var stats []Stat
	for {
		var st Stat
		err := binary.Read(r, binary.LittleEndian, &st)
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "gcdev: failed to decode stats record")
		}
		stats = append(stats, st)
	}
}
