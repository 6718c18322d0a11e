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

package gcdev_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/pagepool/pkg/mem"
	. "github.com/containers/pagepool/pkg/mem/gcdev"
	"github.com/containers/pagepool/pkg/mem/kalloc"
	"github.com/containers/pagepool/pkg/mem/numa"
)

const (
	memBase = mem.Addr(0x100000)
	memSize = uint64(0x4000000)
)

func device(t *testing.T, ncpus int) (*Device, *kalloc.Context) {
	c, err := kalloc.NewContext(kalloc.DefaultConfig())
	require.Nil(t, err)

	fw := []kalloc.FirmwareRange{
		{Base: memBase, Size: memSize, Usable: true},
	}
	require.Nil(t, c.Init(fw, numa.Uniform(1, ncpus, memBase, memSize)))
	return New(c), c
}

func TestRecordWireFormat(t *testing.T) {
	require.Equal(t, RecordSize, binary.Size(Record{}))
	require.Equal(t, StatSize, binary.Size(Stat{}))

	buf := Record{NCore: 2, Size: 1000000, Op: OpConfigure}.Encode()
	require.Len(t, buf, RecordSize)
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(buf))
	require.Equal(t, uint32(1000000), binary.LittleEndian.Uint32(buf[4:]))
	require.Equal(t, uint32(OpConfigure), binary.LittleEndian.Uint32(buf[8:]))
}

func TestWriteRejectsBadRecords(t *testing.T) {
	d, _ := device(t, 1)

	_, err := d.Write([]byte{1, 2, 3})
	require.NotNil(t, err, "expected partial record error")

	_, err = d.Write(Record{NCore: 1, Size: 16, Op: 42}.Encode())
	require.NotNil(t, err, "expected unknown op error")
	require.Contains(t, err.Error(), "unknown op")

	_, err = d.Write(Record{NCore: 0, Size: 16, Op: OpConfigure}.Encode())
	require.NotNil(t, err, "expected invalid configuration error")
}

func TestAllocFreeLoops(t *testing.T) {
	d, c := device(t, 2)

	n, err := d.Write(Record{NCore: 2, Size: 64, Op: OpConfigure}.Encode())
	require.Nil(t, err)
	require.Equal(t, RecordSize, n)

	free0 := c.FreePages()
	_, err = d.Write(Record{NCore: 2, Size: int32(mem.PageSize), Op: OpAlloc}.Encode())
	require.Nil(t, err)

	stats, err := ReadStats(d.Reader())
	require.Nil(t, err)
	require.Len(t, stats, 2)
	for cpu, st := range stats {
		require.Equal(t, int32(64), st.NAlloc, "cpu %d", cpu)
		require.Equal(t, uint64(64), st.NOp, "cpu %d", cpu)
		require.Equal(t, int32(0), st.NFree, "cpu %d", cpu)
		require.Equal(t, int32(0), st.NRun, "cpu %d", cpu)
		require.Equal(t, int32(0), st.NDelay, "cpu %d", cpu)
	}

	_, err = d.Write(Record{NCore: 2, Size: int32(mem.PageSize), Op: OpFree}.Encode())
	require.Nil(t, err)

	stats, err = ReadStats(d.Reader())
	require.Nil(t, err)
	for cpu, st := range stats {
		require.Equal(t, int32(64), st.NFree, "cpu %d", cpu)
		require.Equal(t, uint64(128), st.NOp, "cpu %d", cpu)
	}

	// All the loop's pages went back. Some may still sit in the hot
	// caches, so count those too.
	cached := uint64(c.HotCount(0) + c.HotCount(1))
	require.Equal(t, free0, c.FreePages()+cached)
}

func TestFreeLoopStopsOnEmptyStash(t *testing.T) {
	d, _ := device(t, 1)

	_, err := d.Write(Record{NCore: 1, Size: 16, Op: OpConfigure}.Encode())
	require.Nil(t, err)
	_, err = d.Write(Record{NCore: 1, Size: int32(mem.PageSize), Op: OpFree}.Encode())
	require.Nil(t, err)

	stats, err := ReadStats(d.Reader())
	require.Nil(t, err)
	require.Equal(t, int32(0), stats[0].NFree)
	require.Equal(t, uint64(0), stats[0].NOp)
}

func TestNCoreIsClampedToTopology(t *testing.T) {
	d, _ := device(t, 2)

	_, err := d.Write(Record{NCore: 2, Size: 8, Op: OpConfigure}.Encode())
	require.Nil(t, err)
	_, err = d.Write(Record{NCore: 8, Size: int32(mem.PageSize), Op: OpAlloc}.Encode())
	require.Nil(t, err)

	stats, err := ReadStats(d.Reader())
	require.Nil(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, int32(8), stats[0].NAlloc)
	require.Equal(t, int32(8), stats[1].NAlloc)
}

func TestAllocLoopStopsWhenMemoryRunsOut(t *testing.T) {
	d, _ := device(t, 1)

	_, err := d.Write(Record{NCore: 1, Size: 1000000, Op: OpConfigure}.Encode())
	require.Nil(t, err)
	_, err = d.Write(Record{NCore: 1, Size: int32(mem.PageSize), Op: OpAlloc}.Encode())
	require.Nil(t, err)

	stats, err := ReadStats(d.Reader())
	require.Nil(t, err)
	require.Greater(t, stats[0].NOp, uint64(0))
	require.Less(t, stats[0].NOp, uint64(1000000), "the loop ends at exhaustion")
}

func TestBenchmarkHarnessRun(t *testing.T) {
	d, _ := device(t, 2)

	_, err := d.Write(Record{NCore: 2, Size: 1000000, Op: OpConfigure}.Encode())
	require.Nil(t, err)

	// Two workers drive the device concurrently, the way the harness
	// forks one process per core.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Write(Record{NCore: 2, Size: int32(mem.PageSize), Op: OpAlloc}.Encode())
			require.Nil(t, err)
			_, err = d.Write(Record{NCore: 2, Size: int32(mem.PageSize), Op: OpFree}.Encode())
			require.Nil(t, err)
		}()
	}
	wg.Wait()

	stats, err := ReadStats(d.Reader())
	require.Nil(t, err)
	require.Len(t, stats, 2)

	found := false
	for _, st := range stats {
		if st.NOp > 0 {
			found = true
			require.GreaterOrEqual(t, st.NCycles/st.NOp, uint64(0))
		}
	}
	require.True(t, found, "expected at least one record with completed operations")
}
