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

// gcbench is an executable that exercises the page allocator through
// the control device and reports per-CPU stats.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sys/unix"

	logger "github.com/containers/pagepool/pkg/log"
	"github.com/containers/pagepool/pkg/mem"
	"github.com/containers/pagepool/pkg/mem/gcdev"
	"github.com/containers/pagepool/pkg/mem/kalloc"
	"github.com/containers/pagepool/pkg/mem/kstats"
	"github.com/containers/pagepool/pkg/mem/numa"
)

var log = logger.Get("gcbench")

// arenaBase keeps the simulated physical address space clear of the
// unusable low megabyte.
const arenaBase = mem.Addr(0x100000)

type options struct {
	configFile  string
	memSize     uint64
	nodes       int
	useMmap     bool
	pin         bool
	metrics     bool
	metricsAddr string
}

func parseOptions() (*options, []string) {
	o := &options{}
	flag.StringVar(&o.configFile, "config", "", "allocator configuration file (YAML)")
	flag.Uint64Var(&o.memSize, "mem-size", 256*mem.MiB, "size of the backing memory arena in bytes")
	flag.IntVar(&o.nodes, "nodes", 1, "number of simulated NUMA nodes")
	flag.BoolVar(&o.useMmap, "mmap", false, "back the arena with anonymous mmap instead of heap memory")
	flag.BoolVar(&o.pin, "pin", true, "pin workers to CPUs")
	flag.BoolVar(&o.metrics, "metrics", false, "dump allocator metrics on exit")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "also serve allocator metrics over HTTP at this address")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: %s [options] nproc batchsize {gc|mem} [seconds]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	return o, flag.Args()
}

func arenaData(o *options) ([]byte, func()) {
	if !o.useMmap {
		return make([]byte, o.memSize), func() {}
	}
	data, err := unix.Mmap(-1, 0, int(o.memSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		log.Panic("failed to mmap %s arena: %v", mem.PrettySize(o.memSize), err)
	}
	return data, func() {
		if err := unix.Munmap(data); err != nil {
			log.Warn("failed to munmap arena: %v", err)
		}
	}
}

func pin(cpu int) {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		log.Warn("failed to pin worker to CPU %d: %v", cpu, err)
	}
}

// gcTest churns single pages through the per-CPU hot cache.
func gcTest(c *kalloc.Context, cpu int) {
	p := c.Alloc(cpu, "gcbench", mem.PageSize)
	if p != 0 {
		c.Free(cpu, p, mem.PageSize)
	}
}

// memTest drives a batched allocation and free cycle through the
// control device.
func memTest(d *gcdev.Device, nproc, batch int) {
	if _, err := d.Write(gcdev.Record{NCore: int32(nproc), Size: int32(batch), Op: gcdev.OpAlloc}.Encode()); err != nil {
		log.Panic("control write failed: %v", err)
	}
	if _, err := d.Write(gcdev.Record{NCore: int32(nproc), Size: int32(batch), Op: gcdev.OpFree}.Encode()); err != nil {
		log.Panic("control write failed: %v", err)
	}
}

func worker(c *kalloc.Context, d *gcdev.Device, o *options, cpu, nproc, batch int, test string, dur time.Duration) int {
	if o.pin {
		pin(cpu)
	}
	n := 0
	deadline := time.Now().Add(dur)
	for {
		for i := 0; i < 10; i++ {
			if test == "gc" {
				gcTest(c, cpu)
			} else {
				memTest(d, nproc, batch)
			}
			n++
		}
		if !time.Now().Before(deadline) {
			return n
		}
	}
}

func printStats(d *gcdev.Device) {
	stats, err := gcdev.ReadStats(d.Reader())
	if err != nil {
		log.Panic("failed to read stats: %v", err)
	}
	for i, st := range stats {
		perOp := uint64(0)
		if st.NOp > 0 {
			perOp = st.NCycles / st.NOp
		}
		fmt.Printf("%d: ndelay %d nfree %d nrun %d ncycles %d nop %d cycles/op %d nalloc %d\n",
			i, st.NDelay, st.NFree, st.NRun, st.NCycles, st.NOp, perOp, st.NAlloc)
	}
}

func dumpMetrics(reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		log.Panic("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Panic("failed to write metrics: %v", err)
		}
	}
}

func main() {
	o, args := parseOptions()
	if len(args) < 3 {
		flag.Usage()
		os.Exit(1)
	}

	nproc, err := strconv.Atoi(args[0])
	if err != nil || nproc < 1 {
		log.Panic("invalid nproc %q", args[0])
	}
	batch, err := strconv.Atoi(args[1])
	if err != nil || batch < 1 {
		log.Panic("invalid batchsize %q", args[1])
	}
	test := args[2]
	if test != "gc" && test != "mem" {
		log.Panic("invalid test %q, expected gc or mem", test)
	}
	sec := 2
	if len(args) > 3 {
		if sec, err = strconv.Atoi(args[3]); err != nil || sec < 1 {
			log.Panic("invalid seconds %q", args[3])
		}
	}

	cfg := kalloc.DefaultConfig()
	if o.configFile != "" {
		data, err := os.ReadFile(o.configFile)
		if err != nil {
			log.Panic("failed to read configuration: %v", err)
		}
		if cfg, err = kalloc.ParseConfig(data); err != nil {
			log.Panic("%v", err)
		}
	}

	if o.nodes < 1 || nproc%o.nodes != 0 {
		log.Panic("nproc %d is not divisible into %d nodes", nproc, o.nodes)
	}

	data, cleanup := arenaData(o)
	defer cleanup()

	c, err := kalloc.NewContext(cfg, kalloc.WithArena(mem.NewArena(arenaBase, data)))
	if err != nil {
		log.Panic("%v", err)
	}
	fw := []kalloc.FirmwareRange{
		{Base: arenaBase, Size: o.memSize, Usable: true},
	}
	if err := c.Init(fw, numa.Uniform(o.nodes, nproc/o.nodes, arenaBase, o.memSize)); err != nil {
		log.Panic("%v", err)
	}

	fmt.Printf("%s: %d %d %s\n", os.Args[0], nproc, batch, test)

	reg := prometheus.NewRegistry()
	reg.MustRegister(kstats.NewCollector(c.Stats()))
	if o.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(o.metricsAddr, mux); err != nil {
				log.Error("metrics server failed: %v", err)
			}
		}()
	}

	d := gcdev.New(c)
	if _, err := d.Write(gcdev.Record{NCore: int32(nproc), Size: int32(batch), Op: gcdev.OpConfigure}.Encode()); err != nil {
		log.Panic("%v", err)
	}

	dur := time.Duration(sec) * time.Second
	ops := make([]int, nproc)
	var wg sync.WaitGroup
	for cpu := 0; cpu < nproc; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			ops[cpu] = worker(c, d, o, cpu, nproc, batch, test, dur)
		}(cpu)
	}
	wg.Wait()

	total := 0
	for _, n := range ops {
		total += n
	}
	fmt.Printf("0: %d ops in %d sec\n", total, sec)
	printStats(d)

	if log.DebugEnabled() {
		log.Debug("%s", c.MemPrint())
	}
	if o.metrics {
		dumpMetrics(reg)
	}
}
