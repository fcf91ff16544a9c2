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

// memreg-stress exercises a registration cache against anonymous
// mappings of the running process, optionally exporting cache metrics
// and health over HTTP while it runs.
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"sigs.k8s.io/yaml"

	"github.com/containers/memreg/pkg/healthz"
	logger "github.com/containers/memreg/pkg/log"
	"github.com/containers/memreg/pkg/memprot"
	"github.com/containers/memreg/pkg/rcache"
	"github.com/containers/memreg/pkg/vmevents"
)

// config holds the stress run parameters.
type config struct {
	// BufferSize is the size of each mapped buffer in bytes.
	BufferSize int `json:"bufferSize"`
	// Buffers is the number of mapped buffers worked on.
	Buffers int `json:"buffers"`
	// Iterations is the per-worker number of get/put cycles.
	Iterations int `json:"iterations"`
	// Workers is the number of concurrent workers.
	Workers int `json:"workers"`
	// RemapEvery remaps a buffer every this many iterations. Zero
	// disables remapping.
	RemapEvery int `json:"remapEvery"`
	// MetricsAddr is the address to serve metrics and health on.
	MetricsAddr string `json:"metricsAddr"`
	// Seed is the PRNG seed for reproducible runs.
	Seed int64 `json:"seed"`
}

// pinOps is a registration backend which mlocks registered ranges.
type pinOps struct {
	nextKey uint64
}

func (o *pinOps) Register(c *rcache.Cache, arg interface{}, r *rcache.Region) error {
	if err := unix.Mlock(regionBytes(r)); err != nil {
		return fmt.Errorf("mlock 0x%x..0x%x: %w", r.Start(), r.End(), err)
	}
	binary.LittleEndian.PutUint64(r.Payload(), atomic.AddUint64(&o.nextKey, 1))
	return nil
}

func (o *pinOps) Deregister(c *rcache.Cache, r *rcache.Region) error {
	// The range may already be unmapped when deregistration runs after
	// an unmap-driven invalidation; there is nothing left to unlock.
	if err := unix.Munlock(regionBytes(r)); err != nil && !errors.Is(err, unix.ENOMEM) {
		return fmt.Errorf("munlock 0x%x..0x%x: %w", r.Start(), r.End(), err)
	}
	return nil
}

func (o *pinOps) DumpRegion(c *rcache.Cache, r *rcache.Region) string {
	return fmt.Sprintf("key %d", binary.LittleEndian.Uint64(r.Payload()))
}

// regionBytes returns the mapped bytes a region covers.
func regionBytes(r *rcache.Region) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.Start())), r.End()-r.Start())
}

// Our logger instance.
var log = logger.NewLogger("memreg-stress")

func main() {
	var (
		cfg        = config{}
		configFile string
		debug      bool
	)

	flag.IntVar(&cfg.BufferSize, "buffer-size", 1<<20, "size of each mapped buffer")
	flag.IntVar(&cfg.Buffers, "buffers", 8, "number of mapped buffers")
	flag.IntVar(&cfg.Iterations, "iterations", 10000, "get/put cycles per worker")
	flag.IntVar(&cfg.Workers, "workers", 4, "number of concurrent workers")
	flag.IntVar(&cfg.RemapEvery, "remap-every", 500, "remap a buffer every N iterations, 0 to disable")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve metrics and health on this address")
	flag.Int64Var(&cfg.Seed, "seed", 1, "PRNG seed")
	flag.StringVar(&configFile, "config", "", "YAML file overriding the flags")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			log.Fatal("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal("failed to parse config file %q: %v", configFile, err)
		}
	}
	if debug {
		logger.EnableDebug(log.Source(), true)
		logger.EnableDebug("rcache", true)
	}

	bus := vmevents.NewBus()
	cache, err := rcache.New(rcache.Params{
		Name:             "stress",
		RegionStructSize: rcache.RegionFootprint() + 8,
		Alignment:        memprot.PageSize(),
		EventMask:        vmevents.VMUnmap,
		MaxRegions:       4 * cfg.Buffers,
		Ops:              &pinOps{},
		Notifier:         bus,
	})
	if err != nil {
		log.Fatal("failed to create cache: %v", err)
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(cache.Collector()); err != nil {
			log.Fatal("failed to register metrics: %v", err)
		}
		healthz.RegisterHealthChecker("cache", func() (healthz.Status, error) {
			return healthz.Healthy, nil
		})

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		healthz.Setup(mux)
		go func() {
			log.Info("serving metrics and health on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server failed: %v", err)
			}
		}()
	}

	buffers := make([]stressBuffer, cfg.Buffers)
	for i := range buffers {
		buffers[i].remap(bus, cfg.BufferSize)
	}

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker(w, cache, bus, buffers, &cfg)
		}(w)
	}
	wg.Wait()

	if err := cache.DumpTo(os.Stdout); err != nil {
		log.Error("failed to dump cache: %v", err)
	}
	for i := range buffers {
		buffers[i].unmap(bus)
	}
	if err := cache.Close(); err != nil {
		log.Error("cache teardown failed: %v", err)
	}
	logger.Flush()
}

// stressBuffer is one mapped buffer shared by the workers.
type stressBuffer struct {
	sync.RWMutex
	buf []byte
}

func (b *stressBuffer) remap(bus *vmevents.Bus, size int) {
	b.Lock()
	defer b.Unlock()

	if b.buf != nil {
		addr := uintptr(unsafe.Pointer(&b.buf[0]))
		if err := unix.Munmap(b.buf); err != nil {
			log.Fatal("munmap: %v", err)
		}
		bus.NotifyUnmap(addr, uintptr(size))
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Fatal("mmap: %v", err)
	}
	b.buf = buf
}

func (b *stressBuffer) unmap(bus *vmevents.Bus) {
	b.Lock()
	defer b.Unlock()

	if b.buf == nil {
		return
	}
	addr := uintptr(unsafe.Pointer(&b.buf[0]))
	size := len(b.buf)
	if err := unix.Munmap(b.buf); err != nil {
		log.Fatal("munmap: %v", err)
	}
	bus.NotifyUnmap(addr, uintptr(size))
	b.buf = nil
}

// worker runs get/put cycles over random subranges of random buffers.
func worker(id int, cache *rcache.Cache, bus *vmevents.Bus, buffers []stressBuffer, cfg *config) {
	rng := rand.New(rand.NewSource(cfg.Seed + int64(id)))
	pg := memprot.PageSize()

	for i := 0; i < cfg.Iterations; i++ {
		b := &buffers[rng.Intn(len(buffers))]

		b.RLock()
		pages := uintptr(len(b.buf)) / pg
		off := uintptr(rng.Intn(int(pages))) * pg
		length := uintptr(1+rng.Intn(int(pages-off/pg))) * pg
		addr := uintptr(unsafe.Pointer(&b.buf[0])) + off

		r, err := cache.Get(addr, length, memprot.Read|memprot.Write, nil)
		if err != nil {
			b.RUnlock()
			log.Fatal("worker %d: get 0x%x+0x%x: %v", id, addr, length, err)
		}
		cache.Put(r)
		b.RUnlock()

		if cfg.RemapEvery > 0 && i%cfg.RemapEvery == cfg.RemapEvery-1 {
			b.remap(bus, cfg.BufferSize)
		}
	}
}
