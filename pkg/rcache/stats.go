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

package rcache

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// stats is the set of operation counters maintained by a cache.
type stats struct {
	gets          uint64
	fastHits      uint64
	slowHits      uint64
	misses        uint64
	merges        uint64
	unmapEvents   uint64
	memFreeEvents uint64
	invalidations uint64
	puts          uint64
	registers     uint64
	deregisters   uint64
}

func (s *stats) inc(counter *uint64) {
	atomic.AddUint64(counter, 1)
}

// Snapshot is a point-in-time copy of the cache counters.
type Snapshot struct {
	Gets          uint64
	FastHits      uint64
	SlowHits      uint64
	Misses        uint64
	Merges        uint64
	UnmapEvents   uint64
	MemFreeEvents uint64
	Invalidations uint64
	Puts          uint64
	Registers     uint64
	Deregisters   uint64
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Snapshot {
	return Snapshot{
		Gets:          atomic.LoadUint64(&c.stats.gets),
		FastHits:      atomic.LoadUint64(&c.stats.fastHits),
		SlowHits:      atomic.LoadUint64(&c.stats.slowHits),
		Misses:        atomic.LoadUint64(&c.stats.misses),
		Merges:        atomic.LoadUint64(&c.stats.merges),
		UnmapEvents:   atomic.LoadUint64(&c.stats.unmapEvents),
		MemFreeEvents: atomic.LoadUint64(&c.stats.memFreeEvents),
		Invalidations: atomic.LoadUint64(&c.stats.invalidations),
		Puts:          atomic.LoadUint64(&c.stats.puts),
		Registers:     atomic.LoadUint64(&c.stats.registers),
		Deregisters:   atomic.LoadUint64(&c.stats.deregisters),
	}
}

// collector exposes cache counters as prometheus metrics.
type collector struct {
	c     *Cache
	descs map[string]*prometheus.Desc
}

// counterHelp maps metric names to their help strings and accessors.
var counterHelp = []struct {
	name string
	help string
	get  func(Snapshot) uint64
}{
	{"gets_total", "Number of Get requests.", func(s Snapshot) uint64 { return s.Gets }},
	{"fast_hits_total", "Number of Get requests satisfied on the fast path.", func(s Snapshot) uint64 { return s.FastHits }},
	{"slow_hits_total", "Number of Get requests satisfied on the slow path.", func(s Snapshot) uint64 { return s.SlowHits }},
	{"misses_total", "Number of Get requests which registered a new region.", func(s Snapshot) uint64 { return s.Misses }},
	{"merges_total", "Number of new regions which absorbed existing ones.", func(s Snapshot) uint64 { return s.Merges }},
	{"unmap_events_total", "Number of VM unmap events received.", func(s Snapshot) uint64 { return s.UnmapEvents }},
	{"mem_free_events_total", "Number of device memory free events received.", func(s Snapshot) uint64 { return s.MemFreeEvents }},
	{"invalidations_total", "Number of regions invalidated.", func(s Snapshot) uint64 { return s.Invalidations }},
	{"puts_total", "Number of Put calls.", func(s Snapshot) uint64 { return s.Puts }},
	{"registers_total", "Number of successful register callback invocations.", func(s Snapshot) uint64 { return s.Registers }},
	{"deregisters_total", "Number of deregister callback invocations.", func(s Snapshot) uint64 { return s.Deregisters }},
}

// Collector returns a prometheus collector for the cache counters. All
// metrics carry the cache name as a label.
func (c *Cache) Collector() prometheus.Collector {
	descs := make(map[string]*prometheus.Desc, len(counterHelp))
	for _, m := range counterHelp {
		descs[m.name] = prometheus.NewDesc(
			prometheus.BuildFQName("memreg", "rcache", m.name),
			m.help,
			nil,
			prometheus.Labels{"cache": c.name},
		)
	}
	return &collector{c: c, descs: descs}
}

// Describe implements prometheus.Collector.
func (p *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range p.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (p *collector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Stats()
	for _, m := range counterHelp {
		ch <- prometheus.MustNewConstMetric(p.descs[m.name],
			prometheus.CounterValue, float64(m.get(s)))
	}
}
