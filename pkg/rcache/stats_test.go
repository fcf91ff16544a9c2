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

package rcache_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/containers/memreg/pkg/memprot"
)

// gatherCounters collects the cache metrics into a name-to-value map.
func gatherCounters(t *testing.T, c prometheus.Collector) map[string]float64 {
	t.Helper()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	counters := map[string]float64{}
	for _, f := range families {
		require.Equal(t, model.MetricType_COUNTER, f.GetType(), "%s", f.GetName())
		for _, m := range f.GetMetric() {
			counters[f.GetName()] = m.GetCounter().GetValue()
			for _, l := range m.GetLabel() {
				if l.GetName() == "cache" {
					require.Equal(t, "TestStatsCollector", l.GetValue())
				}
			}
		}
	}
	return counters
}

func TestStatsCollector(t *testing.T) {
	tc := newTestCache(t, nil)
	size := 1 << 20
	_, addr := mmapBuffer(t, size, unix.PROT_READ|unix.PROT_WRITE)

	r1, err := tc.Get(addr, uintptr(size), memprot.Read, nil)
	require.NoError(t, err)
	tc.Put(r1)
	r2, err := tc.Get(addr, uintptr(size), memprot.Read, nil)
	require.NoError(t, err)
	tc.Put(r2)

	counters := gatherCounters(t, tc.Collector())
	require.Equal(t, float64(2), counters["memreg_rcache_gets_total"])
	require.Equal(t, float64(1), counters["memreg_rcache_fast_hits_total"])
	require.Equal(t, float64(1), counters["memreg_rcache_misses_total"])
	require.Equal(t, float64(1), counters["memreg_rcache_registers_total"])
	require.Equal(t, float64(2), counters["memreg_rcache_puts_total"])
	require.Equal(t, float64(0), counters["memreg_rcache_invalidations_total"])
}
