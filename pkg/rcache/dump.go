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
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DumpTo writes a diagnostic description of the cache to w: every live
// region with its per-registration state, the number of regions on the
// invalidation queue, and the counters in prometheus text format.
func (c *Cache) DumpTo(w io.Writer) error {
	dumper, _ := c.params.Ops.(RegionDumper)

	fmt.Fprintf(w, "cache %q:\n", c.name)

	c.RLock()
	var regions []*Region
	c.pgtable.foreach(func(r *Region) bool {
		regions = append(regions, r)
		return true
	})
	c.RUnlock()

	for _, r := range regions {
		if dumper != nil {
			fmt.Fprintf(w, "  %s (%s)\n", r, dumper.DumpRegion(c, r))
		} else {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}

	c.queueMu.Lock()
	queued := 0
	for r := c.invq; r != nil; r = r.qnext {
		queued++
	}
	c.queueMu.Unlock()
	fmt.Fprintf(w, "  %d regions awaiting deregistration\n", queued)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c.Collector()); err != nil {
		return rcacheError(ErrNoResource, "failed to register stats collector: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return rcacheError(ErrNoResource, "failed to gather stats: %v", err)
	}
	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return rcacheError(ErrNoResource, "failed to render stats: %v", err)
		}
	}

	return nil
}
