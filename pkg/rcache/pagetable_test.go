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
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func ptregion(start, end uintptr) *Region {
	return &Region{start: start, end: end}
}

func ptcollect(t *pageTable, lo, hi uintptr) [][2]uintptr {
	var got [][2]uintptr
	t.foreachRange(lo, hi, func(r *Region) bool {
		got = append(got, [2]uintptr{r.start, r.end})
		return true
	})
	return got
}

func TestPageTableLookup(t *testing.T) {
	pt := &pageTable{}

	regions := []*Region{
		ptregion(0x1000, 0x3000),
		ptregion(0x5000, 0x6000),
		ptregion(0x8000, 0x10000),
	}
	for _, r := range regions {
		pt.insert(r)
	}
	require.Equal(t, 3, pt.size())

	require.Nil(t, pt.lookup(0x0fff), "before all regions")
	require.Equal(t, regions[0], pt.lookup(0x1000), "first address")
	require.Equal(t, regions[0], pt.lookup(0x2fff), "last address")
	require.Nil(t, pt.lookup(0x3000), "end is exclusive")
	require.Nil(t, pt.lookup(0x4000), "gap between regions")
	require.Equal(t, regions[1], pt.lookup(0x5800))
	require.Equal(t, regions[2], pt.lookup(0xffff))
	require.Nil(t, pt.lookup(0x10000), "past all regions")

	pt.remove(regions[1])
	require.Nil(t, pt.lookup(0x5800), "removed region")
	require.Equal(t, 2, pt.size())
}

func TestPageTableRangeIteration(t *testing.T) {
	pt := &pageTable{}
	pt.insert(ptregion(0x1000, 0x2000))
	pt.insert(ptregion(0x3000, 0x5000))
	pt.insert(ptregion(0x7000, 0x8000))

	require.Nil(t, ptcollect(pt, 0x2000, 0x3000), "gap yields nothing")
	require.Equal(t, [][2]uintptr{{0x1000, 0x2000}}, ptcollect(pt, 0, 0x1001))
	require.Equal(t, [][2]uintptr{{0x1000, 0x2000}, {0x3000, 0x5000}},
		ptcollect(pt, 0x1fff, 0x3001))
	require.Equal(t, [][2]uintptr{{0x1000, 0x2000}, {0x3000, 0x5000}, {0x7000, 0x8000}},
		ptcollect(pt, 0, ^uintptr(0)))
	require.Equal(t, [][2]uintptr{{0x3000, 0x5000}}, ptcollect(pt, 0x4000, 0x4001),
		"query inside a region")
}

func TestPageTableRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	pt := &pageTable{}
	var ref []*Region

	refLookup := func(addr uintptr) *Region {
		for _, r := range ref {
			if r.start <= addr && addr < r.end {
				return r
			}
		}
		return nil
	}

	for round := 0; round < 2000; round++ {
		start := uintptr(rng.Intn(1<<16) * 0x1000)
		end := start + uintptr(1+rng.Intn(16))*0x1000

		overlaps := false
		for _, r := range ref {
			if r.start < end && r.end > start {
				overlaps = true
				break
			}
		}

		switch {
		case !overlaps && rng.Intn(3) != 0:
			r := ptregion(start, end)
			pt.insert(r)
			ref = append(ref, r)
			sort.Slice(ref, func(i, j int) bool { return ref[i].start < ref[j].start })
		case len(ref) > 0 && rng.Intn(2) == 0:
			idx := rng.Intn(len(ref))
			pt.remove(ref[idx])
			ref = append(ref[:idx], ref[idx+1:]...)
		}

		addr := uintptr(rng.Intn(1<<20)) * 0x100
		require.Equal(t, refLookup(addr), pt.lookup(addr), "lookup 0x%x round %d", addr, round)

		lo := uintptr(rng.Intn(1<<16) * 0x1000)
		hi := lo + uintptr(rng.Intn(64))*0x1000
		var want [][2]uintptr
		for _, r := range ref {
			if r.start < hi && r.end > lo {
				want = append(want, [2]uintptr{r.start, r.end})
			}
		}
		if diff := cmp.Diff(want, ptcollect(pt, lo, hi)); diff != "" {
			t.Fatalf("range 0x%x..0x%x round %d: -want +got:\n%s", lo, hi, round, diff)
		}
	}

	require.Equal(t, len(ref), pt.size())
}
