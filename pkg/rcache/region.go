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
	"sync/atomic"
	"unsafe"

	"github.com/containers/memreg/pkg/memattr"
	"github.com/containers/memreg/pkg/memprot"
)

// regionFlags is the lifecycle state of a region.
type regionFlags uint32

const (
	// flagInPgtable marks a region visible to page table lookups.
	flagInPgtable regionFlags = 1 << iota
	// flagInvalid marks a region logically removed, awaiting deregistration.
	flagInvalid
	// flagRegistering marks a region whose register callback is in progress.
	flagRegistering
)

// String returns the names of the flags in the set.
func (f regionFlags) String() string {
	s, sep := "", ""
	if f&flagInPgtable != 0 {
		s, sep = s+sep+"in-pgtable", ","
	}
	if f&flagInvalid != 0 {
		s, sep = s+sep+"invalid", ","
	}
	if f&flagRegistering != 0 {
		s = s + sep + "registering"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Region is one cached registration covering a contiguous address
// interval. The register callback owns the Payload byte span; the rest
// of the record belongs to the cache.
type Region struct {
	start, end uintptr
	prot       memprot.Prot
	attr       memattr.Attr
	refcnt     int32
	flags      uint32
	payload    []byte
	qnext      *Region
}

// regionFootprint is the bookkeeping size of a region record, the lower
// bound for the per-region record size given at cache creation.
const regionFootprint = unsafe.Sizeof(Region{})

// RegionFootprint returns the bookkeeping size of a region record, the
// minimum legal value for Params.RegionStructSize.
func RegionFootprint() uintptr {
	return regionFootprint
}

// Start returns the first address covered by the region.
func (r *Region) Start() uintptr {
	return r.start
}

// End returns the first address past the region.
func (r *Region) End() uintptr {
	return r.end
}

// Prot returns the access modes the registration supports.
func (r *Region) Prot() memprot.Prot {
	return r.prot
}

// Attr returns the memory kind of the region.
func (r *Region) Attr() memattr.Attr {
	return r.attr
}

// Payload returns the caller-owned byte span co-allocated with the
// region record, populated by the register callback.
func (r *Region) Payload() []byte {
	return r.payload
}

// Refcount returns the number of outstanding user references.
func (r *Region) Refcount() int {
	return int(atomic.LoadInt32(&r.refcnt))
}

// String returns a string representation of the region.
func (r *Region) String() string {
	return fmt.Sprintf("region 0x%x..0x%x %s %s ref %d <%s>",
		r.start, r.end, r.prot, r.attr, r.Refcount(),
		regionFlags(atomic.LoadUint32(&r.flags)))
}

// ref takes a new reference on the region.
func (r *Region) ref() {
	atomic.AddInt32(&r.refcnt, 1)
}

// unref drops a reference, returning true if it was the last one.
func (r *Region) unref() bool {
	return atomic.AddInt32(&r.refcnt, -1) == 0
}

// testFlags checks if all given flags are set.
func (r *Region) testFlags(f regionFlags) bool {
	return regionFlags(atomic.LoadUint32(&r.flags))&f == f
}

// setFlags sets the given flags.
func (r *Region) setFlags(f regionFlags) {
	for {
		old := atomic.LoadUint32(&r.flags)
		if atomic.CompareAndSwapUint32(&r.flags, old, old|uint32(f)) {
			return
		}
	}
}

// clearFlags clears the given flags.
func (r *Region) clearFlags(f regionFlags) {
	for {
		old := atomic.LoadUint32(&r.flags)
		if atomic.CompareAndSwapUint32(&r.flags, old, old&^uint32(f)) {
			return
		}
	}
}
