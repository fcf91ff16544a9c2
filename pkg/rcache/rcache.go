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

// Package rcache memoizes registrations of virtual memory ranges with an
// external resource, such as pinning pages with a network adapter. A Get
// for a range already covered by a live registration of the same memory
// kind and sufficient protection reuses it; otherwise overlapping
// registrations are merged into a fresh one. Registrations invalidated
// by virtual memory events stay alive until their last user reference is
// put, then get deregistered.
package rcache

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	logger "github.com/containers/memreg/pkg/log"
	"github.com/containers/memreg/pkg/memattr"
	"github.com/containers/memreg/pkg/memprot"
	"github.com/containers/memreg/pkg/vmevents"
)

// Flags are cache-wide policy bits.
type Flags uint32

const (
	// AllowProtWidening lets a merge widen a region's protection past
	// what the OS reports for its pages. Without it a merge that would
	// need wider protection than every page supports falls back to the
	// requested protection alone.
	AllowProtWidening Flags = 1 << iota
)

// Registrar performs the external-resource side of a registration. Both
// callbacks are invoked without the cache lock held and may block.
type Registrar interface {
	// Register registers the region with the external resource. It may
	// stash per-registration state in the region payload. arg is the
	// value passed to the Get which created the region.
	Register(c *Cache, arg interface{}, r *Region) error
	// Deregister releases the external registration of the region.
	Deregister(c *Cache, r *Region) error
}

// RegionDumper is optionally implemented by a Registrar to describe its
// per-region state in diagnostic dumps.
type RegionDumper interface {
	DumpRegion(c *Cache, r *Region) string
}

// Params configures a cache.
type Params struct {
	// Name identifies the cache in logs, dumps and metrics.
	Name string
	// RegionStructSize is the total record size per region. The bytes
	// past the cache's own bookkeeping become the region payload.
	RegionStructSize uintptr
	// Alignment is applied outward to every requested interval. It
	// must be a power of two and at least the page size.
	Alignment uintptr
	// MaxAlignment caps Alignment. Zero means Alignment itself.
	MaxAlignment uintptr
	// EventMask selects the VM events to subscribe to.
	EventMask vmevents.EventType
	// MaxRegions is a soft cap on resident regions; exceeding it only
	// produces a warning. Zero means no cap.
	MaxRegions int
	// Ops performs registration and deregistration.
	Ops Registrar
	// Context is an opaque value retrievable from callbacks.
	Context interface{}
	// Flags are cache-wide policy bits.
	Flags Flags

	// Classifier determines memory kinds. Defaults to treating all
	// memory as host memory.
	Classifier memattr.Classifier
	// Notifier is the VM event source. Defaults to the process bus.
	Notifier vmevents.Notifier
	// Prober answers OS protection queries. Defaults to probing
	// /proc/self/maps.
	Prober memprot.Prober
}

// Cache is a registration cache.
type Cache struct {
	sync.RWMutex
	name        string
	params      Params
	alignment   uintptr
	payloadSize int
	classifier  memattr.Classifier
	prober      memprot.Prober
	notifier    vmevents.Notifier
	token       vmevents.Token
	pgtable     pageTable

	queueMu  sync.Mutex
	invq     *Region // FIFO of invalidated regions awaiting deregistration
	invqTail *Region

	pendMu  sync.Mutex
	pending []vmevents.Event
	pendCnt uint32 // set with pendMu held, checked without
	capWarn *rate.Limiter
	stats   stats
}

// Our logger instance.
var log = logger.NewLogger("rcache")

// capWarnInterval limits how often the soft region cap warning repeats.
const capWarnInterval = 30 * time.Second

// New validates the given parameters, subscribes to the VM event source
// and returns an empty cache.
func New(params Params) (*Cache, error) {
	if params.Ops == nil {
		return nil, rcacheError(ErrInvalidArgument, "nil registration ops")
	}
	if params.RegionStructSize < regionFootprint {
		return nil, rcacheError(ErrInvalidArgument,
			"region struct size %d below footprint %d",
			params.RegionStructSize, regionFootprint)
	}
	if !params.EventMask.Valid() {
		return nil, rcacheError(ErrInvalidArgument,
			"invalid event mask 0x%x", uint32(params.EventMask))
	}

	alignment := params.Alignment
	if alignment == 0 {
		alignment = memprot.PageSize()
	}
	if !memprot.IsPowerOfTwo(alignment) || alignment < memprot.PageSize() {
		return nil, rcacheError(ErrInvalidArgument,
			"alignment 0x%x not a power of two of at least the page size", alignment)
	}
	if max := params.MaxAlignment; max != 0 && alignment > max {
		return nil, rcacheError(ErrInvalidArgument,
			"alignment 0x%x exceeds maximum 0x%x", alignment, max)
	}

	c := &Cache{
		name:        params.Name,
		params:      params,
		alignment:   alignment,
		payloadSize: int(params.RegionStructSize - regionFootprint),
		classifier:  params.Classifier,
		prober:      params.Prober,
		notifier:    params.Notifier,
		capWarn:     rate.NewLimiter(rate.Every(capWarnInterval), 1),
	}
	if c.classifier == nil {
		c.classifier = memattr.HostClassifier{}
	}
	if c.prober == nil {
		c.prober = memprot.Default()
	}
	if c.notifier == nil {
		c.notifier = vmevents.DefaultBus()
	}

	token, err := c.notifier.Subscribe(params.EventMask, c.handleEvent)
	if err != nil {
		return nil, rcacheError(ErrNoResource,
			"failed to subscribe to VM events: %v", err)
	}
	c.token = token

	log.Info("created cache %q, alignment 0x%x, events %s",
		c.name, c.alignment, params.EventMask)
	return c, nil
}

// Name returns the name given at creation.
func (c *Cache) Name() string {
	return c.name
}

// Context returns the opaque value given at creation.
func (c *Cache) Context() interface{} {
	return c.params.Context
}

// Get returns a region covering [addr, addr+length) with at least the
// given protection, registering one if no usable region is cached. The
// returned region holds a reference the caller releases with Put.
func (c *Cache) Get(addr, length uintptr, prot memprot.Prot, arg interface{}) (*Region, error) {
	c.stats.inc(&c.stats.gets)

	if length == 0 {
		return nil, rcacheError(ErrInvalidArgument, "zero-length request at 0x%x", addr)
	}

	start := memprot.AlignDown(addr, c.alignment)
	end := memprot.AlignUp(addr+length, c.alignment)

	if atomic.LoadUint32(&c.pendCnt) != 0 {
		c.Lock()
		c.drainPendingLocked()
		c.Unlock()
	}

	c.RLock()
	if r := c.pgtable.lookup(start); r != nil &&
		r.end >= end && r.prot.Contains(prot) && !r.testFlags(flagRegistering) {
		if attr, err := c.classifier.Classify(start, end-start); err == nil && r.attr.Equal(attr) {
			r.ref()
			c.RUnlock()
			c.stats.inc(&c.stats.fastHits)
			log.Debug("%q: fast hit %s", c.name, r)
			return r, nil
		}
	}
	c.RUnlock()

	return c.getSlow(start, end, prot, arg)
}

// getSlow resolves a Get which missed the fast path: it re-checks under
// the write lock, merges overlapping regions as needed and registers a
// new region.
func (c *Cache) getSlow(start, end uintptr, prot memprot.Prot, arg interface{}) (*Region, error) {
	for {
		c.Lock()
		c.drainPendingLocked()

		attr, err := c.classifier.Classify(start, end-start)
		if err != nil {
			c.Unlock()
			return nil, err
		}

		var (
			overlaps    []*Region
			registering bool
		)
		c.pgtable.foreachRange(start, end, func(r *Region) bool {
			if r.testFlags(flagRegistering) {
				registering = true
				return false
			}
			overlaps = append(overlaps, r)
			return true
		})
		if registering {
			// Another Get is registering an overlapping region; it
			// does so without holding our lock, so wait it out and
			// either hit its result or absorb what it left behind.
			c.Unlock()
			runtime.Gosched()
			continue
		}

		if len(overlaps) == 1 {
			if r := overlaps[0]; r.start <= start && r.end >= end &&
				r.prot.Contains(prot) && r.attr.Equal(attr) {
				r.ref()
				c.Unlock()
				c.stats.inc(&c.stats.slowHits)
				log.Debug("%q: slow hit %s", c.name, r)
				return r, nil
			}
		}

		region, err := c.makeRegionLocked(start, end, prot, attr, overlaps)
		c.Unlock()
		if err != nil {
			return nil, err
		}

		if err := c.params.Ops.Register(c, arg, region); err != nil {
			c.Lock()
			if region.testFlags(flagInPgtable) {
				c.pgtable.remove(region)
				region.clearFlags(flagInPgtable | flagRegistering)
				c.Unlock()
			} else {
				// Invalidated while registering; nothing to deregister,
				// so just pull it back off the queue.
				c.Unlock()
				c.dropQueued(region)
				region.clearFlags(flagRegistering)
			}
			return nil, rcacheError(ErrIO, "register callback failed for %s: %v", region, err)
		}

		atomic.StoreInt32(&region.refcnt, 1)
		region.clearFlags(flagRegistering)
		c.stats.inc(&c.stats.registers)
		c.stats.inc(&c.stats.misses)
		log.Debug("%q: registered %s", c.name, region)

		c.reapInvalid()
		return region, nil
	}
}

// makeRegionLocked constructs a new region for the normalized request,
// absorbing the given overlapping regions per the merge rules, and
// inserts it into the page table in registering state. Called with the
// write lock held.
func (c *Cache) makeRegionLocked(start, end uintptr, prot memprot.Prot, attr memattr.Attr, overlaps []*Region) (*Region, error) {
	var (
		nstart, nend = start, end
		nprot        = prot
		same         []*Region
	)

	// Regions of a stale memory kind are superseded outright and never
	// widen the new region.
	for _, o := range overlaps {
		if !o.attr.Equal(attr) {
			continue
		}
		same = append(same, o)
		if o.start < nstart {
			nstart = o.start
		}
		if o.end > nend {
			nend = o.end
		}
		nprot |= o.prot
	}

	if len(same) > 0 && !c.protSupported(nstart, nend, nprot, attr) {
		if !c.protSupported(start, end, prot, attr) {
			return nil, rcacheError(ErrPermission,
				"pages of 0x%x..0x%x do not all support %s", start, end, prot)
		}
		// The merged protection is wider than some page supports.
		// Shrink back to the requested protection, extending the
		// interval only over regions it dominates and only if the
		// extension itself passes the check.
		nstart, nend, nprot = start, end, prot
		extStart, extEnd := start, end
		for _, o := range same {
			if !prot.Contains(o.prot) {
				continue
			}
			if o.start < extStart {
				extStart = o.start
			}
			if o.end > extEnd {
				extEnd = o.end
			}
		}
		if (extStart != start || extEnd != end) && c.protSupported(extStart, extEnd, prot, attr) {
			nstart, nend = extStart, extEnd
		}
	}

	// Every enumerated region overlaps the request and is superseded by
	// the new region, whether or not it widened the interval.
	for _, o := range overlaps {
		c.invalidateRegionLocked(o)
	}
	if len(same) > 0 {
		c.stats.inc(&c.stats.merges)
		log.Debug("%q: merged %d regions into 0x%x..0x%x %s",
			c.name, len(same), nstart, nend, nprot)
	}

	r := &Region{
		start:   nstart,
		end:     nend,
		prot:    nprot,
		attr:    attr,
		payload: make([]byte, c.payloadSize),
	}
	r.setFlags(flagInPgtable | flagRegistering)
	c.pgtable.insert(r)

	if max := c.params.MaxRegions; max > 0 && c.pgtable.size() > max && c.capWarn.Allow() {
		log.Warn("%q: %d resident regions exceed the soft cap of %d",
			c.name, c.pgtable.size(), max)
	}

	return r, nil
}

// protSupported checks that the OS-reported protection of every page in
// the range dominates prot. Device ranges are owned by their device
// runtime and are not subject to the check, nor is any range when
// protection widening is allowed by policy.
func (c *Cache) protSupported(start, end uintptr, prot memprot.Prot, attr memattr.Attr) bool {
	if c.params.Flags&AllowProtWidening != 0 {
		return true
	}
	if attr.Type() != memattr.Host {
		return true
	}
	osProt, err := c.prober.Query(start, end)
	if err != nil {
		log.Debug("%q: protection query 0x%x..0x%x failed: %v", c.name, start, end, err)
		return false
	}
	return osProt.Contains(prot)
}

// Put releases a reference taken by Get. Dropping the last reference of
// an invalidated region triggers its deregistration.
func (c *Cache) Put(r *Region) {
	c.stats.inc(&c.stats.puts)
	if r.unref() && r.testFlags(flagInvalid) {
		c.reapInvalid()
	}
}

// InvalidateRange invalidates every region intersecting the range, as if
// it had been unmapped.
func (c *Cache) InvalidateRange(start, length uintptr) {
	lo := memprot.AlignDown(start, c.alignment)
	hi := memprot.AlignUp(start+length, c.alignment)

	c.Lock()
	c.drainPendingLocked()
	c.invalidateRangeLocked(lo, hi)
	c.Unlock()

	c.reapInvalid()
}

// Close unsubscribes from the VM event source, deregisters every live
// region and renders the cache unusable. Outstanding user references at
// this point are a caller contract violation and panic.
func (c *Cache) Close() error {
	if err := c.notifier.Unsubscribe(c.token); err != nil {
		log.Error("%q: failed to unsubscribe from VM events: %v", c.name, err)
	}

	c.Lock()
	c.drainPendingLocked()
	var live []*Region
	c.pgtable.foreach(func(r *Region) bool {
		live = append(live, r)
		return true
	})
	for _, r := range live {
		c.invalidateRegionLocked(r)
	}
	c.Unlock()

	c.queueMu.Lock()
	head := c.invq
	c.invq, c.invqTail = nil, nil
	c.queueMu.Unlock()

	var errs *multierror.Error
	for r := head; r != nil; r = r.qnext {
		if n := r.Refcount(); n != 0 {
			log.Panic("%q closed with %s still referenced %d times", c.name, r, n)
		}
		if err := c.params.Ops.Deregister(c, r); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.stats.inc(&c.stats.deregisters)
	}

	log.Info("destroyed cache %q", c.name)
	return errs.ErrorOrNil()
}

// handleEvent receives VM events. Event delivery may hold locks which
// conflict with ours, so events are only recorded here; they take
// effect at the start of the next operation which takes the write lock.
func (c *Cache) handleEvent(e vmevents.Event) {
	switch e.Type {
	case vmevents.VMUnmap:
		c.stats.inc(&c.stats.unmapEvents)
	case vmevents.MemTypeFree:
		c.stats.inc(&c.stats.memFreeEvents)
	}

	c.pendMu.Lock()
	c.pending = append(c.pending, e)
	atomic.StoreUint32(&c.pendCnt, uint32(len(c.pending)))
	c.pendMu.Unlock()

	log.Debug("%q: recorded event %s", c.name, e)
}

// drainPendingLocked applies recorded VM events. Called with the write
// lock held.
func (c *Cache) drainPendingLocked() {
	if atomic.LoadUint32(&c.pendCnt) == 0 {
		return
	}

	c.pendMu.Lock()
	events := c.pending
	c.pending = nil
	atomic.StoreUint32(&c.pendCnt, 0)
	c.pendMu.Unlock()

	for _, e := range events {
		lo := memprot.AlignDown(e.Start, c.alignment)
		hi := memprot.AlignUp(e.End, c.alignment)
		c.invalidateRangeLocked(lo, hi)
	}
}

// invalidateRangeLocked invalidates every region intersecting [lo, hi).
// Called with the write lock held.
func (c *Cache) invalidateRangeLocked(lo, hi uintptr) {
	var hit []*Region
	c.pgtable.foreachRange(lo, hi, func(r *Region) bool {
		hit = append(hit, r)
		return true
	})
	for _, r := range hit {
		c.invalidateRegionLocked(r)
	}
}

// invalidateRegionLocked removes a region from the page table and parks
// it on the invalidation queue. Called with the write lock held.
func (c *Cache) invalidateRegionLocked(r *Region) {
	c.pgtable.remove(r)
	r.clearFlags(flagInPgtable)
	r.setFlags(flagInvalid)

	c.queueMu.Lock()
	r.qnext = nil
	if c.invqTail != nil {
		c.invqTail.qnext = r
	} else {
		c.invq = r
	}
	c.invqTail = r
	c.queueMu.Unlock()

	c.stats.inc(&c.stats.invalidations)
	log.Debug("%q: invalidated %s", c.name, r)
}

// dropQueued unlinks a region from the invalidation queue.
func (c *Cache) dropQueued(region *Region) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	var prev *Region
	for r := c.invq; r != nil; prev, r = r, r.qnext {
		if r != region {
			continue
		}
		if prev != nil {
			prev.qnext = r.qnext
		} else {
			c.invq = r.qnext
		}
		if c.invqTail == r {
			c.invqTail = prev
		}
		r.qnext = nil
		return
	}
}

// reapInvalid deregisters queued invalid regions with no outstanding
// references. A region still registering is left alone even at zero
// references; its fate is settled by the outcome of its register
// callback. The deregister callback runs without any cache lock.
func (c *Cache) reapInvalid() {
	var dead []*Region

	c.queueMu.Lock()
	var head, tail *Region
	for r := c.invq; r != nil; {
		next := r.qnext
		if r.Refcount() == 0 && !r.testFlags(flagRegistering) {
			r.qnext = nil
			dead = append(dead, r)
		} else {
			r.qnext = nil
			if tail != nil {
				tail.qnext = r
			} else {
				head = r
			}
			tail = r
		}
		r = next
	}
	c.invq, c.invqTail = head, tail
	c.queueMu.Unlock()

	for _, r := range dead {
		if err := c.params.Ops.Deregister(c, r); err != nil {
			log.Error("%q: deregister callback failed for %s: %v", c.name, r, err)
		}
		c.stats.inc(&c.stats.deregisters)
		log.Debug("%q: deregistered %s", c.name, r)
	}
}
