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

// Package vmevents delivers virtual memory lifecycle events, such as a
// range being unmapped or device memory being freed, to subscribed
// handlers. Events are delivered synchronously on the goroutine which
// reports them, so handlers must be fast and must not assume they can
// take arbitrary locks.
package vmevents

import (
	"fmt"
	"sync"

	logger "github.com/containers/memreg/pkg/log"
)

// EventType is a bitmask of event types.
type EventType uint32

const (
	// VMUnmap reports a range of virtual memory being unmapped.
	VMUnmap EventType = 1 << iota
	// MemTypeFree reports a device memory allocation being freed.
	MemTypeFree

	// EventMaskAll covers all known event types.
	EventMaskAll = VMUnmap | MemTypeFree
)

// String returns the names of the event types in the mask.
func (t EventType) String() string {
	s, sep := "", ""
	if t&VMUnmap != 0 {
		s, sep = s+sep+"vm-unmap", "|"
	}
	if t&MemTypeFree != 0 {
		s, sep = s+sep+"mem-type-free", "|"
	}
	if rest := t &^ EventMaskAll; rest != 0 {
		s = s + sep + fmt.Sprintf("<unknown 0x%x>", uint32(rest))
	}
	if s == "" {
		return "<none>"
	}
	return s
}

// Valid returns true if the mask contains only known event types.
func (t EventType) Valid() bool {
	return t != 0 && t&^EventMaskAll == 0
}

// Event is a single virtual memory event.
type Event struct {
	// Type is the type of the event.
	Type EventType
	// Start and End delimit the affected address range.
	Start, End uintptr
}

// String returns a string representation of the event.
func (e Event) String() string {
	return fmt.Sprintf("%s 0x%x..0x%x", e.Type, e.Start, e.End)
}

// Handler is invoked for every delivered event.
type Handler func(Event)

// Token identifies a subscription for unsubscribing.
type Token uint64

// Notifier is an event source which handlers can subscribe to.
type Notifier interface {
	// Subscribe registers a handler for the event types in mask.
	Subscribe(mask EventType, h Handler) (Token, error)
	// Unsubscribe removes a previously registered handler.
	Unsubscribe(Token) error
}

// Our logger instance.
var log = logger.NewLogger("vmevents")

// Bus is a process-local Notifier. The hooks which intercept munmap or
// device memory release calls feed it through NotifyUnmap and NotifyFree.
type Bus struct {
	sync.RWMutex
	subs   map[Token]*subscription
	nextID Token
}

type subscription struct {
	mask    EventType
	handler Handler
}

// The default process-wide event bus.
var defaultBus = NewBus()

// DefaultBus returns the process-wide event bus.
func DefaultBus() *Bus {
	return defaultBus
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Token]*subscription),
	}
}

// Subscribe registers a handler for the event types in mask.
func (b *Bus) Subscribe(mask EventType, h Handler) (Token, error) {
	if !mask.Valid() {
		return 0, eventError("invalid event mask 0x%x", uint32(mask))
	}
	if h == nil {
		return 0, eventError("nil event handler")
	}

	b.Lock()
	defer b.Unlock()

	b.nextID++
	token := b.nextID
	b.subs[token] = &subscription{mask: mask, handler: h}

	log.Debug("subscribed handler %d for %s", token, mask)
	return token, nil
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(token Token) error {
	b.Lock()
	defer b.Unlock()

	if _, ok := b.subs[token]; !ok {
		return eventError("unknown subscription token %d", token)
	}
	delete(b.subs, token)

	log.Debug("unsubscribed handler %d", token)
	return nil
}

// NotifyUnmap reports a range of virtual memory being unmapped.
func (b *Bus) NotifyUnmap(start, length uintptr) {
	b.deliver(Event{Type: VMUnmap, Start: start, End: start + length})
}

// NotifyFree reports a device memory allocation being freed.
func (b *Bus) NotifyFree(start, length uintptr) {
	b.deliver(Event{Type: MemTypeFree, Start: start, End: start + length})
}

// deliver synchronously invokes every handler subscribed to the event.
func (b *Bus) deliver(e Event) {
	if e.Start >= e.End {
		log.Warn("ignoring empty event %s", e)
		return
	}

	b.RLock()
	defer b.RUnlock()

	for _, sub := range b.subs {
		if sub.mask&e.Type != 0 {
			sub.handler(e)
		}
	}
}

// eventError returns a package-specific formatted error.
func eventError(format string, args ...interface{}) error {
	return fmt.Errorf("vmevents: "+format, args...)
}
