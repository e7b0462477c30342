// Copyright 2021-2022 Peter Bigot Consulting, LLC
// SPDX-License-Identifier: Apache-2.0

package influxpool

import (
	"sync"

	lw "github.com/pabigot/logwrap"
	"github.com/pabigot/set"
)

// EventKind identifies the activity that produced an Event.
type EventKind string

const (
	// EventQueue is emitted when a write or query is added to a queue.
	// Event.Type identifies which.
	EventQueue EventKind = "queue"

	// EventWriteQueue is emitted when a point is added to the write
	// queue.  The event carries the point content.
	EventWriteQueue EventKind = "writeQueue"

	// EventInvalidFields is emitted when schema validation drops fields
	// from a point.
	EventInvalidFields EventKind = "invalid-fields"

	// EventInvalidTags is emitted when schema validation drops tags from
	// a point.
	EventInvalidTags EventKind = "invalid-tags"
)

// Event describes client activity for instrumentation.  Only the members
// relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Type is "write" or "query" for EventQueue.
	Type string

	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}

	// Query holds the statement text for a queued query.
	Query string

	// Failures lists the validation failures ordered by key.
	Failures []ValidationFailure
}

type eventSub struct {
	ch      chan Event
	kinds   set.Set[EventKind]
	dropped int
}

// eventHub delivers events to subscribers in registration order.  Delivery
// never blocks: an event is dropped for a subscriber whose channel is full.
type eventHub struct {
	mu   sync.Mutex
	subs []*eventSub
}

func (h *eventHub) subscribe(cap int, kinds []EventKind) <-chan Event {
	if cap < 1 {
		cap = 1
	}
	sub := &eventSub{
		ch:    make(chan Event, cap),
		kinds: set.MakeSet[EventKind](kinds...),
	}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return sub.ch
}

// unsubscribe returns the number of events that were dropped because the
// channel was full.
func (h *eventHub) unsubscribe(ch <-chan Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub.ch == ch {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			close(sub.ch)
			return sub.dropped
		}
	}
	return 0
}

func (h *eventHub) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if len(sub.kinds) != 0 && !sub.kinds.Has(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		close(sub.ch)
	}
	h.subs = nil
}

// RequestEventChan returns a buffered channel that receives events of the
// given kinds, or of every kind if none are given.  cap specifies the channel
// capacity; values less than 1 are silently replaced by 1.  Events that
// arrive while the channel is full are dropped.
//
// Channels are offered each event in the order they were requested.
func (c *Client) RequestEventChan(cap int, kinds ...EventKind) <-chan Event {
	return c.events.subscribe(cap, kinds)
}

// ReleaseEventChan informs the Client that the provided event channel is no
// longer needed.  No further events will be sent on it, and it will be
// closed.
func (c *Client) ReleaseEventChan(ch <-chan Event) {
	if n := c.events.unsubscribe(ch); n > 0 {
		lw.MakePriPr(c.log).I("released event channel had dropped %d events", n)
	}
}
