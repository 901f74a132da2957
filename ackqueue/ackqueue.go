// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

// Package ackqueue serializes link-layer writes and dispatches
// transmit-complete callbacks back to whichever runner originated each
// frame. Grounded on cs104/client.go's sendLoop/sendRaw channel (a single
// writer draining one channel so TCP writes stay ordered), generalized
// here into an explicit FIFO with an idle/in-flight poll step, because
// unlike a TCP write, an ISO-TP frame write must wait for the datalink's
// own transmit ACK and route the result back to its originating runner
// rather than firing and forgetting.
package ackqueue

import (
	"sync"
	"time"

	"github.com/marrasen/go-isotp/frame"
)

// Handle is a non-owning reference to a runner: an opaque key the
// multiplexer assigns, not a Go pointer. A runner destroyed before its ACK
// arrives calls Forget with its Handle, and the queue then drops the ACK
// (spec.md §4.4 design rationale, §4.5/§9).
type Handle uint64

// Callback receives the outcome of one frame's link-layer transmission.
type Callback interface {
	MessageACKReceived(success bool)
}

// Datalink is the external collaborator (§6): a non-blocking CAN
// interface. WriteFrame submits one frame; AckResult polls the outstanding
// write's completion.
type Datalink interface {
	WriteFrame(f frame.Frame) bool
	// AckResult reports whether the most recent WriteFrame has completed
	// (done) and, if so, whether it succeeded.
	AckResult() (done bool, success bool)
}

type entry struct {
	handle Handle
	f      frame.Frame
	cb     Callback
}

type pendingResult struct {
	handle  Handle
	cb      Callback
	success bool
}

// Queue is the single-producer-multi-consumer FIFO described in spec.md
// §4.4. RunStep and RunAvailableAckCallbacks are meant to be driven from
// the same tick loop that steps runners; callbacks never fire from inside
// RunStep, so a runner never reenters its own mutex from within the
// datalink's call stack.
type Queue struct {
	mu       sync.Mutex
	dl       Datalink
	capacity int
	fifo     []entry
	inFlight *entry
	started  time.Time
	pending  []pendingResult
}

// NewQueue creates a queue bounded to capacity entries, backed by dl.
func NewQueue(dl Datalink, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{dl: dl, capacity: capacity}
}

// WriteFrame enqueues f on behalf of handle, whose ACK callback is cb.
// Returns false if the queue is full.
func (q *Queue) WriteFrame(handle Handle, cb Callback, f frame.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.fifo) >= q.capacity {
		return false
	}
	q.fifo = append(q.fifo, entry{handle: handle, f: f, cb: cb})
	return true
}

// RunStep advances the queue by one step: if idle and non-empty, submits
// the next entry to the datalink; if a write is in flight, polls for its
// completion and stashes the result for RunAvailableAckCallbacks.
func (q *Queue) RunStep() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight == nil {
		if len(q.fifo) == 0 {
			return
		}
		next := q.fifo[0]
		q.fifo = q.fifo[1:]
		if !q.dl.WriteFrame(next.f) {
			if next.cb != nil {
				q.pending = append(q.pending, pendingResult{handle: next.handle, cb: next.cb, success: false})
			}
			return
		}
		q.inFlight = &next
		q.started = time.Now()
		return
	}

	done, success := q.dl.AckResult()
	if !done {
		return
	}
	if q.inFlight.cb != nil {
		q.pending = append(q.pending, pendingResult{handle: q.inFlight.handle, cb: q.inFlight.cb, success: success})
	}
	q.inFlight = nil
}

// RunAvailableAckCallbacks dispatches every pending (runner, result) pair
// accumulated by RunStep. Always called from the multiplexer tick, never
// from the datalink driver, so a callback may safely reenter its own
// runner's mutex.
func (q *Queue) RunAvailableAckCallbacks() {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, p := range batch {
		p.cb.MessageACKReceived(p.success)
	}
}

// Forget drops every queued, in-flight, or pending entry belonging to
// handle. Called when a runner is destroyed so a late ACK is silently
// discarded instead of invoking a callback on a dead runner.
func (q *Queue) Forget(handle Handle) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.fifo[:0]
	for _, e := range q.fifo {
		if e.handle != handle {
			kept = append(kept, e)
		}
	}
	q.fifo = kept

	if q.inFlight != nil && q.inFlight.handle == handle {
		q.inFlight.cb = nil
	}

	keptPending := q.pending[:0]
	for _, p := range q.pending {
		if p.handle != handle {
			keptPending = append(keptPending, p)
		}
	}
	q.pending = keptPending
}

// Len reports the number of queued (not yet submitted) entries. Surfaced
// via Multiplexer.QueueDepth for a caller to feed into metrics.Collector.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}
