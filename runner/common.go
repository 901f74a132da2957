// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

// Package runner is the pair of per-conversation state machines — the
// Request Runner (sender side, spec.md §4.2) and the Indication Runner
// (receiver side, spec.md §4.3) — grounded on
// original_source/Source/ISOTP/N_USData_Request_Runner.cpp for the exact
// state table and cs104/client.go for the Go idiom (a tick-driven loop,
// checkpoint timers as time.Time, channel-serialized I/O).
package runner

import (
	"sync"
	"time"
)

// Kind discriminates a runner's role, mirroring
// N_USData_Runner::RunnerType in the reference implementation.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRequest
	KindIndication
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "RunnerRequestType"
	case KindIndication:
		return "RunnerIndicationType"
	default:
		return "RunnerUnknownType"
	}
}

// Timer is a monotonic millisecond stopwatch: start, stop, clear, elapsed,
// running-flag, exactly the Timer_N contract spec.md §4.1/§6 describes.
type Timer struct {
	running   bool
	startedAt time.Time
}

// Start (re)starts the timer from now.
func (t *Timer) Start() {
	t.running = true
	t.startedAt = time.Now()
}

// Stop deactivates the timer but keeps its start checkpoint; Elapsed reports
// 0 while the timer is stopped.
func (t *Timer) Stop() {
	t.running = false
}

// Clear deactivates the timer and resets its checkpoint.
func (t *Timer) Clear() {
	t.running = false
	t.startedAt = time.Time{}
}

// Running reports whether the timer is currently active.
func (t *Timer) Running() bool {
	return t.running
}

// Elapsed returns the time since Start, or 0 if not running.
func (t *Timer) Elapsed() time.Duration {
	if !t.running {
		return 0
	}
	return time.Since(t.startedAt)
}

// Remaining returns budget-Elapsed(), clamped to 0, or budget itself if not
// running (an inactive timer never contributes to the next wake deadline
// per spec.md §4.2's getNextRunTime()).
func (t *Timer) Remaining(budget time.Duration) time.Duration {
	if !t.running {
		return budget
	}
	left := budget - t.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// Timeouts bundles the six named ISO-TP timer budgets (spec.md GLOSSARY).
// N_As, N_Bs, N_Ar and N_Cr are fatal on overrun. N_Cs and N_Br are
// performance budgets; no runner checks them, so their overrun is neither
// fatal nor logged.
type Timeouts struct {
	NAs time.Duration
	NBs time.Duration
	NCs time.Duration
	NAr time.Duration
	NBr time.Duration
	NCr time.Duration
}

// DefaultTimeouts returns the budgets named in spec.md §4.2/§4.3 and the
// GLOSSARY: N_As/N_Ar/N_Bs/N_Cr at 1000ms, N_Br/N_Cs at 900ms.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		NAs: 1000 * time.Millisecond,
		NBs: 1000 * time.Millisecond,
		NCs: 900 * time.Millisecond,
		NAr: 1000 * time.Millisecond,
		NBr: 900 * time.Millisecond,
		NCr: 1000 * time.Millisecond,
	}
}

// Scaled multiplies every budget by factor, the mechanism behind
// Config.DebugTimeouts (ISOTP_USE_DEBUG_TIMEOUTS in the reference
// implementation, ×1e5 for step-debugging).
func (t Timeouts) Scaled(factor float64) Timeouts {
	scale := func(d time.Duration) time.Duration { return time.Duration(float64(d) * factor) }
	return Timeouts{
		NAs: scale(t.NAs), NBs: scale(t.NBs), NCs: scale(t.NCs),
		NAr: scale(t.NAr), NBr: scale(t.NBr), NCr: scale(t.NCr),
	}
}

// lockTimeout is the 100ms mutex-acquisition budget spec.md §4.2/§5
// requires. A runner method that cannot take the lock within it returns
// without acting; the runner's state and result are left unchanged.
const lockTimeout = 100 * time.Millisecond

// timeoutMutex is a channel-backed binary semaphore used in place of
// sync.Mutex to get a timed Lock, which the standard library does not
// provide and no pack example reimplements (see DESIGN.md Open Question 4).
type timeoutMutex struct {
	ch   chan struct{}
	once sync.Once
}

func (m *timeoutMutex) init() {
	m.once.Do(func() { m.ch = make(chan struct{}, 1) })
}

func (m *timeoutMutex) tryLock(timeout time.Duration) bool {
	m.init()
	select {
	case m.ch <- struct{}{}:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (m *timeoutMutex) Unlock() {
	<-m.ch
}
