// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

// Package isotp is the multiplexer that owns every in-flight transfer on
// one CAN channel: it drains inbound frames, routes them to the runner
// they belong to (or starts a new Indication Runner for a fresh First
// Frame), steps every active runner once per tick, and drains the ACK
// queue's completion callbacks. Grounded on cs104/server.go's
// session-map-under-a-mutex shape, generalized from "accept TCP
// connections" to "poll a datalink and route parsed frames."
package isotp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marrasen/go-isotp/accountant"
	"github.com/marrasen/go-isotp/ackqueue"
	"github.com/marrasen/go-isotp/clog"
	"github.com/marrasen/go-isotp/frame"
	"github.com/marrasen/go-isotp/runner"
)

// tickResolution is how often RunStep is invoked by Run's internal loop.
// ISO-TP's tightest timer (N_Cr/N_Br at 900ms-1s) tolerates a much coarser
// tick than CAN's own bit timing, but a tick finer than STmin's floor
// (100us) would be pointless busy-work, so this sits comfortably beneath
// every budget in runner.DefaultTimeouts while staying cheap to poll.
const tickResolution = 5 * time.Millisecond

// Multiplexer owns the runner set for one CAN channel, keyed by the peer
// network address each transfer addresses or was received from.
type Multiplexer struct {
	config  Config
	handler Handler
	dl      Datalink

	queue *ackqueue.Queue
	acct  *accountant.Accountant

	// acceptedFunctionalTAs is the opt-in set of target addresses a
	// functionally-addressed (broadcast) inbound Single Frame may carry
	// (spec.md §4.5). A nil/empty set accepts no functional traffic.
	acceptedFunctionalTAs map[uint8]struct{}

	mu                sync.Mutex
	requestRunners    map[frame.NAI]*runner.RequestRunner
	indicationRunners map[frame.NAI]*runner.IndicationRunner
	nextHandle        uint64

	clog.Clog
	wg      sync.WaitGroup
	closing uint32
	stop    chan struct{}
}

// New constructs a Multiplexer bound to dl, configured by opt (NewOption()
// if the caller passes nil).
func New(dl Datalink, opt *MuxOption) *Multiplexer {
	if opt == nil {
		opt = NewOption()
	}
	tag := "isotp mux => "
	if opt.instanceName != "" {
		tag = opt.instanceName + " => "
	}
	return &Multiplexer{
		config:                opt.config,
		handler:               opt.handler,
		dl:                    dl,
		queue:                 ackqueue.NewQueue(dl, opt.config.AckQueueCapacity),
		acct:                  accountant.New(opt.config.MaxMemoryBytes),
		acceptedFunctionalTAs: opt.acceptedFunctionalTAs,
		requestRunners:        make(map[frame.NAI]*runner.RequestRunner),
		indicationRunners:     make(map[frame.NAI]*runner.IndicationRunner),
		Clog:                  clog.NewLogger(tag),
		stop:                  make(chan struct{}),
	}
}

// Request starts a new outbound transfer to nai. Returns ErrBudgetExceeded
// if the memory accountant cannot admit len(data) bytes, and a plain error
// if nai already has a transfer in flight.
func (sf *Multiplexer) Request(nai frame.NAI, mtype frame.Mtype, data []byte) error {
	if atomic.LoadUint32(&sf.closing) != 0 {
		return ErrMuxClosed
	}
	if nai.TAType == frame.Functional29Bit && len(data) > frame.MaxSFPayload {
		return ErrMessageTooLong
	}
	if !sf.acct.SubIfResultWouldBeGreaterThanZero(int64(len(data))) {
		return ErrBudgetExceeded
	}

	sf.mu.Lock()
	if _, busy := sf.requestRunners[nai]; busy {
		sf.mu.Unlock()
		sf.acct.Add(int64(len(data)))
		return errors.New("isotp: a transfer to this address is already in flight")
	}
	handle := ackqueue.Handle(atomic.AddUint64(&sf.nextHandle, 1))
	rr := runner.NewRequestRunner(nai, mtype, data, handle, sf.queue, sf.acct, sf.config.Timeouts(),
		func(result frame.Result) { sf.onRequestComplete(nai, result) })
	sf.requestRunners[nai] = rr
	sf.mu.Unlock()
	return nil
}

func (sf *Multiplexer) onRequestComplete(nai frame.NAI, result frame.Result) {
	sf.mu.Lock()
	delete(sf.requestRunners, nai)
	sf.mu.Unlock()
	sf.Debug("request to %s terminated: %s", nai, result)
	if sf.handler != nil {
		sf.handler.OnTransferComplete(nai, true, result)
	}
}

func (sf *Multiplexer) onIndicationComplete(nai frame.NAI, mtype frame.Mtype, data []byte, result frame.Result) {
	sf.mu.Lock()
	delete(sf.indicationRunners, nai)
	sf.mu.Unlock()
	sf.Debug("indication from %s terminated: %s", nai, result)
	if result == frame.NOK && sf.handler != nil {
		sf.handler.OnMessageReceived(nai, mtype, data)
	}
	if sf.handler != nil {
		sf.handler.OnTransferComplete(nai, false, result)
	}
}

// RunStep advances the multiplexer by one tick: drains every currently
// available inbound frame, steps the ACK queue, steps every active
// runner, and dispatches any ACK callbacks the queue accumulated.
func (sf *Multiplexer) RunStep() {
	for {
		fr, ok := sf.dl.ReadFrame()
		if !ok {
			break
		}
		sf.routeInbound(fr)
	}

	sf.queue.RunStep()

	sf.mu.Lock()
	requests := make([]*runner.RequestRunner, 0, len(sf.requestRunners))
	for _, r := range sf.requestRunners {
		requests = append(requests, r)
	}
	indications := make([]*runner.IndicationRunner, 0, len(sf.indicationRunners))
	for _, r := range sf.indicationRunners {
		indications = append(indications, r)
	}
	sf.mu.Unlock()

	for _, r := range requests {
		r.RunStep()
	}
	for _, r := range indications {
		r.RunStep()
	}

	sf.queue.RunAvailableAckCallbacks()
}

func (sf *Multiplexer) routeInbound(fr frame.Frame) {
	// A physically-addressed frame not carrying our own SA as its TA isn't
	// addressed to this node at all; SA==0 disables the check (spec.md §6:
	// SA is an opt-in local address, not every deployment sets one).
	if sf.config.SA != 0 && fr.Identifier.TAType == frame.Physical29Bit && fr.Identifier.TA != sf.config.SA {
		sf.Debug("dropping frame from %s not addressed to SA=%02x", fr.Identifier, sf.config.SA)
		return
	}

	pdu, err := frame.Parse(fr.Payload())
	if err != nil {
		sf.Warn("dropping malformed frame from %s: %v", fr.Identifier, err)
		return
	}

	switch v := pdu.(type) {
	case *frame.SFPDU:
		if fr.Identifier.TAType == frame.Functional29Bit {
			if _, accepted := sf.acceptedFunctionalTAs[fr.Identifier.TA]; !accepted {
				sf.Warn("functional single frame from %s with unaccepted TA, dropped", fr.Identifier)
				return
			}
		}
		sf.Debug("single frame indication from %s, %d bytes", fr.Identifier, len(v.Payload))
		if sf.handler != nil {
			sf.handler.OnMessageReceived(fr.Identifier, frame.MtypeDiagnostics, v.Payload)
		}

	case *frame.FFPDU:
		sf.mu.Lock()
		if _, busy := sf.indicationRunners[fr.Identifier]; busy {
			sf.mu.Unlock()
			sf.Warn("duplicate first frame from %s ignored", fr.Identifier)
			return
		}
		handle := ackqueue.Handle(atomic.AddUint64(&sf.nextHandle, 1))
		nai := fr.Identifier
		ir := runner.NewIndicationRunner(nai, frame.MtypeDiagnostics, v.Length, handle, sf.queue, sf.acct, sf.config.Timeouts(),
			sf.config.BlockSize, sf.config.STmin,
			func(length uint32) {
				if sf.handler != nil {
					sf.handler.OnFirstFrame(nai, length, frame.MtypeDiagnostics)
				}
			},
			func(data []byte, result frame.Result) { sf.onIndicationComplete(nai, frame.MtypeDiagnostics, data, result) })
		ir.ConsumeLead(v.Payload)
		sf.indicationRunners[nai] = ir
		sf.mu.Unlock()

	case *frame.CFPDU:
		sf.mu.Lock()
		ir, ok := sf.indicationRunners[fr.Identifier]
		sf.mu.Unlock()
		if !ok {
			sf.Warn("consecutive frame from %s with no active transfer, dropped", fr.Identifier)
			return
		}
		ir.HandleCF(*v)

	case *frame.FCPDU:
		if v.STminReserved {
			sf.Warn("flow control from %s carries a reserved STmin byte, using %s", fr.Identifier, v.STmin)
		}
		peer := fr.Identifier.Swapped()
		sf.mu.Lock()
		rr, ok := sf.requestRunners[peer]
		sf.mu.Unlock()
		if !ok {
			sf.Warn("flow control from %s with no active request, dropped", fr.Identifier)
			return
		}
		rr.HandleFC(*v)
	}
}

// Run ticks the multiplexer every tickResolution until ctx is done or
// Close is called.
func (sf *Multiplexer) Run(ctx context.Context) error {
	sf.wg.Add(1)
	defer sf.wg.Done()

	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()

	sf.Debug("multiplexer run")
	for {
		select {
		case <-ctx.Done():
			sf.Debug("multiplexer stop: %v", ctx.Err())
			return ctx.Err()
		case <-sf.stop:
			sf.Debug("multiplexer stop")
			return nil
		case <-ticker.C:
			sf.RunStep()
		}
	}
}

// Close stops Run's loop. Safe to call multiple times.
func (sf *Multiplexer) Close() error {
	if !atomic.CompareAndSwapUint32(&sf.closing, 0, 1) {
		return nil
	}
	close(sf.stop)
	return nil
}

// Shutdown calls Close and waits for Run to return, or ctx to expire.
func (sf *Multiplexer) Shutdown(ctx context.Context) error {
	if err := sf.Close(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		sf.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// ActiveTransfers reports the number of in-flight outbound and inbound
// transfers, for a caller to export (e.g. as a gauge); the metrics package
// does not call it.
func (sf *Multiplexer) ActiveTransfers() (outbound int, inbound int) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return len(sf.requestRunners), len(sf.indicationRunners)
}

// QueueDepth reports how many writes are queued behind the link but not yet
// submitted, so a caller can feed metrics.Collector.SetQueueDepth on its own
// polling interval without this package depending on metrics.
func (sf *Multiplexer) QueueDepth() int {
	return sf.queue.Len()
}
