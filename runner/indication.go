// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package runner

import (
	"fmt"

	"github.com/marrasen/go-isotp/accountant"
	"github.com/marrasen/go-isotp/ackqueue"
	"github.com/marrasen/go-isotp/frame"
)

// IndicationState is a state of the Indication Runner, spec.md §4.3,
// grounded on the N_USData_Indication_Runner state table in
// original_source/Source/ISOTP/N_USData_Indication_Runner.cpp.
type IndicationState uint8

const (
	IndNotRunning IndicationState = iota
	IndSendFirstFC
	IndAwaitingFirstFCAck
	IndAwaitingCF
	IndSendFC
	IndAwaitingFCAck
	IndMessageReceived
	IndError
)

func (s IndicationState) String() string {
	switch s {
	case IndNotRunning:
		return "NOT_RUNNING"
	case IndSendFirstFC:
		return "SEND_FIRST_FC"
	case IndAwaitingFirstFCAck:
		return "AWAITING_FirstFC_ACK"
	case IndAwaitingCF:
		return "AWAITING_CF"
	case IndSendFC:
		return "SEND_FC"
	case IndAwaitingFCAck:
		return "AWAITING_FC_ACK"
	case IndMessageReceived:
		return "MESSAGE_RECEIVED"
	case IndError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IndicationRunner reassembles one inbound multi-frame transfer. A runner
// for a Single Frame never actually runs: the multiplexer decodes and
// delivers it inline, because there is nothing to reassemble or
// flow-control.
type IndicationRunner struct {
	mu timeoutMutex

	nai      frame.NAI
	mtype    frame.Mtype
	handle   ackqueue.Handle
	queue    *ackqueue.Queue
	acct     *accountant.Accountant
	reserved int64
	timeouts Timeouts

	advertiseBS    uint8
	advertiseSTmin frame.STmin

	state  IndicationState
	result frame.Result
	done   bool

	buffer       []byte
	offset       int
	expectSN     uint8
	cfThisBlock  uint8
	firstFCAcked bool

	timerAr, timerBr, timerCr Timer

	onFirstFrame func(declaredLength uint32)
	onComplete   func(data []byte, result frame.Result)
}

// NewIndicationRunner constructs an Indication Runner for a just-received
// First Frame declaring the given total length. It attempts to reserve
// length bytes against acct immediately; if that fails the runner starts
// already committed to advertising Overflow.
func NewIndicationRunner(
	nai frame.NAI,
	mtype frame.Mtype,
	declaredLength uint32,
	handle ackqueue.Handle,
	queue *ackqueue.Queue,
	acct *accountant.Accountant,
	timeouts Timeouts,
	bs uint8,
	stmin frame.STmin,
	onFirstFrame func(declaredLength uint32),
	onComplete func(data []byte, result frame.Result),
) *IndicationRunner {
	r := &IndicationRunner{
		nai: nai, mtype: mtype, handle: handle, queue: queue, acct: acct,
		timeouts: timeouts, advertiseBS: bs, advertiseSTmin: stmin,
		result: frame.InProgressFF, onFirstFrame: onFirstFrame, onComplete: onComplete,
		state: IndSendFirstFC,
	}
	if acct != nil {
		if acct.SubIfResultWouldBeGreaterThanZero(int64(declaredLength)) {
			r.reserved = int64(declaredLength)
			r.buffer = make([]byte, declaredLength)
		}
	} else {
		r.buffer = make([]byte, declaredLength)
	}
	if r.onFirstFrame != nil {
		r.onFirstFrame(declaredLength)
	}
	return r
}

// ConsumeLead copies a First Frame's leading payload bytes into the
// reassembly buffer. Called once, immediately after construction.
func (r *IndicationRunner) ConsumeLead(lead []byte) {
	if !r.mu.tryLock(lockTimeout) {
		return
	}
	defer r.mu.Unlock()
	if r.buffer == nil {
		return
	}
	copy(r.buffer, lead)
	r.offset = len(lead)
	r.expectSN = 1
}

// State returns the runner's current state.
func (r *IndicationRunner) State() IndicationState {
	if !r.mu.tryLock(lockTimeout) {
		return r.state
	}
	defer r.mu.Unlock()
	return r.state
}

// Done reports whether the runner has reached MESSAGE_RECEIVED or ERROR.
func (r *IndicationRunner) Done() bool {
	s := r.State()
	return s == IndMessageReceived || s == IndError
}

// RunStep advances the runner by one tick: issuing flow control frames and
// checking reception timeouts.
func (r *IndicationRunner) RunStep() {
	if !r.mu.tryLock(lockTimeout) {
		return
	}
	defer r.mu.Unlock()

	switch r.state {
	case IndSendFirstFC:
		r.sendFC()
	case IndSendFC:
		r.sendFC()
	case IndAwaitingFirstFCAck, IndAwaitingFCAck:
		if r.timerAr.Running() && r.timerAr.Elapsed() > r.timeouts.NAr {
			r.fail(frame.NTimeoutA)
		}
	case IndAwaitingCF:
		if r.timerCr.Running() && r.timerCr.Elapsed() > r.timeouts.NCr {
			r.fail(frame.NTimeoutCr)
		}
	}
}

func (r *IndicationRunner) sendFC() {
	status := frame.ContinueToSend
	if r.buffer == nil {
		status = frame.Overflow
	}
	payload := frame.EncodeFC(status, r.advertiseBS, r.advertiseSTmin)
	fr := frame.Frame{Identifier: r.nai.Swapped(), DLC: uint8(len(payload))}
	copy(fr.Data[:], payload)

	if !r.queue.WriteFrame(r.handle, r, fr) {
		r.fail(frame.NError)
		return
	}
	if status == frame.Overflow {
		// The write still has to complete so the ACK queue doesn't leak a
		// pending entry, but there is no buffer to fill: fail as soon as
		// the FC itself lands.
		r.done = true
		r.state = IndError
		r.result = frame.NBufferOvflw
		return
	}
	if r.state == IndSendFirstFC {
		r.state = IndAwaitingFirstFCAck
	} else {
		r.state = IndAwaitingFCAck
	}
	r.timerAr.Start()
}

// MessageACKReceived implements ackqueue.Callback for the runner's own FC
// transmissions.
func (r *IndicationRunner) MessageACKReceived(success bool) {
	if !r.mu.tryLock(lockTimeout) {
		return
	}
	defer r.mu.Unlock()

	if r.state == IndError {
		r.release()
		if r.onComplete != nil {
			r.onComplete(nil, r.result)
		}
		return
	}
	if !success {
		r.fail(frame.NError)
		return
	}

	switch r.state {
	case IndAwaitingFirstFCAck, IndAwaitingFCAck:
		r.timerAr.Clear()
		r.cfThisBlock = 0
		r.state = IndAwaitingCF
		r.timerCr.Start()
	}
}

// HandleCF processes an inbound Consecutive Frame.
func (r *IndicationRunner) HandleCF(cf frame.CFPDU) {
	if !r.mu.tryLock(lockTimeout) {
		return
	}
	defer r.mu.Unlock()

	if r.state != IndAwaitingCF {
		r.fail(frame.NUnexpPDU)
		return
	}
	if cf.SN != r.expectSN {
		r.fail(frame.NWrongSN)
		return
	}

	r.timerCr.Clear()
	n := copy(r.buffer[r.offset:], cf.Payload)
	r.offset += n
	r.expectSN = (r.expectSN + 1) & 0x0F
	r.cfThisBlock++

	if r.offset >= len(r.buffer) {
		r.succeed()
		return
	}
	if r.advertiseBS != 0 && r.cfThisBlock >= r.advertiseBS {
		r.state = IndSendFC
		return
	}
	r.timerCr.Start()
}

func (r *IndicationRunner) succeed() {
	if r.done {
		return
	}
	r.done = true
	r.state = IndMessageReceived
	r.result = frame.NOK
	r.release()
	if r.onComplete != nil {
		r.onComplete(r.buffer, frame.NOK)
	}
}

func (r *IndicationRunner) fail(result frame.Result) {
	if r.done {
		return
	}
	r.done = true
	r.state = IndError
	r.result = result
	r.release()
	if r.onComplete != nil {
		r.onComplete(nil, result)
	}
}

func (r *IndicationRunner) release() {
	r.queue.Forget(r.handle)
	if r.acct != nil && r.reserved > 0 {
		r.acct.Add(r.reserved)
	}
}

// Result returns the runner's terminal N_Result, or InProgress/InProgressFF
// before it reaches one.
func (r *IndicationRunner) Result() frame.Result {
	if !r.mu.tryLock(lockTimeout) {
		return frame.InProgress
	}
	defer r.mu.Unlock()
	return r.result
}

func (r *IndicationRunner) String() string {
	return fmt.Sprintf("IndicationRunner{%s state=%s}", r.nai, r.State())
}
