// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package runner

import (
	"fmt"
	"time"

	"github.com/marrasen/go-isotp/accountant"
	"github.com/marrasen/go-isotp/ackqueue"
	"github.com/marrasen/go-isotp/frame"
)

// RequestState is a state of the Request Runner, spec.md §4.2, grounded on
// the N_USData_Request_Runner state table in
// original_source/Source/ISOTP/N_USData_Request_Runner.cpp.
type RequestState uint8

const (
	ReqNotRunningSF RequestState = iota
	ReqNotRunningFF
	ReqAwaitingSFAck
	ReqAwaitingFFAck
	ReqAwaitingFirstFC
	ReqAwaitingFC
	ReqSendCF
	ReqAwaitingCFAck
	ReqMessageSent
	ReqError
)

func (s RequestState) String() string {
	switch s {
	case ReqNotRunningSF:
		return "NOT_RUNNING_SF"
	case ReqNotRunningFF:
		return "NOT_RUNNING_FF"
	case ReqAwaitingSFAck:
		return "AWAITING_SF_ACK"
	case ReqAwaitingFFAck:
		return "AWAITING_FF_ACK"
	case ReqAwaitingFirstFC:
		return "AWAITING_FIRST_FC"
	case ReqAwaitingFC:
		return "AWAITING_FC"
	case ReqSendCF:
		return "SEND_CF"
	case ReqAwaitingCFAck:
		return "AWAITING_CF_ACK"
	case ReqMessageSent:
		return "MESSAGE_SENT"
	case ReqError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DefaultMaxWFT bounds the number of consecutive Wait Flow Controls a
// Request Runner tolerates before giving up with N_WFT_OVRN (spec.md §4.2
// edge case, original default wftMax=8).
const DefaultMaxWFT = 8

// RequestRunner drives one outbound multi-frame (or single-frame) transfer.
// It implements ackqueue.Callback so the ACK queue can report transmit
// completion directly back to the runner that submitted the frame.
type RequestRunner struct {
	mu timeoutMutex

	nai      frame.NAI
	mtype    frame.Mtype
	handle   ackqueue.Handle
	queue    *ackqueue.Queue
	acct     *accountant.Accountant
	reserved int64
	timeouts Timeouts
	maxWFT   uint8

	state  RequestState
	result frame.Result
	done   bool

	data   []byte
	offset int
	sn     uint8

	bs              uint8
	stmin           frame.STmin
	cfSentThisBlock uint8
	wftCount        uint8

	// heldFC is the single-frame-deep holding slot for a Flow Control that
	// arrives while the runner is still waiting on its own FF/CF transmit
	// ACK (spec.md §4.2: a legitimate FC racing ahead of the local
	// link-layer confirmation must be held, not treated as unexpected).
	// MessageACKReceived replays it once the ACK lands.
	heldFC *frame.FCPDU

	timerAs, timerBs, stMinTimer Timer

	onComplete func(frame.Result)
}

// NewRequestRunner constructs a Request Runner for one outbound SDU. The
// caller must have already reserved len(data) bytes against acct; the
// runner releases that reservation when it reaches a terminal state.
func NewRequestRunner(
	nai frame.NAI,
	mtype frame.Mtype,
	data []byte,
	handle ackqueue.Handle,
	queue *ackqueue.Queue,
	acct *accountant.Accountant,
	timeouts Timeouts,
	onComplete func(frame.Result),
) *RequestRunner {
	r := &RequestRunner{
		nai: nai, mtype: mtype, data: data,
		handle: handle, queue: queue, acct: acct, reserved: int64(len(data)),
		timeouts: timeouts, maxWFT: DefaultMaxWFT,
		result: frame.NotStarted, onComplete: onComplete,
	}
	if len(data) <= frame.MaxSFPayload {
		r.state = ReqNotRunningSF
	} else {
		r.state = ReqNotRunningFF
	}
	return r
}

// State returns the runner's current state (for the multiplexer's
// terminal-state check and tests).
func (r *RequestRunner) State() RequestState {
	if !r.mu.tryLock(lockTimeout) {
		return r.state
	}
	defer r.mu.Unlock()
	return r.state
}

// Done reports whether the runner has reached MESSAGE_SENT or ERROR.
func (r *RequestRunner) Done() bool {
	s := r.State()
	return s == ReqMessageSent || s == ReqError
}

// RunStep advances the runner by one tick: issuing the initial frame,
// checking timeouts, and pacing consecutive frames against STmin.
func (r *RequestRunner) RunStep() {
	if !r.mu.tryLock(lockTimeout) {
		return
	}
	defer r.mu.Unlock()

	switch r.state {
	case ReqNotRunningSF:
		r.beginSF()
	case ReqNotRunningFF:
		r.beginFF()
	case ReqAwaitingSFAck, ReqAwaitingFFAck, ReqAwaitingCFAck:
		r.checkTimeout(&r.timerAs, r.timeouts.NAs, frame.NTimeoutA)
	case ReqAwaitingFirstFC, ReqAwaitingFC:
		r.checkTimeout(&r.timerBs, r.timeouts.NBs, frame.NTimeoutBs)
	case ReqSendCF:
		if r.stMinTimer.Elapsed() >= r.stmin.Duration() {
			r.sendNextCF()
		}
	}
}

func (r *RequestRunner) checkTimeout(t *Timer, budget time.Duration, result frame.Result) {
	if t.Running() && t.Elapsed() > budget {
		r.fail(result)
	}
}

func (r *RequestRunner) beginSF() {
	payload, err := frame.EncodeSF(r.data)
	if err != nil {
		r.fail(frame.NError)
		return
	}
	if !r.submit(payload) {
		return
	}
	r.state = ReqAwaitingSFAck
	r.timerAs.Start()
}

func (r *RequestRunner) beginFF() {
	length := uint32(len(r.data))
	leadLen := 6
	if frame.NeedsEscape(length) {
		leadLen = 2
	}
	lead := r.data[:leadLen]
	payload, err := frame.EncodeFF(length, lead)
	if err != nil {
		r.fail(frame.NError)
		return
	}
	if !r.submit(payload) {
		return
	}
	r.offset = leadLen
	r.sn = 1
	r.state = ReqAwaitingFFAck
	r.timerAs.Start()
}

func (r *RequestRunner) submit(payload []byte) bool {
	fr := frame.Frame{Identifier: r.nai}
	fr.DLC = uint8(len(payload))
	copy(fr.Data[:], payload)
	if !r.queue.WriteFrame(r.handle, r, fr) {
		r.fail(frame.NError)
		return false
	}
	return true
}

// MessageACKReceived implements ackqueue.Callback: the link-layer
// transmission of the runner's most recently submitted frame has
// completed.
func (r *RequestRunner) MessageACKReceived(success bool) {
	if !r.mu.tryLock(lockTimeout) {
		return
	}
	defer r.mu.Unlock()

	if !success {
		r.fail(frame.NError)
		return
	}

	switch r.state {
	case ReqAwaitingSFAck:
		r.timerAs.Clear()
		r.succeed()
	case ReqAwaitingFFAck:
		r.timerAs.Clear()
		r.state = ReqAwaitingFirstFC
		r.wftCount = 0
		r.timerBs.Start()
		r.consumeHeldFC()
	case ReqAwaitingCFAck:
		r.timerAs.Clear()
		r.onCFAcked()
		r.consumeHeldFC()
	}
}

// HandleFC processes an inbound Flow Control frame addressed to this
// runner. The multiplexer calls this directly (not via RunStep) as soon as
// the frame is parsed off the wire.
//
// An FC can legitimately arrive while the runner is still
// AWAITING_FF_ACK/AWAITING_CF_ACK: the peer's FC is racing the local
// datalink's own transmit confirmation for the frame that provoked it. That
// is not a protocol violation, so instead of failing with N_UNEXP_PDU the
// runner holds the single most recent such FC and replays it as soon as
// MessageACKReceived advances past the ack wait (spec.md §4.2).
func (r *RequestRunner) HandleFC(fc frame.FCPDU) {
	if !r.mu.tryLock(lockTimeout) {
		return
	}
	defer r.mu.Unlock()

	switch r.state {
	case ReqAwaitingFirstFC, ReqAwaitingFC:
		r.processFC(fc)
	case ReqAwaitingFFAck, ReqAwaitingCFAck:
		r.heldFC = &fc
	default:
		r.fail(frame.NUnexpPDU)
	}
}

// processFC applies one Flow Control to the runner. Called either directly
// from HandleFC (when the runner is already waiting on a FC) or from
// consumeHeldFC, replaying an FC that arrived too early.
func (r *RequestRunner) processFC(fc frame.FCPDU) {
	switch fc.Status {
	case frame.ContinueToSend:
		r.timerBs.Clear()
		r.bs = fc.BS
		r.stmin = fc.STmin
		r.cfSentThisBlock = 0
		r.state = ReqSendCF
		r.stMinTimer.Clear()
		r.sendNextCF()
	case frame.Wait:
		r.wftCount++
		if r.wftCount > r.maxWFT {
			r.fail(frame.NWFTOvrn)
			return
		}
		r.timerBs.Start()
		r.state = ReqAwaitingFC
	case frame.Overflow:
		// OVERFLOW is only meaningful as the reply to the First Frame.
		if r.state == ReqAwaitingFirstFC {
			r.fail(frame.NBufferOvflw)
			return
		}
		r.fail(frame.NInvalidFS)
	default:
		r.fail(frame.NInvalidFS)
	}
}

// consumeHeldFC replays a Flow Control held by HandleFC, if one is waiting
// and the runner has reached a state that expects one.
func (r *RequestRunner) consumeHeldFC() {
	if r.heldFC == nil {
		return
	}
	if r.state != ReqAwaitingFirstFC && r.state != ReqAwaitingFC {
		return
	}
	fc := *r.heldFC
	r.heldFC = nil
	r.processFC(fc)
}

func (r *RequestRunner) sendNextCF() {
	remaining := r.data[r.offset:]
	n := len(remaining)
	if n > frame.MaxCFPayload {
		n = frame.MaxCFPayload
	}
	payload, err := frame.EncodeCF(r.sn, remaining[:n])
	if err != nil {
		r.fail(frame.NError)
		return
	}
	if !r.submit(payload) {
		return
	}
	r.state = ReqAwaitingCFAck
	r.timerAs.Start()
}

func (r *RequestRunner) onCFAcked() {
	n := len(r.data[r.offset:])
	if n > frame.MaxCFPayload {
		n = frame.MaxCFPayload
	}
	r.offset += n
	r.sn = (r.sn + 1) & 0x0F
	r.cfSentThisBlock++

	if r.offset >= len(r.data) {
		r.succeed()
		return
	}
	if r.bs != 0 && r.cfSentThisBlock >= r.bs {
		r.state = ReqAwaitingFC
		r.timerBs.Start()
		return
	}
	r.state = ReqSendCF
	r.stMinTimer.Start()
}

func (r *RequestRunner) succeed() {
	if r.done {
		return
	}
	r.done = true
	r.state = ReqMessageSent
	r.result = frame.NOK
	r.release()
	if r.onComplete != nil {
		r.onComplete(frame.NOK)
	}
}

func (r *RequestRunner) fail(result frame.Result) {
	if r.done {
		return
	}
	r.done = true
	r.state = ReqError
	r.result = result
	r.release()
	if r.onComplete != nil {
		r.onComplete(result)
	}
}

func (r *RequestRunner) release() {
	r.queue.Forget(r.handle)
	if r.acct != nil {
		r.acct.Add(r.reserved)
	}
}

// Result returns the runner's terminal N_Result, or NotStarted/InProgress
// before it reaches one.
func (r *RequestRunner) Result() frame.Result {
	if !r.mu.tryLock(lockTimeout) {
		return frame.InProgress
	}
	defer r.mu.Unlock()
	return r.result
}

func (r *RequestRunner) String() string {
	return fmt.Sprintf("RequestRunner{%s state=%s}", r.nai, r.State())
}
