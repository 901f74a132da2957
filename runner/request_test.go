// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/go-isotp/accountant"
	"github.com/marrasen/go-isotp/ackqueue"
	"github.com/marrasen/go-isotp/frame"
)

// immediateLink completes every write on the next RunStep call.
type immediateLink struct {
	succeed bool
	frames  []frame.Frame
	pending bool
}

func (l *immediateLink) WriteFrame(f frame.Frame) bool {
	l.frames = append(l.frames, f)
	l.pending = true
	return true
}

func (l *immediateLink) AckResult() (bool, bool) {
	if !l.pending {
		return false, false
	}
	l.pending = false
	return true, l.succeed
}

func pump(q *ackqueue.Queue, n int) {
	for i := 0; i < n; i++ {
		q.RunStep()
		q.RunAvailableAckCallbacks()
	}
}

func testNAI() frame.NAI {
	return frame.NAI{TAType: frame.Physical29Bit, SA: 0x01, TA: 0x02}
}

func TestRequestRunnerSingleFrame(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)
	require.True(t, acct.SubIfResultWouldBeGreaterThanZero(3))

	var result frame.Result
	done := false
	r := NewRequestRunner(testNAI(), frame.MtypeDiagnostics, []byte{1, 2, 3}, ackqueue.Handle(1), q, acct, DefaultTimeouts(),
		func(res frame.Result) { result = res; done = true })

	assert.Equal(t, ReqNotRunningSF, r.State())
	r.RunStep()
	assert.Equal(t, ReqAwaitingSFAck, r.State())

	pump(q, 2)

	require.True(t, done)
	assert.Equal(t, frame.NOK, result)
	assert.Equal(t, ReqMessageSent, r.State())

	v, _ := acct.Get()
	assert.EqualValues(t, 1000, v, "reservation released back to the accountant")
}

func TestRequestRunnerMultiFrameHappyPath(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)

	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	require.True(t, acct.SubIfResultWouldBeGreaterThanZero(int64(len(data))))

	var result frame.Result
	r := NewRequestRunner(testNAI(), frame.MtypeDiagnostics, data, ackqueue.Handle(2), q, acct, DefaultTimeouts(),
		func(res frame.Result) { result = res })

	assert.Equal(t, ReqNotRunningFF, r.State())
	r.RunStep() // submits FF
	assert.Equal(t, ReqAwaitingFFAck, r.State())
	pump(q, 2)
	assert.Equal(t, ReqAwaitingFirstFC, r.State())

	r.HandleFC(frame.FCPDU{Status: frame.ContinueToSend, BS: 0, STmin: frame.STmin{Value: 0, Unit: frame.UnitMS}})
	assert.Equal(t, ReqAwaitingCFAck, r.State())
	pump(q, 2)

	for !r.Done() {
		r.RunStep()
		pump(q, 2)
	}

	assert.Equal(t, frame.NOK, result)
	assert.Equal(t, ReqMessageSent, r.State())

	payload := make([]byte, 0, 20)
	for _, fr := range link.frames[1:] {
		payload = append(payload, fr.Payload()[1:]...)
	}
	assert.Equal(t, data[6:], payload)
}

// TestRequestRunnerFCRacesLocalAck exercises the held-frame path: the peer's
// Flow Control arrives before this runner's own FF transmit ACK has landed,
// a normal race whenever the peer replies faster than the local link signals
// TX-complete. The runner must hold the FC and replay it once the ACK
// arrives, not fail with N_UNEXP_PDU.
func TestRequestRunnerFCRacesLocalAck(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	require.True(t, acct.SubIfResultWouldBeGreaterThanZero(int64(len(data))))

	var result frame.Result
	r := NewRequestRunner(testNAI(), frame.MtypeDiagnostics, data, ackqueue.Handle(6), q, acct, DefaultTimeouts(),
		func(res frame.Result) { result = res })

	r.RunStep() // submits FF, enters AWAITING_FF_ACK
	assert.Equal(t, ReqAwaitingFFAck, r.State())

	// The FC lands before the queue has even stepped once: the FF's own
	// transmit ACK hasn't arrived yet.
	r.HandleFC(frame.FCPDU{Status: frame.ContinueToSend, BS: 0, STmin: frame.STmin{Value: 0, Unit: frame.UnitMS}})
	assert.Equal(t, ReqAwaitingFFAck, r.State(), "an early FC must be held, not processed or rejected")

	pump(q, 2) // delivers the FF's transmit ACK, should replay the held FC
	assert.Equal(t, ReqAwaitingCFAck, r.State(), "the held FC should be replayed as soon as the FF ACK lands")
	pump(q, 2)

	for !r.Done() {
		r.RunStep()
		pump(q, 2)
	}

	assert.Equal(t, frame.NOK, result)
	assert.Equal(t, ReqMessageSent, r.State())
}

func TestRequestRunnerWFTOverrun(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)
	data := make([]byte, 20)
	require.True(t, acct.SubIfResultWouldBeGreaterThanZero(int64(len(data))))

	var result frame.Result
	r := NewRequestRunner(testNAI(), frame.MtypeDiagnostics, data, ackqueue.Handle(3), q, acct, DefaultTimeouts(),
		func(res frame.Result) { result = res })
	r.maxWFT = 2

	r.RunStep()
	pump(q, 2)
	require.Equal(t, ReqAwaitingFirstFC, r.State())

	for i := 0; i < 3; i++ {
		r.HandleFC(frame.FCPDU{Status: frame.Wait})
	}

	assert.Equal(t, ReqError, r.State())
	assert.Equal(t, frame.NWFTOvrn, result)
}

func TestRequestRunnerOverflowFC(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)
	data := make([]byte, 20)
	require.True(t, acct.SubIfResultWouldBeGreaterThanZero(int64(len(data))))

	var result frame.Result
	r := NewRequestRunner(testNAI(), frame.MtypeDiagnostics, data, ackqueue.Handle(4), q, acct, DefaultTimeouts(),
		func(res frame.Result) { result = res })

	r.RunStep()
	pump(q, 2)
	r.HandleFC(frame.FCPDU{Status: frame.Overflow})

	assert.Equal(t, ReqError, r.State())
	assert.Equal(t, frame.NBufferOvflw, result)

	v, _ := acct.Get()
	assert.EqualValues(t, 1000, v)
}

func TestRequestRunnerLinkFailure(t *testing.T) {
	link := &immediateLink{succeed: false}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)
	require.True(t, acct.SubIfResultWouldBeGreaterThanZero(3))

	var result frame.Result
	r := NewRequestRunner(testNAI(), frame.MtypeDiagnostics, []byte{1, 2, 3}, ackqueue.Handle(5), q, acct, DefaultTimeouts(),
		func(res frame.Result) { result = res })

	r.RunStep()
	pump(q, 2)

	assert.Equal(t, ReqError, r.State())
	assert.Equal(t, frame.NError, result)
}
