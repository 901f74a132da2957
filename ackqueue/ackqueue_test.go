// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package ackqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marrasen/go-isotp/frame"
)

// fakeDatalink completes each write immediately with a scripted result.
type fakeDatalink struct {
	writes   []frame.Frame
	succeed  bool
	inFlight bool
	acked    bool
}

func (f *fakeDatalink) WriteFrame(fr frame.Frame) bool {
	f.writes = append(f.writes, fr)
	f.inFlight = true
	f.acked = false
	return true
}

func (f *fakeDatalink) AckResult() (bool, bool) {
	if !f.inFlight {
		return false, false
	}
	f.inFlight = false
	return true, f.succeed
}

type captureCallback struct {
	calls []bool
}

func (c *captureCallback) MessageACKReceived(success bool) {
	c.calls = append(c.calls, success)
}

func TestWriteFrameAndAckDispatch(t *testing.T) {
	dl := &fakeDatalink{succeed: true}
	q := NewQueue(dl, 4)
	cb := &captureCallback{}

	ok := q.WriteFrame(Handle(1), cb, frame.Frame{})
	require.True(t, ok)

	q.RunStep() // submits to datalink
	require.Len(t, dl.writes, 1)

	q.RunStep() // polls ACK, success
	q.RunAvailableAckCallbacks()

	require.Len(t, cb.calls, 1)
	assert.True(t, cb.calls[0])
}

func TestQueueFullRejectsWrite(t *testing.T) {
	dl := &fakeDatalink{succeed: true}
	q := NewQueue(dl, 1)
	cb := &captureCallback{}

	require.True(t, q.WriteFrame(Handle(1), cb, frame.Frame{}))
	assert.False(t, q.WriteFrame(Handle(2), cb, frame.Frame{}))
}

func TestOrderingPreservedAcrossMultipleWrites(t *testing.T) {
	dl := &fakeDatalink{succeed: true}
	q := NewQueue(dl, 4)
	cb1, cb2 := &captureCallback{}, &captureCallback{}

	require.True(t, q.WriteFrame(Handle(1), cb1, frame.Frame{DLC: 1}))
	require.True(t, q.WriteFrame(Handle(2), cb2, frame.Frame{DLC: 2}))

	for i := 0; i < 4; i++ {
		q.RunStep()
	}
	q.RunAvailableAckCallbacks()

	require.Len(t, dl.writes, 2)
	assert.EqualValues(t, 1, dl.writes[0].DLC)
	assert.EqualValues(t, 2, dl.writes[1].DLC)
	assert.Len(t, cb1.calls, 1)
	assert.Len(t, cb2.calls, 1)
}

func TestForgetDropsLateAck(t *testing.T) {
	dl := &fakeDatalink{succeed: true}
	q := NewQueue(dl, 4)
	cb := &captureCallback{}

	require.True(t, q.WriteFrame(Handle(7), cb, frame.Frame{}))
	q.RunStep() // now in flight
	q.Forget(Handle(7))
	q.RunStep() // polls ack, should not dispatch
	q.RunAvailableAckCallbacks()

	assert.Empty(t, cb.calls)
}

func TestForgetDropsQueuedEntry(t *testing.T) {
	dl := &fakeDatalink{succeed: true}
	q := NewQueue(dl, 4)
	cb1, cb2 := &captureCallback{}, &captureCallback{}

	require.True(t, q.WriteFrame(Handle(1), cb1, frame.Frame{}))
	require.True(t, q.WriteFrame(Handle(2), cb2, frame.Frame{}))
	q.Forget(Handle(2))

	for i := 0; i < 4; i++ {
		q.RunStep()
	}
	q.RunAvailableAckCallbacks()

	assert.Len(t, cb1.calls, 1)
	assert.Empty(t, cb2.calls)
	assert.Len(t, dl.writes, 1)
}

func TestWriteFailureDispatchesFailureCallback(t *testing.T) {
	q := NewQueue(&rejectingDatalink{}, 4)
	cb := &captureCallback{}
	require.True(t, q.WriteFrame(Handle(1), cb, frame.Frame{}))

	q.RunStep()
	q.RunAvailableAckCallbacks()

	require.Len(t, cb.calls, 1)
	assert.False(t, cb.calls[0])
}

type rejectingDatalink struct{}

func (rejectingDatalink) WriteFrame(frame.Frame) bool { return false }
func (rejectingDatalink) AckResult() (bool, bool)     { return false, false }
