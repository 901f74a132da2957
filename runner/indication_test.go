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

func TestIndicationRunnerHappyPath(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)

	var result frame.Result
	var received []byte
	var declaredLength uint32
	r := NewIndicationRunner(testNAI(), frame.MtypeDiagnostics, 20, ackqueue.Handle(10), q, acct, DefaultTimeouts(),
		0, frame.STmin{Value: 0, Unit: frame.UnitMS},
		func(length uint32) { declaredLength = length },
		func(data []byte, res frame.Result) { received = data; result = res })

	lead := make([]byte, 6)
	for i := range lead {
		lead[i] = byte(i)
	}
	r.ConsumeLead(lead)

	assert.Equal(t, IndSendFirstFC, r.State())
	r.RunStep()
	assert.Equal(t, IndAwaitingFirstFCAck, r.State())
	pump(q, 2)
	assert.Equal(t, IndAwaitingCF, r.State())

	r.HandleCF(frame.CFPDU{SN: 1, Payload: []byte{6, 7, 8, 9, 10, 11, 12}})
	assert.Equal(t, IndAwaitingCF, r.State())
	r.HandleCF(frame.CFPDU{SN: 2, Payload: []byte{13, 14, 15, 16, 17, 18, 19}})

	require.True(t, r.Done())
	assert.Equal(t, frame.NOK, result)
	require.Len(t, received, 20)
	for i, b := range received {
		assert.EqualValues(t, i, b)
	}

	v, _ := acct.Get()
	assert.EqualValues(t, 1000, v)
	assert.EqualValues(t, 20, declaredLength, "onFirstFrame should fire with the FF's declared length")
}

func TestIndicationRunnerWrongSN(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)

	var result frame.Result
	r := NewIndicationRunner(testNAI(), frame.MtypeDiagnostics, 20, ackqueue.Handle(11), q, acct, DefaultTimeouts(),
		0, frame.STmin{Value: 0, Unit: frame.UnitMS}, nil,
		func(data []byte, res frame.Result) { result = res })
	r.ConsumeLead(make([]byte, 6))
	r.RunStep()
	pump(q, 2)
	require.Equal(t, IndAwaitingCF, r.State())

	r.HandleCF(frame.CFPDU{SN: 5, Payload: []byte{1}})

	assert.Equal(t, IndError, r.State())
	assert.Equal(t, frame.NWrongSN, result)
}

func TestIndicationRunnerBlockSizeTriggersFC(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(1000)

	r := NewIndicationRunner(testNAI(), frame.MtypeDiagnostics, 20, ackqueue.Handle(12), q, acct, DefaultTimeouts(),
		1, frame.STmin{Value: 0, Unit: frame.UnitMS}, nil, nil)
	r.ConsumeLead(make([]byte, 6))
	r.RunStep()
	pump(q, 2)
	require.Equal(t, IndAwaitingCF, r.State())

	r.HandleCF(frame.CFPDU{SN: 1, Payload: []byte{0, 1, 2, 3, 4, 5, 6}})
	assert.Equal(t, IndSendFC, r.State())

	r.RunStep()
	assert.Equal(t, IndAwaitingFCAck, r.State())
	pump(q, 2)
	assert.Equal(t, IndAwaitingCF, r.State())
}

func TestIndicationRunnerOverflowWhenAccountantExhausted(t *testing.T) {
	link := &immediateLink{succeed: true}
	q := ackqueue.NewQueue(link, 4)
	acct := accountant.New(10) // far below the declared 20-byte SDU

	var result frame.Result
	done := make(chan struct{})
	r := NewIndicationRunner(testNAI(), frame.MtypeDiagnostics, 20, ackqueue.Handle(13), q, acct, DefaultTimeouts(),
		0, frame.STmin{Value: 0, Unit: frame.UnitMS}, nil,
		func(data []byte, res frame.Result) { result = res; close(done) })

	r.RunStep()
	pump(q, 2)

	<-done
	assert.Equal(t, IndError, r.State())
	assert.Equal(t, frame.NBufferOvflw, result)

	v, _ := acct.Get()
	assert.EqualValues(t, 10, v, "nothing was reserved since admission failed up front")
}
