// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package isotp

import "github.com/marrasen/go-isotp/frame"

// Datalink is the external collaborator the multiplexer drains inbound
// frames from and submits outbound frames to (spec.md §6). ReadFrame must
// be non-blocking: it is polled once per multiplexer tick.
type Datalink interface {
	WriteFrame(f frame.Frame) bool
	AckResult() (done bool, success bool)
	ReadFrame() (f frame.Frame, ok bool)
}

// Handler receives the terminal events of every transfer the multiplexer
// drives.
type Handler interface {
	// OnFirstFrame fires once per inbound multi-frame transfer, immediately
	// after its First Frame is received and the Indication Runner for it
	// constructed (spec.md §4.6's FF_indication), well before reassembly
	// completes.
	OnFirstFrame(nai frame.NAI, length uint32, mtype frame.Mtype)
	// OnMessageReceived fires once, when an inbound transfer completes
	// successfully (spec.md §4.3's MESSAGE_RECEIVED), and once for every
	// accepted inbound Single Frame.
	OnMessageReceived(nai frame.NAI, mtype frame.Mtype, data []byte)
	// OnTransferComplete fires once for every outbound transfer and every
	// inbound multi-frame transfer that reaches a terminal state, success or
	// failure. Inbound Single Frames are reported through OnMessageReceived
	// only.
	OnTransferComplete(nai frame.NAI, outbound bool, result frame.Result)
}
