// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

// Package frame is the ISO-TP data model and wire codec: network addressing
// information, the four N_PCI frame shapes (SF/FF/CF/FC), STmin encoding,
// and the N_Result taxonomy. Nothing in this package blocks or allocates
// more than a single frame at a time; it is pure encode/decode.
package frame

import "fmt"

// MaxDLC is the largest payload a classical-CAN frame carries. No CAN-FD
// (variable DLC > 8) is supported.
const MaxDLC = 8

// TAType identifies whether an N_AI names a single peer or a broadcast
// group. Only the 29-bit "normal fixed" forms are supported.
type TAType uint8

const (
	// Physical addresses a single peer; bidirectional, multi-frame capable.
	Physical29Bit TAType = iota
	// Functional is one-to-many broadcast; Single-Frame only.
	Functional29Bit
)

func (t TAType) String() string {
	switch t {
	case Physical29Bit:
		return "PHYSICAL_29BIT"
	case Functional29Bit:
		return "FUNCTIONAL_29BIT"
	default:
		return "UNKNOWN_TATYPE"
	}
}

// NAI is the network addressing information: the tuple that identifies a
// peer pair and direction. Equality uses all five fields.
type NAI struct {
	Header  uint8
	Padding uint8
	TAType  TAType
	TA      uint8 // target address
	SA      uint8 // source address
}

// Equal reports whether two N_AI tuples name the same peer pair and
// direction.
func (n NAI) Equal(o NAI) bool {
	return n == o
}

// Swapped returns the N_AI as seen from the other side of the conversation:
// SA and TA exchange places, header/padding/TAType carry over unchanged.
// A runner matches an inbound frame by comparing its own N_AI against the
// sender's Swapped() view.
func (n NAI) Swapped() NAI {
	return NAI{Header: n.Header, Padding: n.Padding, TAType: n.TAType, TA: n.SA, SA: n.TA}
}

func (n NAI) String() string {
	return fmt.Sprintf("N_AI{%s SA:%02x TA:%02x}", n.TAType, n.SA, n.TA)
}

// Frame is one classical-CAN datalink frame: always an extended (29-bit)
// identifier, dlc in [1,8], carrying the N_PCI-prefixed payload.
type Frame struct {
	Identifier NAI
	DLC        uint8
	Data       [MaxDLC]byte
}

// Payload returns the frame's data bytes, sliced to DLC.
func (f Frame) Payload() []byte {
	return f.Data[:f.DLC]
}

// Result is the N_Result taxonomy: the terminal or in-progress outcome of a
// runner step, surfaced to the user via confirm/indication callbacks.
type Result uint8

const (
	NotStarted Result = iota
	InProgress
	// InProgressFF is indication-only: an Indication Runner's result from
	// construction (its FF has been observed) until it reaches a terminal
	// state. FF_indication is fired by NewIndicationRunner's onFirstFrame
	// hook, not from this value.
	InProgressFF
	NOK
	NTimeoutA
	NTimeoutBs
	NTimeoutCr
	NWrongSN
	NInvalidFS
	NUnexpPDU
	NWFTOvrn
	NBufferOvflw
	NError
)

func (r Result) String() string {
	switch r {
	case NotStarted:
		return "NOT_STARTED"
	case InProgress:
		return "IN_PROGRESS"
	case InProgressFF:
		return "IN_PROGRESS_FF"
	case NOK:
		return "N_OK"
	case NTimeoutA:
		return "N_TIMEOUT_A"
	case NTimeoutBs:
		return "N_TIMEOUT_Bs"
	case NTimeoutCr:
		return "N_TIMEOUT_Cr"
	case NWrongSN:
		return "N_WRONG_SN"
	case NInvalidFS:
		return "N_INVALID_FS"
	case NUnexpPDU:
		return "N_UNEXP_PDU"
	case NWFTOvrn:
		return "N_WFT_OVRN"
	case NBufferOvflw:
		return "N_BUFFER_OVFLW"
	case NError:
		return "N_ERROR"
	default:
		return "N_UNKNOWN"
	}
}

// Mtype is the message-type tag attached to every SDU.
type Mtype uint8

const (
	MtypeDiagnostics Mtype = iota
	MtypeUnknown
)

func (m Mtype) String() string {
	switch m {
	case MtypeDiagnostics:
		return "Diagnostics"
	default:
		return "Unknown"
	}
}
