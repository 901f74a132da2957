// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package frame

import "fmt"

// N_PCI high-nibble frame codes. See ISO 15765-2 and spec.md §3.
const (
	pciSF byte = 0x0
	pciFF byte = 0x1
	pciCF byte = 0x2
	pciFC byte = 0x3
)

// FlowStatus is the low nibble of an FC's first byte.
type FlowStatus uint8

const (
	ContinueToSend FlowStatus = 0
	Wait           FlowStatus = 1
	Overflow       FlowStatus = 2
)

func (f FlowStatus) String() string {
	switch f {
	case ContinueToSend:
		return "CONTINUE_TO_SEND"
	case Wait:
		return "WAIT"
	case Overflow:
		return "OVERFLOW"
	default:
		return "INVALID_FS"
	}
}

// Valid reports whether f is one of the three defined flow statuses.
func (f FlowStatus) Valid() bool {
	return f <= Overflow
}

// escapeFFThreshold is the declared length at or above which a First Frame
// must use the 4-byte escape length encoding instead of the 12-bit
// inline length.
const escapeFFThreshold = 4096

// MaxSFPayload is the largest payload a Single Frame carries.
const MaxSFPayload = 7

// MaxCFPayload is the largest payload a Consecutive Frame carries.
const MaxCFPayload = 7

// SFPDU is a decoded Single Frame.
type SFPDU struct{ Payload []byte }

// FFPDU is a decoded First Frame: the full declared SDU length and the
// leading payload bytes it carries (6 normally, 2 in escape form).
type FFPDU struct {
	Length  uint32
	Payload []byte
}

// CFPDU is a decoded Consecutive Frame.
type CFPDU struct {
	SN      uint8 // sequence number mod 16
	Payload []byte
}

// FCPDU is a decoded Flow Control frame.
type FCPDU struct {
	Status FlowStatus
	BS     uint8
	STmin  STmin
	// STminReserved is true when the wire STmin byte was a reserved value
	// and was clamped to 127ms (see DESIGN.md Open Question 3).
	STminReserved bool
}

// EncodeSF builds the dlc-sized data payload for a Single Frame. len(payload)
// must be in [0,7].
func EncodeSF(payload []byte) ([]byte, error) {
	if len(payload) > MaxSFPayload {
		return nil, fmt.Errorf("frame: SF payload length %d exceeds %d", len(payload), MaxSFPayload)
	}
	out := make([]byte, 1+len(payload))
	out[0] = (pciSF << 4) | byte(len(payload))
	copy(out[1:], payload)
	return out, nil
}

// EncodeFF builds the dlc-sized data payload for a First Frame declaring
// the given total SDU length. first is the leading payload bytes: exactly
// 6 bytes for the normal form (length < 4096), exactly 2 bytes for the
// escape form (length >= 4096).
func EncodeFF(length uint32, first []byte) ([]byte, error) {
	if length < escapeFFThreshold {
		if len(first) != 6 {
			return nil, fmt.Errorf("frame: FF normal form requires 6 leading bytes, got %d", len(first))
		}
		out := make([]byte, 8)
		out[0] = (pciFF << 4) | byte((length>>8)&0x0F)
		out[1] = byte(length & 0xFF)
		copy(out[2:], first)
		return out, nil
	}
	if len(first) != 2 {
		return nil, fmt.Errorf("frame: FF escape form requires 2 leading bytes, got %d", len(first))
	}
	out := make([]byte, 8)
	out[0] = pciFF << 4
	out[1] = 0
	out[2] = byte(length >> 24)
	out[3] = byte(length >> 16)
	out[4] = byte(length >> 8)
	out[5] = byte(length)
	copy(out[6:], first)
	return out, nil
}

// EncodeCF builds the dlc-sized data payload for a Consecutive Frame. sn is
// masked to 4 bits; len(payload) must be in [1,7].
func EncodeCF(sn uint8, payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxCFPayload {
		return nil, fmt.Errorf("frame: CF payload length %d out of range [1,%d]", len(payload), MaxCFPayload)
	}
	out := make([]byte, 1+len(payload))
	out[0] = (pciCF << 4) | (sn & 0x0F)
	copy(out[1:], payload)
	return out, nil
}

// EncodeFC builds the 3-byte data payload for a Flow Control frame.
func EncodeFC(status FlowStatus, bs uint8, st STmin) []byte {
	return []byte{(pciFC << 4) | byte(status&0x0F), bs, st.Encode()}
}

// Parse inspects the N_PCI of a received frame's data and returns the
// decoded PDU as one of *SFPDU, *FFPDU, *CFPDU, *FCPDU.
func Parse(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("frame: empty PDU")
	}
	switch data[0] >> 4 {
	case pciSF:
		l := int(data[0] & 0x0F)
		if l == 0 {
			// An SF with L=0 (PCI byte only) is permitted: an empty SDU.
			return &SFPDU{Payload: nil}, nil
		}
		if l > MaxSFPayload || len(data) < 1+l {
			return nil, fmt.Errorf("frame: malformed SF, L=%d len=%d", l, len(data))
		}
		payload := make([]byte, l)
		copy(payload, data[1:1+l])
		return &SFPDU{Payload: payload}, nil
	case pciFF:
		if len(data) < 8 {
			return nil, fmt.Errorf("frame: malformed FF, len=%d", len(data))
		}
		lowNibble := data[0] & 0x0F
		if lowNibble == 0 && data[1] == 0 {
			length := uint32(data[2])<<24 | uint32(data[3])<<16 | uint32(data[4])<<8 | uint32(data[5])
			payload := make([]byte, 2)
			copy(payload, data[6:8])
			return &FFPDU{Length: length, Payload: payload}, nil
		}
		length := uint32(lowNibble)<<8 | uint32(data[1])
		payload := make([]byte, 6)
		copy(payload, data[2:8])
		return &FFPDU{Length: length, Payload: payload}, nil
	case pciCF:
		if len(data) < 2 {
			return nil, fmt.Errorf("frame: malformed CF, len=%d", len(data))
		}
		sn := data[0] & 0x0F
		payload := make([]byte, len(data)-1)
		copy(payload, data[1:])
		return &CFPDU{SN: sn, Payload: payload}, nil
	case pciFC:
		if len(data) != 3 {
			return nil, fmt.Errorf("frame: malformed FC, len=%d want 3", len(data))
		}
		status := FlowStatus(data[0] & 0x0F)
		if !status.Valid() {
			return nil, fmt.Errorf("frame: invalid flow status 0x%x", data[0]&0x0F)
		}
		st, ok := DecodeSTmin(data[2])
		return &FCPDU{Status: status, BS: data[1], STmin: st, STminReserved: !ok}, nil
	default:
		return nil, fmt.Errorf("frame: unknown N_PCI 0x%x", data[0]>>4)
	}
}

// NeedsEscape reports whether a declared SDU length requires the FF escape
// form.
func NeedsEscape(length uint32) bool {
	return length >= escapeFFThreshold
}
