// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSF(t *testing.T) {
	payload := []byte("patata\x00")
	require.Len(t, payload, 7)

	data, err := EncodeSF(payload)
	require.NoError(t, err)
	assert.Equal(t, byte(0x07), data[0])

	pdu, err := Parse(data)
	require.NoError(t, err)
	sf, ok := pdu.(*SFPDU)
	require.True(t, ok)
	assert.Equal(t, payload, sf.Payload)
}

func TestEncodeSFTooLong(t *testing.T) {
	_, err := EncodeSF(make([]byte, 8))
	assert.Error(t, err)
}

func TestEncodeDecodeFFNormal(t *testing.T) {
	data, err := EncodeFF(21, []byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), data[0]&0xF0)

	pdu, err := Parse(data)
	require.NoError(t, err)
	ff, ok := pdu.(*FFPDU)
	require.True(t, ok)
	assert.EqualValues(t, 21, ff.Length)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, ff.Payload)
}

func TestEncodeDecodeFFEscape(t *testing.T) {
	// S6 — 5000-byte SDU, escape form: data[0]=0x10, data[1]=0x00,
	// data[2..6]=big-endian uint32(5000).
	sdu := make([]byte, 5000)
	for i := range sdu {
		sdu[i] = byte(i)
	}
	data, err := EncodeFF(5000, sdu[:2])
	require.NoError(t, err)
	assert.Equal(t, byte(0x10), data[0])
	assert.Equal(t, byte(0x00), data[1])
	assert.Equal(t, []byte{0x00, 0x00, 0x13, 0x88}, data[2:6])

	pdu, err := Parse(data)
	require.NoError(t, err)
	ff, ok := pdu.(*FFPDU)
	require.True(t, ok)
	assert.EqualValues(t, 5000, ff.Length)
	assert.Equal(t, sdu[:2], ff.Payload)
}

func TestNeedsEscape(t *testing.T) {
	assert.False(t, NeedsEscape(4095))
	assert.True(t, NeedsEscape(4096))
}

func TestEncodeDecodeCFSequence(t *testing.T) {
	data, err := EncodeCF(1, []byte{1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	assert.Equal(t, byte(0x21), data[0])

	pdu, err := Parse(data)
	require.NoError(t, err)
	cf, ok := pdu.(*CFPDU)
	require.True(t, ok)
	assert.EqualValues(t, 1, cf.SN)
	assert.Len(t, cf.Payload, 7)

	// SN wraps 15 -> 0 mod 16.
	data, err = EncodeCF(16, []byte{1})
	require.NoError(t, err)
	pdu, err = Parse(data)
	require.NoError(t, err)
	cf = pdu.(*CFPDU)
	assert.EqualValues(t, 0, cf.SN)
}

func TestEncodeDecodeFC(t *testing.T) {
	data := EncodeFC(ContinueToSend, 8, STmin{Value: 10, Unit: UnitMS})
	require.Len(t, data, 3)

	pdu, err := Parse(data)
	require.NoError(t, err)
	fc, ok := pdu.(*FCPDU)
	require.True(t, ok)
	assert.Equal(t, ContinueToSend, fc.Status)
	assert.EqualValues(t, 8, fc.BS)
	assert.Equal(t, STmin{Value: 10, Unit: UnitMS}, fc.STmin)
	assert.False(t, fc.STminReserved)
}

func TestDecodeFCReservedSTminClamps(t *testing.T) {
	data := []byte{(pciFC << 4) | byte(ContinueToSend), 0, 0x80}
	pdu, err := Parse(data)
	require.NoError(t, err)
	fc := pdu.(*FCPDU)
	assert.True(t, fc.STminReserved)
	assert.Equal(t, STmin{Value: 127, Unit: UnitMS}, fc.STmin)
}

func TestDecodeFCInvalidFlowStatus(t *testing.T) {
	_, err := Parse([]byte{0x33, 0, 0})
	assert.Error(t, err)
}

func TestSTminUSEncoding(t *testing.T) {
	st := STmin{Value: 5, Unit: UnitUS100}
	b := st.Encode()
	assert.Equal(t, byte(0xF5), b)

	decoded, ok := DecodeSTmin(b)
	assert.True(t, ok)
	assert.Equal(t, st, decoded)
}

func TestNAISwapped(t *testing.T) {
	n := NAI{Header: 0x18, Padding: 0xCC, TAType: Physical29Bit, TA: 2, SA: 1}
	s := n.Swapped()
	assert.Equal(t, uint8(1), s.TA)
	assert.Equal(t, uint8(2), s.SA)
	assert.Equal(t, n.TAType, s.TAType)
}
