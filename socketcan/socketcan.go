// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

// Package socketcan is the real-world isotp.Datalink: a classical-CAN
// CAN_RAW socket bound to one Linux network interface. Grounded on
// ehrlich-b-go-ublk's internal/uring package, which wires
// golang.org/x/sys/unix directly against raw Linux syscalls rather than a
// higher-level wrapper; this package borrows the same "talk to the kernel
// through golang.org/x/sys/unix, by hand" posture, retargeted from
// io_uring control commands to AF_CAN socket I/O.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/marrasen/go-isotp/frame"
)

// effFlag marks a classical-CAN arbitration ID as 29-bit extended, per
// linux/can.h. effMask isolates the 29 significant bits.
const (
	effFlag = 0x80000000
	effMask = 0x1FFFFFFF
)

// PDU format bytes for ISO 15765-4 "normal fixed" addressing: bits 23-16 of
// the 29-bit identifier distinguish a physically-addressed diagnostic
// request from a functionally-addressed (broadcast) one.
const (
	pduFormatPhysical   = 0xDA
	pduFormatFunctional = 0xDB
)

// canFrameLen is sizeof(struct can_frame): 4-byte ID, 1-byte DLC, 3 bytes
// padding, 8 bytes of data.
const canFrameLen = 16

// Link is a CAN_RAW socket bound to one interface, implementing both
// ackqueue.Datalink (WriteFrame/AckResult) and isotp.Datalink (+ReadFrame).
// The kernel's write(2) on a CAN_RAW socket either queues the frame for
// transmission or fails outright — there is no separate hardware ACK this
// socket can observe — so WriteFrame's result is already known by the time
// AckResult is first polled.
type Link struct {
	fd      int
	ifname  string
	pending *bool
}

// Open binds a CAN_RAW socket to ifname (e.g. "can0") in non-blocking
// mode.
func Open(ifname string) (*Link, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socketcan: socket: %w", err)
	}

	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: lookup %s: %w", ifname, err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: bind %s: %w", ifname, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("socketcan: set nonblocking: %w", err)
	}

	return &Link{fd: fd, ifname: ifname}, nil
}

// Close releases the underlying socket.
func (l *Link) Close() error {
	return unix.Close(l.fd)
}

// identifierFor builds the 29-bit normal-fixed CAN arbitration ID for nai:
// priority byte | PDU format | target address | source address.
func identifierFor(nai frame.NAI) uint32 {
	format := uint32(pduFormatPhysical)
	if nai.TAType == frame.Functional29Bit {
		format = pduFormatFunctional
	}
	return (uint32(nai.Header) << 24) | (format << 16) | (uint32(nai.TA) << 8) | uint32(nai.SA)
}

// naiFromIdentifier is identifierFor's inverse, used to reconstruct an
// NAI from a received frame's arbitration ID.
func naiFromIdentifier(id uint32) frame.NAI {
	header := uint8(id >> 24)
	format := uint8(id >> 16)
	ta := uint8(id >> 8)
	sa := uint8(id)
	taType := frame.Physical29Bit
	if format == pduFormatFunctional {
		taType = frame.Functional29Bit
	}
	return frame.NAI{Header: header, TAType: taType, TA: ta, SA: sa}
}

func encodeCANFrame(f frame.Frame) []byte {
	buf := make([]byte, canFrameLen)
	id := identifierFor(f.Identifier)&effMask | effFlag
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:8+f.DLC], f.Data[:f.DLC])
	return buf
}

// WriteFrame submits f for transmission. The actual write(2) happens
// synchronously here; the result is latched for the next AckResult poll so
// the ack queue's submit/poll split still applies cleanly.
func (l *Link) WriteFrame(f frame.Frame) bool {
	buf := encodeCANFrame(f)
	n, err := unix.Write(l.fd, buf)
	ok := err == nil && n == len(buf)
	l.pending = &ok
	return true
}

// AckResult reports the outcome of the most recent WriteFrame.
func (l *Link) AckResult() (done bool, success bool) {
	if l.pending == nil {
		return false, false
	}
	ok := *l.pending
	l.pending = nil
	return true, ok
}

// ReadFrame polls for one inbound CAN frame without blocking. Non-extended
// (11-bit) frames are not ISO-TP normal-fixed addressed and are dropped.
func (l *Link) ReadFrame() (frame.Frame, bool) {
	buf := make([]byte, canFrameLen)
	n, err := unix.Read(l.fd, buf)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok && (errno == unix.EAGAIN || errno == unix.EWOULDBLOCK) {
			return frame.Frame{}, false
		}
		return frame.Frame{}, false
	}
	if n < canFrameLen {
		return frame.Frame{}, false
	}

	id := binary.LittleEndian.Uint32(buf[0:4])
	if id&effFlag == 0 {
		return frame.Frame{}, false
	}
	dlc := buf[4]
	if dlc > frame.MaxDLC {
		dlc = frame.MaxDLC
	}

	fr := frame.Frame{Identifier: naiFromIdentifier(id & effMask), DLC: dlc}
	copy(fr.Data[:], buf[8:8+dlc])
	return fr, true
}
