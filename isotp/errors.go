// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package isotp

import "errors"

// error defined
var (
	ErrMuxClosed      = errors.New("isotp: multiplexer is closed")
	ErrBufferFulled   = errors.New("isotp: ack queue is full")
	ErrMessageTooLong = errors.New("isotp: message exceeds configured maximum length")
	ErrNoAddressSpace = errors.New("isotp: no free handle in address space")
	ErrBudgetExceeded = errors.New("isotp: memory accountant rejected reservation")
	ErrUnknownPeer    = errors.New("isotp: frame addressed to no active runner and no new transfer")
)
