// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package isotp

import (
	"errors"
	"time"

	"github.com/marrasen/go-isotp/frame"
	"github.com/marrasen/go-isotp/runner"
)

// defines an ISO 15765-2 configuration range. Names mirror the N_As/N_Ar/
// N_Bs/N_Br/N_Cs/N_Cr timer family in spec.md's GLOSSARY.
const (
	TimeoutMin = 1 * time.Millisecond
	TimeoutMax = 10 * time.Second

	BlockSizeMax = 255

	// MaxMemoryBytesDefault bounds how much reassembly/hold buffer a single
	// multiplexer instance may allocate across every in-flight transfer.
	MaxMemoryBytesDefault = 1 << 20 // 1 MiB
)

// Config defines a Multiplexer's timing and resource budget. The default is
// applied for each unspecified value, the same pattern cs104.Config uses for
// its t0..t3/k/w range checks.
type Config struct {
	// SA is this node's own local source address. Inbound physically-
	// addressed frames whose TA does not match SA are dropped before
	// parsing. The zero value disables the check (accept any physical TA),
	// since not every deployment runs more than one node on the bus.
	SA uint8

	// Sender-side timers.
	NAs time.Duration // time allowed for the link layer to confirm a transmitted SF/FF/CF
	NBs time.Duration // time allowed waiting for a Flow Control after FF or a CF block
	NCs time.Duration // performance budget for submitting the next CF after STmin elapses

	// Receiver-side timers.
	NAr time.Duration // time allowed for the link layer to confirm a transmitted FC
	NBr time.Duration // performance budget for issuing a FC after a block fills
	NCr time.Duration // time allowed waiting for the next CF

	// BlockSize is the number of CFs a receiver allows before requiring
	// another Flow Control. 0 means unbounded (send to completion).
	BlockSize uint8
	// STmin is the minimum separation time a receiver advertises between
	// CFs it is willing to accept.
	STmin frame.STmin

	// MaxMemoryBytes bounds outstanding reassembly/hold buffers.
	MaxMemoryBytes int64

	// MaxWaitFrameTransmissions bounds consecutive WAIT Flow Controls a
	// sender tolerates before failing with N_WFT_OVRN (spec.md §9 Open
	// Question 1; the reference implementation has no limit, this adds one).
	// Valid fills it in, but the Multiplexer does not pass it to its Request
	// Runners, which always use runner.DefaultMaxWFT.
	MaxWaitFrameTransmissions uint8

	// AckQueueCapacity bounds how many outbound frames may be queued for
	// link-layer transmission before WriteFrame starts rejecting new work.
	AckQueueCapacity int

	// DebugTimeouts scales every timer by 1e5, mirroring
	// ISOTP_USE_DEBUG_TIMEOUTS in the reference implementation: useful for
	// single-stepping a transfer under a debugger without nuisance
	// timeouts firing mid-breakpoint.
	DebugTimeouts bool
}

// Valid fills in defaults for every zero-valued field and range-checks the
// rest, returning an error the caller can act on rather than silently
// coercing out-of-range configuration.
func (c *Config) Valid() error {
	if c == nil {
		return errors.New("isotp: nil config")
	}

	fill := func(d *time.Duration, def time.Duration, name string) error {
		if *d == 0 {
			*d = def
			return nil
		}
		if *d < TimeoutMin || *d > TimeoutMax {
			return errors.New("isotp: " + name + " out of range [1ms, 10s]")
		}
		return nil
	}

	if err := fill(&c.NAs, 1000*time.Millisecond, "NAs"); err != nil {
		return err
	}
	if err := fill(&c.NBs, 1000*time.Millisecond, "NBs"); err != nil {
		return err
	}
	if err := fill(&c.NCs, 900*time.Millisecond, "NCs"); err != nil {
		return err
	}
	if err := fill(&c.NAr, 1000*time.Millisecond, "NAr"); err != nil {
		return err
	}
	if err := fill(&c.NBr, 900*time.Millisecond, "NBr"); err != nil {
		return err
	}
	if err := fill(&c.NCr, 1000*time.Millisecond, "NCr"); err != nil {
		return err
	}

	if c.STmin == (frame.STmin{}) {
		c.STmin = frame.DefaultSTmin
	}
	if c.MaxMemoryBytes == 0 {
		c.MaxMemoryBytes = MaxMemoryBytesDefault
	} else if c.MaxMemoryBytes < 0 {
		return errors.New("isotp: MaxMemoryBytes must be positive")
	}
	if c.MaxWaitFrameTransmissions == 0 {
		c.MaxWaitFrameTransmissions = runner.DefaultMaxWFT
	}
	if c.AckQueueCapacity == 0 {
		c.AckQueueCapacity = 16
	}

	return nil
}

// DefaultConfig returns the configuration spec.md's GLOSSARY names as the
// conservative defaults.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Valid()
	return cfg
}

// Timeouts projects the Config's timer fields onto runner.Timeouts,
// applying the DebugTimeouts ×1e5 multiplier when set.
func (c Config) Timeouts() runner.Timeouts {
	t := runner.Timeouts{NAs: c.NAs, NBs: c.NBs, NCs: c.NCs, NAr: c.NAr, NBr: c.NBr, NCr: c.NCr}
	if c.DebugTimeouts {
		t = t.Scaled(1e5)
	}
	return t
}
