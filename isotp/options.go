// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

package isotp

// MuxOption is the fluent builder a caller uses to configure a
// Multiplexer before calling New, the same pattern cs104.ClientOption
// uses for broker/TLS/reconnect settings.
type MuxOption struct {
	config                Config
	handler               Handler
	acceptedFunctionalTAs map[uint8]struct{}
	instanceName          string
}

// NewOption returns a MuxOption seeded with DefaultConfig and no accepted
// functional TAs (the conservative default: a functional TA fans a single
// request out to every ECU on the bus, so each one must be opted into).
func NewOption() *MuxOption {
	return &MuxOption{
		config: DefaultConfig(),
	}
}

// SetConfig sets the multiplexer's timing/resource budget. An invalid
// config is replaced with DefaultConfig(), the same "fall back rather than
// carry an invalid setting forward" behavior ClientOption.SetConfig uses.
func (o *MuxOption) SetConfig(cfg Config) *MuxOption {
	if err := cfg.Valid(); err != nil {
		o.config = DefaultConfig()
	} else {
		o.config = cfg
	}
	return o
}

// SetHandler registers the callback sink for completed transfers.
func (o *MuxOption) SetHandler(h Handler) *MuxOption {
	o.handler = h
	return o
}

// AcceptFunctionalTAs opts in to processing inbound functionally-addressed
// (broadcast) Single Frames whose TA is one of tas; any other functional TA
// is dropped (spec.md §4.5, §6 acceptedFunctionalTAs).
func (o *MuxOption) AcceptFunctionalTAs(tas ...uint8) *MuxOption {
	if o.acceptedFunctionalTAs == nil {
		o.acceptedFunctionalTAs = make(map[uint8]struct{}, len(tas))
	}
	for _, ta := range tas {
		o.acceptedFunctionalTAs[ta] = struct{}{}
	}
	return o
}

// SetInstanceName tags this multiplexer's log lines, useful when a process
// drives more than one CAN channel.
func (o *MuxOption) SetInstanceName(name string) *MuxOption {
	o.instanceName = name
	return o
}
