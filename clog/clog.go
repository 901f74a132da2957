// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

// Package clog is the tag-keyed, level-gated logger the ISO-TP multiplexer
// embeds by value and the metrics observer holds.
package clog

import (
	"log"
	"os"
	"sync/atomic"
)

// LogProvider is the pluggable sink. A runner or the multiplexer logs
// through this interface, never directly to stdout, so a host application
// can route ISO-TP diagnostics into its own structured logger.
type LogProvider interface {
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Verbose(format string, v ...interface{})
}

// Level represents the logging severity.
// Ordering: Off < Error < Warn < Info < Debug < Verbose.
// Setting a level enables logging for that level and all less severe levels.
type Level uint32

const (
	LevelOff Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelVerbose
)

// Clog is the per-component logging handle: a tag prefix plus an atomically
// adjustable level, shared between however many runners a tag covers.
type Clog struct {
	provider LogProvider
	level    uint32
}

// NewLogger creates a logger tagged with the given prefix, e.g. the N_AI of
// the runner it is embedded in. Default level is Off so a caller who never
// configures logging pays no log-formatting cost.
func NewLogger(tag string) Clog {
	return Clog{
		provider: defaultLogger{log.New(os.Stdout, tag, log.LstdFlags)},
		level:    uint32(LevelOff),
	}
}

// SetLogLevel sets the logging level. LevelOff disables all logs.
func (sf *Clog) SetLogLevel(lvl Level) {
	atomic.StoreUint32(&sf.level, uint32(lvl))
}

// SetLogProvider swaps the sink. A nil provider is ignored.
func (sf *Clog) SetLogProvider(p LogProvider) {
	if p != nil {
		sf.provider = p
	}
}

func (sf Clog) allowed(required Level) bool {
	return atomic.LoadUint32(&sf.level) >= uint32(required)
}

// Error logs an N_ERROR-class condition: construction failure, mutex
// timeout, ACK failure.
func (sf Clog) Error(format string, v ...interface{}) {
	if sf.allowed(LevelError) {
		sf.provider.Error(format, v...)
	}
}

// Warn logs a non-fatal condition: a performance-budget miss (N_Cs/N_Br), a
// clamped reserved STmin value.
func (sf Clog) Warn(format string, v ...interface{}) {
	if sf.allowed(LevelWarn) {
		sf.provider.Warn(format, v...)
	}
}

// Info logs a lifecycle event: runner created, terminal state reached.
func (sf Clog) Info(format string, v ...interface{}) {
	if sf.allowed(LevelInfo) {
		sf.provider.Info(format, v...)
	}
}

// Debug logs a state transition.
func (sf Clog) Debug(format string, v ...interface{}) {
	if sf.allowed(LevelDebug) {
		sf.provider.Debug(format, v...)
	}
}

// Verbose logs frame-level detail: raw bytes in and out.
func (sf Clog) Verbose(format string, v ...interface{}) {
	if sf.allowed(LevelVerbose) {
		sf.provider.Verbose(format, v...)
	}
}

// defaultLogger is the stdout sink used until a caller installs its own.
type defaultLogger struct {
	*log.Logger
}

var _ LogProvider = (*defaultLogger)(nil)

func (sf defaultLogger) Error(format string, v ...interface{})   { sf.Printf("[E]: "+format, v...) }
func (sf defaultLogger) Warn(format string, v ...interface{})    { sf.Printf("[W]: "+format, v...) }
func (sf defaultLogger) Info(format string, v ...interface{})    { sf.Printf("[I]: "+format, v...) }
func (sf defaultLogger) Debug(format string, v ...interface{})   { sf.Printf("[D]: "+format, v...) }
func (sf defaultLogger) Verbose(format string, v ...interface{}) { sf.Printf("[V]: "+format, v...) }
