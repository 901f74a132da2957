// SPDX-License-Identifier: MIT
// Copyright (c) 2025 go-isotp contributors.

// Package metrics is an optional observability layer for isotp.Multiplexer:
// a decorator around isotp.Handler that records per-transfer Prometheus
// counters and mints a short correlation id for each terminal event.
// Grounded on runZeroInc-sockstats/pkg/exporter, which wraps prometheus
// metric descriptors around a map of tracked connections under a mutex; and
// on its cmd/exporter_example2's use of github.com/rs/xid to mint a
// per-connection correlation label.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/marrasen/go-isotp/clog"
	"github.com/marrasen/go-isotp/frame"
)

// Collector holds the Prometheus descriptors for one Multiplexer. All
// fields are themselves prometheus.Collector implementations (CounterVec,
// GaugeVec); register Collector.Collectors() with a prometheus.Registerer
// to expose them. Nothing in this package updates bytesSent or
// malformedDropped; both stay at zero.
type Collector struct {
	transfersTotal   *prometheus.CounterVec
	activeTransfers  *prometheus.GaugeVec
	bytesReceived    prometheus.Counter
	bytesSent        prometheus.Counter
	malformedDropped prometheus.Counter
	queueDepth       prometheus.Gauge
}

// NewCollector builds a Collector whose metric names are prefixed, e.g.
// "isotp" yields "isotp_transfers_total".
func NewCollector(prefix string) *Collector {
	return &Collector{
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_transfers_total",
			Help: "Completed ISO-TP transfers by direction and terminal result.",
		}, []string{"direction", "result"}),
		activeTransfers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_active_transfers",
			Help: "In-flight ISO-TP transfers by direction.",
		}, []string{"direction"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_bytes_received_total",
			Help: "Bytes delivered to the application via completed inbound transfers.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_bytes_sent_total",
			Help: "Bytes confirmed sent via completed outbound transfers.",
		}),
		malformedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_malformed_frames_dropped_total",
			Help: "Inbound frames dropped for failing to parse as a valid N_PCI.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_ack_queue_depth",
			Help: "Writes queued behind the datalink but not yet submitted.",
		}),
	}
}

// Collectors returns every descriptor, ready for
// prometheus.Registerer.MustRegister(collector.Collectors()...).
func (c *Collector) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.transfersTotal, c.activeTransfers, c.bytesReceived, c.bytesSent,
		c.malformedDropped, c.queueDepth,
	}
}

// SetQueueDepth records the multiplexer's current ack-queue backlog. Call
// this from the same poll loop that drives Multiplexer.RunStep, passing
// Multiplexer.QueueDepth().
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

func direction(outbound bool) string {
	if outbound {
		return "outbound"
	}
	return "inbound"
}

// Handler is the minimal isotp.Handler surface this package decorates,
// restated here so metrics does not import isotp (avoiding an import
// cycle: isotp could plausibly want to depend on metrics for a built-in
// option, not the reverse).
type Handler interface {
	OnFirstFrame(nai frame.NAI, length uint32, mtype frame.Mtype)
	OnMessageReceived(nai frame.NAI, mtype frame.Mtype, data []byte)
	OnTransferComplete(nai frame.NAI, outbound bool, result frame.Result)
}

// observing wraps a Handler, recording metrics around every callback
// before forwarding to next (which may be nil).
type observing struct {
	next Handler
	c    *Collector
	log  clog.Clog
}

// Wrap returns a Handler that records metrics for every event and then
// forwards to next. Pass a nil next to collect metrics with no downstream
// handler.
func Wrap(next Handler, c *Collector) Handler {
	return &observing{next: next, c: c, log: clog.NewLogger("metrics => ")}
}

func (o *observing) OnFirstFrame(nai frame.NAI, length uint32, mtype frame.Mtype) {
	o.c.activeTransfers.WithLabelValues(direction(false)).Inc()
	if o.next != nil {
		o.next.OnFirstFrame(nai, length, mtype)
	}
}

func (o *observing) OnMessageReceived(nai frame.NAI, mtype frame.Mtype, data []byte) {
	o.c.bytesReceived.Add(float64(len(data)))
	if o.next != nil {
		o.next.OnMessageReceived(nai, mtype, data)
	}
}

func (o *observing) OnTransferComplete(nai frame.NAI, outbound bool, result frame.Result) {
	dir := direction(outbound)
	o.c.transfersTotal.WithLabelValues(dir, result.String()).Inc()
	o.c.activeTransfers.WithLabelValues(dir).Dec()

	// A short correlation id ties this terminal event to whatever the host
	// application logs around the same transfer.
	id := xid.New().String()
	o.log.Debug("transfer complete nai=%s dir=%s result=%s id=%s", nai, dir, result, id)

	if o.next != nil {
		o.next.OnTransferComplete(nai, outbound, result)
	}
}
