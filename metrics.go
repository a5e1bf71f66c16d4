package ocppnet

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across instances.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Server or Client. All counters
// are lock-free and published to expvar under "ocppnet.<seq>.<side>." for
// inspection via /debug/vars.
type Metrics struct {
	RequestsSent       atomic.Int64
	RequestsReceived   atomic.Int64
	ResponsesSent      atomic.Int64
	ResponsesReceived  atomic.Int64
	ErrorsSent         atomic.Int64
	ErrorsReceived     atomic.Int64
	RequestsTimedOut   atomic.Int64
	RequestsCancelled  atomic.Int64
	OrphanResponses    atomic.Int64
	DecodeFailures     atomic.Int64
	UnknownActions     atomic.Int64
	HandlerPanics      atomic.Int64
	UnknownClients     atomic.Int64
	TransmissionFailed atomic.Int64
	Evictions          atomic.Int64

	// Set by the owner at init time.
	connectionsFn func() int
	pendingFn     func() int
}

func newMetrics(side string) *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "ocppnet." + strconv.FormatInt(seq, 10) + "." + side + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	for name, v := range m.counters() {
		publish(name, atomicVar(v))
	}
	publish("connections_active", expvar.Func(func() any {
		if m.connectionsFn != nil {
			return m.connectionsFn()
		}
		return 0
	}))
	publish("requests_pending", expvar.Func(func() any {
		if m.pendingFn != nil {
			return m.pendingFn()
		}
		return 0
	}))

	return m
}

func (m *Metrics) counters() map[string]*atomic.Int64 {
	return map[string]*atomic.Int64{
		"requests_sent":       &m.RequestsSent,
		"requests_received":   &m.RequestsReceived,
		"responses_sent":      &m.ResponsesSent,
		"responses_received":  &m.ResponsesReceived,
		"errors_sent":         &m.ErrorsSent,
		"errors_received":     &m.ErrorsReceived,
		"requests_timed_out":  &m.RequestsTimedOut,
		"requests_cancelled":  &m.RequestsCancelled,
		"orphan_responses":    &m.OrphanResponses,
		"decode_failures":     &m.DecodeFailures,
		"unknown_actions":     &m.UnknownActions,
		"handler_panics":      &m.HandlerPanics,
		"unknown_clients":     &m.UnknownClients,
		"transmission_failed": &m.TransmissionFailed,
		"evictions":           &m.Evictions,
	}
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	counters := m.counters()
	snap := make(map[string]int64, len(counters)+2)
	for name, v := range counters {
		snap[name] = v.Load()
	}
	if m.connectionsFn != nil {
		snap["connections_active"] = int64(m.connectionsFn())
	}
	if m.pendingFn != nil {
		snap["requests_pending"] = int64(m.pendingFn())
	}
	return snap
}
