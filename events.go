package ocppnet

import (
	"log/slog"
	"time"
)

// Events holds optional observer callbacks. Every callback runs on the
// goroutine that produced the event; a panicking observer is recovered and
// logged, it never interrupts message processing.
type Events struct {
	OnConnected    func(conn Connection)
	OnDisconnected func(conn Connection)

	// OnRequestReceived sees *Request or *BinaryRequest.
	OnRequestReceived func(conn Connection, msg Message)
	// OnResponseSent sees *Response, *BinaryResponse or *RequestError.
	OnResponseSent func(conn Connection, msg Message)
	// OnRequestSent sees *Request or *BinaryRequest after a successful
	// transmission.
	OnRequestSent func(via NodeID, msg Message)
	// OnResponseReceived sees the resolved table entry, which carries both
	// the original request and the response or error.
	OnResponseReceived func(entry *PendingRequest)
	OnOrphanResponse   func(conn Connection, msg Message)
	OnDecodeFailed     func(conn Connection, raw []byte, err error)
}

// emit runs fn, recovering any panic.
func emit(module, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event observer panicked", "module", module, "event", event, "panic", r)
		}
	}()
	fn()
}

func (e *Events) connected(module string, conn Connection) {
	if e == nil || e.OnConnected == nil {
		return
	}
	emit(module, "connected", func() { e.OnConnected(conn) })
}

func (e *Events) disconnected(module string, conn Connection) {
	if e == nil || e.OnDisconnected == nil {
		return
	}
	emit(module, "disconnected", func() { e.OnDisconnected(conn) })
}

func (e *Events) requestReceived(module string, conn Connection, msg Message) {
	if e == nil || e.OnRequestReceived == nil {
		return
	}
	emit(module, "request_received", func() { e.OnRequestReceived(conn, msg) })
}

func (e *Events) responseSent(module string, conn Connection, msg Message) {
	if e == nil || e.OnResponseSent == nil {
		return
	}
	emit(module, "response_sent", func() { e.OnResponseSent(conn, msg) })
}

func (e *Events) requestSent(module string, via NodeID, msg Message) {
	if e == nil || e.OnRequestSent == nil {
		return
	}
	emit(module, "request_sent", func() { e.OnRequestSent(via, msg) })
}

func (e *Events) responseReceived(module string, entry *PendingRequest) {
	if e == nil || e.OnResponseReceived == nil {
		return
	}
	emit(module, "response_received", func() { e.OnResponseReceived(entry) })
}

func (e *Events) orphanResponse(module string, conn Connection, msg Message) {
	if e == nil || e.OnOrphanResponse == nil {
		return
	}
	emit(module, "orphan_response", func() { e.OnOrphanResponse(conn, msg) })
}

func (e *Events) decodeFailed(module string, conn Connection, raw []byte, err error) {
	if e == nil || e.OnDecodeFailed == nil {
		return
	}
	emit(module, "decode_failed", func() { e.OnDecodeFailed(conn, raw, err) })
}

// AuditEntry is one line of the exchange audit trail.
type AuditEntry struct {
	Time      time.Time     `json:"time"`
	Direction string        `json:"direction"` // "in" or "out"
	Kind      string        `json:"kind"`
	NodeID    NodeID        `json:"node_id,omitempty"`
	RequestID RequestID     `json:"request_id,omitempty"`
	Action    string        `json:"action,omitempty"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
}

// AuditLog keeps the most recent exchanges, overwriting the oldest.
type AuditLog struct {
	ring *RingBuffer[AuditEntry]
}

func NewAuditLog(size int) *AuditLog {
	return &AuditLog{ring: NewRingBuffer[AuditEntry](size)}
}

func (a *AuditLog) Record(e AuditEntry) {
	if a == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	a.ring.Overwrite(e)
}

// Entries returns the trail oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	if a == nil {
		return nil
	}
	return a.ring.Snapshot()
}

func (a *AuditLog) recordInbound(conn Connection, msg Message) {
	if a == nil {
		return
	}
	e := AuditEntry{Direction: "in", NodeID: conn.Attributes().NodeID(), RequestID: msg.ID()}
	describe(&e, msg)
	a.Record(e)
}

func (a *AuditLog) recordOutbound(via NodeID, msg Message) {
	if a == nil {
		return
	}
	e := AuditEntry{Direction: "out", NodeID: via, RequestID: msg.ID()}
	describe(&e, msg)
	a.Record(e)
}

func (a *AuditLog) recordResolved(entry *PendingRequest) {
	if a == nil {
		return
	}
	e := AuditEntry{
		Direction: "in",
		Kind:      entry.Outcome().String(),
		NodeID:    entry.DestinationID,
		RequestID: entry.RequestID,
		Action:    entry.Action(),
		ErrorCode: entry.ErrorCode,
		Latency:   entry.ResponseTimestamp.Sub(entry.RequestTimestamp),
	}
	a.Record(e)
}

func describe(e *AuditEntry, msg Message) {
	switch m := msg.(type) {
	case *Request:
		e.Kind, e.Action = "request", m.Action
	case *BinaryRequest:
		e.Kind, e.Action = "binary_request", m.Action
	case *Response:
		e.Kind = "response"
	case *BinaryResponse:
		e.Kind = "binary_response"
	case *RequestError:
		e.Kind, e.ErrorCode = "error", m.ErrorCode
	}
}
