package ocppnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// dispatcher turns inbound frames into handler calls and table
// resolutions. Server and Client each own one; server is set for the
// server side, which answers malformed requests, unknown actions and
// handler failures with a CALLERROR where the client only logs.
//
// Requests are served on their own goroutine so a handler may itself call
// SendAndWait without stalling the connection's read loop. Responses and
// errors are resolved inline.
type dispatcher struct {
	module  string
	server  bool
	cfg     *config
	pending *RequestTable
	metrics *Metrics
	audit   *AuditLog

	// transmit writes a reply on the connection the request arrived on.
	transmit func(ctx context.Context, conn Connection, f frame) error

	ctx context.Context
	wg  sync.WaitGroup
}

func (d *dispatcher) handleText(conn Connection, data []byte) {
	if len(bytes.TrimSpace(data)) == 0 {
		slog.Debug("empty text frame ignored", "module", d.module, "node", conn.Attributes().NodeID())
		return
	}
	msg, err := DecodeJSON(data, conn.Attributes().NodeID())
	if err != nil {
		d.decodeFailed(conn, data, err, false)
		return
	}
	d.route(conn, msg, data)
}

func (d *dispatcher) handleBinary(conn Connection, data []byte) {
	if len(data) == 0 {
		slog.Debug("empty binary frame ignored", "module", d.module, "node", conn.Attributes().NodeID())
		return
	}
	msg, err := DecodeBinaryLimit(data, conn.Attributes().NodeID(), d.cfg.maxBinaryPayload)
	if err != nil {
		d.decodeFailed(conn, data, err, true)
		return
	}
	d.route(conn, msg, data)
}

func (d *dispatcher) decodeFailed(conn Connection, raw []byte, err error, binary bool) {
	d.metrics.DecodeFailures.Add(1)
	attrs := []any{"module", d.module, "node", conn.Attributes().NodeID(), "error", err}
	if binary {
		attrs = append(attrs, "bytes", len(raw))
	} else {
		attrs = append(attrs, "frame", truncateForLog(raw))
	}
	slog.Warn("frame decode failed", attrs...)
	d.cfg.events.decodeFailed(d.module, conn, raw, err)

	if !d.server || binary {
		return
	}
	id, mode, path, ok := peekJSONRequestID(raw)
	if !ok {
		return
	}
	path = path.AppendIfDifferent(conn.Attributes().NodeID())
	e := NewRequestErrorFor(mode, path, id, d.cfg.identity, ErrorProtocolError, err.Error(), nil)
	d.sendReply(conn, e, false)
}

func (d *dispatcher) route(conn Connection, msg Message, raw []byte) {
	switch m := msg.(type) {
	case *Request:
		d.metrics.RequestsReceived.Add(1)
		d.audit.recordInbound(conn, m)
		d.cfg.events.requestReceived(d.module, conn, m)
		d.serve(conn, &Call{
			Timestamp:       m.Timestamp,
			Conn:            conn,
			Mode:            m.Mode,
			DestinationID:   m.DestinationID,
			Path:            m.Path,
			EventTrackingID: m.EventTrackingID,
			RequestID:       m.RequestID,
			Action:          m.Action,
			Payload:         m.Payload,
		}, raw)

	case *BinaryRequest:
		d.metrics.RequestsReceived.Add(1)
		d.audit.recordInbound(conn, m)
		d.cfg.events.requestReceived(d.module, conn, m)
		d.serve(conn, &Call{
			Timestamp:       m.Timestamp,
			Conn:            conn,
			Mode:            m.Mode,
			DestinationID:   m.DestinationID,
			Path:            m.Path,
			EventTrackingID: m.EventTrackingID,
			RequestID:       m.RequestID,
			Action:          m.Action,
			Binary:          true,
			BinaryPayload:   m.Payload,
		}, raw)

	case *Response:
		entry, ok := d.pending.CompleteWithResponse(m)
		d.resolved(conn, m, entry, ok)
	case *BinaryResponse:
		entry, ok := d.pending.CompleteWithBinaryResponse(m)
		d.resolved(conn, m, entry, ok)
	case *RequestError:
		entry, ok := d.pending.CompleteWithError(m)
		d.resolved(conn, m, entry, ok)
	default:
		slog.Error("unexpected decoded message", "module", d.module, "type", fmt.Sprintf("%T", msg))
	}
}

func (d *dispatcher) resolved(conn Connection, msg Message, entry *PendingRequest, ok bool) {
	if !ok {
		d.metrics.OrphanResponses.Add(1)
		slog.Warn("orphan response dropped", "module", d.module,
			"node", conn.Attributes().NodeID(), "request_id", msg.ID(), "type", msg.MessageType())
		d.cfg.events.orphanResponse(d.module, conn, msg)
		return
	}
	if msg.MessageType() == MessageTypeRequestError {
		d.metrics.ErrorsReceived.Add(1)
	} else {
		d.metrics.ResponsesReceived.Add(1)
	}
	d.audit.recordResolved(entry)
	d.cfg.events.responseReceived(d.module, entry)
}

func (d *dispatcher) serve(conn Connection, call *Call, raw []byte) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.invoke(conn, call, raw)
	}()
}

func (d *dispatcher) invoke(conn Connection, call *Call, raw []byte) {
	h, ok := d.cfg.handlers.Lookup(call.Action)
	if !ok {
		d.metrics.UnknownActions.Add(1)
		slog.Warn("no handler for action", "module", d.module,
			"node", conn.Attributes().NodeID(), "action", call.Action, "request_id", call.RequestID)
		if !d.server {
			return
		}
		d.replyError(conn, call, &CallError{
			Code:        ErrorProtocolError,
			Description: fmt.Sprintf("unknown action %q", call.Action),
			Details:     errorDetails(map[string]any{"request": requestEcho(call, raw)}),
		})
		return
	}

	reply, p, err := d.callHandler(h, call)
	switch {
	case p != nil:
		d.metrics.HandlerPanics.Add(1)
		slog.Error("handler panicked", "module", d.module, "action", call.Action,
			"request_id", call.RequestID, "panic", p.value, "stack", string(p.stack))
		if !d.server {
			return
		}
		d.replyError(conn, call, &CallError{
			Code:        ErrorInternalError,
			Description: fmt.Sprintf("handler for %q failed: %v", call.Action, p.value),
			Details: errorDetails(map[string]any{
				"panic":   fmt.Sprint(p.value),
				"stack":   string(p.stack),
				"request": requestEcho(call, raw),
			}),
		})

	case err != nil:
		var ce *CallError
		if !errors.As(err, &ce) && !d.server {
			slog.Error("handler failed", "module", d.module, "action", call.Action,
				"request_id", call.RequestID, "error", err)
			return
		}
		d.replyError(conn, call, asCallError(err))

	case !reply.valid():
		slog.Error("handler returned no usable reply", "module", d.module,
			"action", call.Action, "request_id", call.RequestID)

	case reply.Binary != nil:
		addr := replyTo(call.Mode, call.Path, d.cfg.identity)
		d.sendReply(conn, &BinaryResponse{
			Timestamp:       time.Now().UTC(),
			EventTrackingID: call.EventTrackingID,
			Mode:            addr.mode,
			DestinationID:   addr.destination,
			Path:            addr.path,
			RequestID:       call.RequestID,
			Payload:         reply.Binary,
		}, true)

	default:
		addr := replyTo(call.Mode, call.Path, d.cfg.identity)
		d.sendReply(conn, &Response{
			Timestamp:       time.Now().UTC(),
			EventTrackingID: call.EventTrackingID,
			Mode:            addr.mode,
			DestinationID:   addr.destination,
			Path:            addr.path,
			RequestID:       call.RequestID,
			Payload:         reply.Payload,
		}, false)
	}
}

type handlerPanic struct {
	value any
	stack []byte
}

func (d *dispatcher) callHandler(h Handler, call *Call) (reply Reply, p *handlerPanic, err error) {
	defer func() {
		if r := recover(); r != nil {
			p = &handlerPanic{value: r, stack: debug.Stack()}
		}
	}()
	reply, err = h.ServeOCPP(d.ctx, call)
	return reply, nil, err
}

func (d *dispatcher) replyError(conn Connection, call *Call, ce *CallError) {
	e := NewRequestErrorFor(call.Mode, call.Path, call.RequestID, d.cfg.identity, ce.Code, ce.Description, ce.Details)
	e.EventTrackingID = call.EventTrackingID
	d.sendReply(conn, e, call.Binary)
}

// sendReply encodes msg, resolving its mode against the connection, and
// writes it back on conn. binary selects binary framing.
func (d *dispatcher) sendReply(conn Connection, msg Message, binary bool) {
	mode := conn.Attributes().Mode()
	var (
		data []byte
		err  error
	)
	switch m := msg.(type) {
	case *Response:
		msg = m.Resolve(mode)
		data, err = msg.(*Response).EncodeJSON()
	case *BinaryResponse:
		msg = m.Resolve(mode)
		data, err = msg.(*BinaryResponse).EncodeBinary()
	case *RequestError:
		r := m.Resolve(mode)
		msg = r
		if binary {
			data, err = r.EncodeBinary()
		} else {
			data, err = r.EncodeJSON()
		}
	}
	if err != nil {
		slog.Error("encoding reply failed", "module", d.module, "request_id", msg.ID(), "error", err)
		return
	}
	if err := d.transmit(d.ctx, conn, frame{data: data, binary: binary}); err != nil {
		d.metrics.TransmissionFailed.Add(1)
		slog.Warn("sending reply failed", "module", d.module,
			"node", conn.Attributes().NodeID(), "request_id", msg.ID(), "error", err)
		return
	}
	if msg.MessageType() == MessageTypeRequestError {
		d.metrics.ErrorsSent.Add(1)
	} else {
		d.metrics.ResponsesSent.Add(1)
	}
	d.audit.recordOutbound(conn.Attributes().NodeID(), msg)
	d.cfg.events.responseSent(d.module, conn, msg)
}

// requestEcho renders the offending request for CALLERROR details. JSON
// frames are embedded verbatim; binary frames by action and payload.
func requestEcho(call *Call, raw []byte) any {
	if call.Binary {
		return map[string]any{
			"requestId": call.RequestID,
			"action":    call.Action,
			"payload":   call.BinaryPayload,
		}
	}
	return json.RawMessage(bytes.TrimSpace(raw))
}

func errorDetails(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding error details failed", "error", err)
		return nil
	}
	return b
}
