package ocppnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// outbound is the send path shared by Server and Client.
//
// Protocol per request:
//   - Look up candidate routes. None: UnknownClient (server) or
//     TransmissionFailed/not connected (client), without touching the table.
//   - For each candidate: resolve the envelope against the route's mode,
//     encode, insert the table entry, transmit under the connection's send
//     gate. The entry goes in before the write so a response racing the
//     write still finds it; a failed write removes it again, so callers only
//     ever see entries for requests that reached the wire.
//   - A failed write evicts that candidate and moves to the next one. The
//     first successful write wins.
type outbound struct {
	module  string
	cfg     *config
	pending *RequestTable
	metrics *Metrics
	audit   *AuditLog

	routes func(destination NodeID) []Route
	// evict drops a route whose connection failed a write.
	evict func(r Route, err error)

	// Result used when routes returns nothing.
	noRouteStatus SendStatus
	noRouteErr    error
}

// build produces the wire frame, table entry and resolved envelope for one
// route.
type buildFunc func(rt Route) (frame, *PendingRequest, Message, error)

func (o *outbound) transmit(ctx context.Context, destination NodeID, build buildFunc) (Message, SendStatus, error) {
	routes := o.routes(destination)
	if len(routes) == 0 {
		if o.noRouteStatus == SendUnknownClient {
			o.metrics.UnknownClients.Add(1)
		} else {
			o.metrics.TransmissionFailed.Add(1)
		}
		return nil, o.noRouteStatus, fmt.Errorf("%w: %s", o.noRouteErr, destination)
	}

	var lastErr error
	for _, rt := range routes {
		f, entry, msg, err := build(rt)
		if err != nil {
			o.metrics.TransmissionFailed.Add(1)
			return nil, SendTransmissionFailed, err
		}
		if err := o.pending.Insert(entry); err != nil {
			o.metrics.TransmissionFailed.Add(1)
			return nil, SendTransmissionFailed, err
		}
		if err := gatedWrite(ctx, rt.gate, o.cfg.sendGateTimeout, rt.Conn, f); err != nil {
			o.pending.Remove(entry.RequestID)
			o.metrics.TransmissionFailed.Add(1)
			lastErr = fmt.Errorf("send via %s: %w", rt.Via, err)
			if evictable(err) && o.evict != nil {
				o.evict(rt, err)
			}
			continue
		}
		o.metrics.RequestsSent.Add(1)
		o.audit.recordOutbound(rt.Via, msg)
		o.cfg.events.requestSent(o.module, rt.Via, msg)
		return msg, SendSuccess, nil
	}
	return nil, SendTransmissionFailed, lastErr
}

// evictable reports whether a write error says the connection itself is
// broken. A busy gate or a cancelled caller does not.
func evictable(err error) bool {
	return !errors.Is(err, ErrSendGateTimeout) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (o *outbound) sendJSON(ctx context.Context, req *Request) (*Request, SendStatus) {
	req = o.prepareJSON(req)
	msg, status, err := o.transmit(ctx, req.DestinationID, func(rt Route) (frame, *PendingRequest, Message, error) {
		wire := req.Resolve(rt.Mode)
		if wire.Mode == ModeOverlayNetwork && wire.DestinationID.IsZero() {
			wire.DestinationID = rt.Via
		}
		data, err := wire.EncodeJSON()
		if err != nil {
			return frame{}, nil, nil, err
		}
		return frame{data: data}, NewPendingJSON(wire), wire, nil
	})
	if status == SendSuccess {
		return msg.(*Request), status
	}
	failed := *req
	failed.ErrorMessage = innermostError(err).Error()
	return &failed, status
}

func (o *outbound) sendBinary(ctx context.Context, req *BinaryRequest) (*BinaryRequest, SendStatus) {
	req = o.prepareBinary(req)
	msg, status, err := o.transmit(ctx, req.DestinationID, func(rt Route) (frame, *PendingRequest, Message, error) {
		wire := req.Resolve(rt.Mode)
		if wire.Mode == ModeOverlayNetwork && wire.DestinationID.IsZero() {
			wire.DestinationID = rt.Via
		}
		data, err := wire.EncodeBinary()
		if err != nil {
			return frame{}, nil, nil, err
		}
		return frame{data: data, binary: true}, NewPendingBinary(wire), wire, nil
	})
	if status == SendSuccess {
		return msg.(*BinaryRequest), status
	}
	failed := *req
	failed.ErrorMessage = innermostError(err).Error()
	return &failed, status
}

// await waits for a sent request. A request that never reached the wire
// yields an already-resolved entry carrying its send status, so callers
// handle one result shape.
func (o *outbound) await(ctx context.Context, req *Request, breq *BinaryRequest, status SendStatus) (*PendingRequest, error) {
	var id RequestID
	var desc string
	if req != nil {
		id, desc = req.RequestID, req.ErrorMessage
	} else {
		id, desc = breq.RequestID, breq.ErrorMessage
	}
	if status != SendSuccess {
		return newFailedPending(req, breq, status, desc), nil
	}
	entry, err := o.pending.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			o.metrics.RequestsCancelled.Add(1)
		}
		return nil, err
	}
	if entry.Outcome() == OutcomeTimeout {
		o.metrics.RequestsTimedOut.Add(1)
		o.audit.recordResolved(entry)
	}
	return entry, nil
}

func (o *outbound) timeout(d time.Duration) time.Duration {
	if d <= 0 {
		return o.cfg.requestTimeout
	}
	return d
}

// newRequest builds the logical envelope. The mode is left for route
// resolution; prepareJSON adds this node's hop and the default timeout.
func (o *outbound) newRequest(destination NodeID, path NetworkPath, action string, payload json.RawMessage, timeout time.Duration) *Request {
	return NewRequest(destination, path, action, payload, timeout)
}

func (o *outbound) newBinaryRequest(destination NodeID, path NetworkPath, action string, payload []byte, timeout time.Duration) *BinaryRequest {
	return NewBinaryRequest(destination, path, action, payload, timeout)
}

// prepareJSON fills in what a caller-built request may lack: the default
// timeout and this node's hop. req itself is not modified.
func (o *outbound) prepareJSON(req *Request) *Request {
	cp := *req
	cp.Timeout = o.timeout(cp.Timeout)
	cp.Path = o.selfPath(cp.Path)
	return &cp
}

func (o *outbound) prepareBinary(req *BinaryRequest) *BinaryRequest {
	cp := *req
	cp.Timeout = o.timeout(cp.Timeout)
	cp.Path = o.selfPath(cp.Path)
	return &cp
}

func (o *outbound) selfPath(path NetworkPath) NetworkPath {
	if o.cfg.identity.IsZero() {
		return path
	}
	return path.AppendIfDifferent(o.cfg.identity)
}

// sweep force-times-out entries nobody is waiting for any more.
func (o *outbound) sweep(now time.Time) {
	if n := o.pending.RemoveExpired(now); n > 0 {
		o.metrics.RequestsTimedOut.Add(int64(n))
	}
}
