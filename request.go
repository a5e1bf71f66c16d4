package ocppnet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Outcome classifies a resolved PendingRequest.
type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeResponse
	OutcomeRequestError
	OutcomeTimeout
	OutcomeTransmissionFailed
	OutcomeUnknownClient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponse:
		return "response"
	case OutcomeRequestError:
		return "request_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeTransmissionFailed:
		return "transmission_failed"
	case OutcomeUnknownClient:
		return "unknown_client"
	default:
		return "pending"
	}
}

// PendingRequest is the in-flight state of one outbound request.
//
// While the entry sits in a RequestTable its mutable fields are guarded by
// the table; once a caller has removed it (TryGetAndRemoveIfResolved,
// RemoveOnTimeout, Wait) the caller owns it exclusively.
type PendingRequest struct {
	RequestID        RequestID
	RequestTimestamp time.Time
	DestinationID    NodeID
	Path             NetworkPath
	Deadline         time.Time

	// Exactly one of these is set.
	Request       *Request
	BinaryRequest *BinaryRequest

	// Set once by the first matching response, error or timeout.
	ResponseTimestamp time.Time
	Response          *Response
	BinaryResponse    *BinaryResponse
	ErrorCode         ErrorCode
	ErrorDescription  string
	ErrorDetails      json.RawMessage

	// SendStatus is not Success for entries synthesized by a sender that
	// never reached the wire.
	SendStatus SendStatus

	resolved bool
	waiters  int
	done     chan struct{}
}

func newPendingRequest(id RequestID, dest NodeID, path NetworkPath, timeout time.Duration) *PendingRequest {
	now := time.Now().UTC()
	return &PendingRequest{
		RequestID:        id,
		RequestTimestamp: now,
		DestinationID:    dest,
		Path:             path,
		Deadline:         now.Add(timeout),
		done:             make(chan struct{}),
	}
}

// NewPendingJSON creates a table entry for a JSON request.
func NewPendingJSON(req *Request) *PendingRequest {
	p := newPendingRequest(req.RequestID, req.DestinationID, req.Path, req.Timeout)
	p.Request = req
	return p
}

// NewPendingBinary creates a table entry for a binary request.
func NewPendingBinary(req *BinaryRequest) *PendingRequest {
	p := newPendingRequest(req.RequestID, req.DestinationID, req.Path, req.Timeout)
	p.BinaryRequest = req
	return p
}

// Action returns the action of the underlying request.
func (p *PendingRequest) Action() string {
	if p.Request != nil {
		return p.Request.Action
	}
	if p.BinaryRequest != nil {
		return p.BinaryRequest.Action
	}
	return ""
}

// Outcome reports how the entry was resolved.
func (p *PendingRequest) Outcome() Outcome {
	switch {
	case p.SendStatus == SendUnknownClient:
		return OutcomeUnknownClient
	case p.SendStatus == SendTransmissionFailed:
		return OutcomeTransmissionFailed
	case p.Response != nil || p.BinaryResponse != nil:
		return OutcomeResponse
	case p.ErrorCode == ErrorTimeout:
		return OutcomeTimeout
	case p.ErrorCode != "":
		return OutcomeRequestError
	default:
		return OutcomePending
	}
}

// Err maps a non-response outcome to an error. CALLERROR answers come back
// as *CallError. It returns nil for responses.
func (p *PendingRequest) Err() error {
	switch p.Outcome() {
	case OutcomeResponse, OutcomePending:
		return nil
	case OutcomeTimeout:
		return fmt.Errorf("%w: %s", ErrRequestTimeout, p.RequestID)
	case OutcomeUnknownClient:
		return fmt.Errorf("%w: %s", ErrUnknownClient, p.DestinationID)
	case OutcomeTransmissionFailed:
		return fmt.Errorf("transmission failed: %s", p.ErrorDescription)
	default:
		return &CallError{Code: p.ErrorCode, Description: p.ErrorDescription, Details: p.ErrorDetails}
	}
}

// HasResponse reports whether a JSON or binary response arrived.
func (p *PendingRequest) HasResponse() bool {
	return p.Response != nil || p.BinaryResponse != nil
}

func (p *PendingRequest) isResolvedLocked() bool {
	return p.Response != nil || p.BinaryResponse != nil || p.ErrorCode != ""
}

// markResolvedLocked wakes every waiter. Callers hold the shard lock.
func (p *PendingRequest) markResolvedLocked() {
	if p.resolved {
		return
	}
	p.resolved = true
	if p.ResponseTimestamp.IsZero() {
		p.ResponseTimestamp = time.Now().UTC()
	}
	close(p.done)
}

// snapshotLocked copies the entry so it can be handed out while the
// original stays in the table.
func (p *PendingRequest) snapshotLocked() *PendingRequest {
	cp := *p
	cp.done = nil
	return &cp
}

// newFailedPending builds an already-resolved entry for a request that
// never reached the wire.
func newFailedPending(req *Request, breq *BinaryRequest, status SendStatus, description string) *PendingRequest {
	var p *PendingRequest
	if req != nil {
		p = NewPendingJSON(req)
	} else {
		p = NewPendingBinary(breq)
	}
	p.SendStatus = status
	p.ErrorDescription = description
	p.ResponseTimestamp = time.Now().UTC()
	p.resolved = true
	close(p.done)
	return p
}

const requestShards = 64

type requestShard struct {
	mu sync.Mutex
	m  map[RequestID]*PendingRequest
}

// RequestTable tracks outbound requests awaiting a response. The map is
// sharded by request id so unrelated requests never contend on one lock.
type RequestTable struct {
	shards [requestShards]requestShard
}

func NewRequestTable() *RequestTable {
	rt := &RequestTable{}
	for i := range rt.shards {
		rt.shards[i].m = make(map[RequestID]*PendingRequest)
	}
	return rt
}

func (rt *RequestTable) shard(id RequestID) *requestShard {
	return &rt.shards[fnvHash64(string(id))&(requestShards-1)]
}

// Insert adds an entry. Request ids must be unique for the table's
// lifetime; a clash returns ErrDuplicateID and leaves the table unchanged.
func (rt *RequestTable) Insert(p *PendingRequest) error {
	if p.done == nil {
		p.done = make(chan struct{})
	}
	s := rt.shard(p.RequestID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[p.RequestID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.RequestID)
	}
	s.m[p.RequestID] = p
	return nil
}

// Contains reports whether id is still pending (resolved or not).
func (rt *RequestTable) Contains(id RequestID) bool {
	s := rt.shard(id)
	s.mu.Lock()
	_, ok := s.m[id]
	s.mu.Unlock()
	return ok
}

// Remove drops an entry without resolving it. Used by senders whose
// transmission failed after the entry had been inserted.
func (rt *RequestTable) Remove(id RequestID) (*PendingRequest, bool) {
	s := rt.shard(id)
	s.mu.Lock()
	p, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	return p, ok
}

// complete applies fn to an unresolved entry and wakes its waiters. It
// returns a snapshot of the resolved entry, or false when the id is
// unknown or already resolved.
func (rt *RequestTable) complete(id RequestID, fn func(p *PendingRequest)) (*PendingRequest, bool) {
	s := rt.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok || p.isResolvedLocked() {
		return nil, false
	}
	fn(p)
	p.markResolvedLocked()
	return p.snapshotLocked(), true
}

// CompleteWithResponse resolves the entry matching res.RequestID.
func (rt *RequestTable) CompleteWithResponse(res *Response) (*PendingRequest, bool) {
	return rt.complete(res.RequestID, func(p *PendingRequest) {
		p.ResponseTimestamp = res.Timestamp
		p.Response = res
	})
}

// CompleteWithBinaryResponse resolves the entry matching res.RequestID.
func (rt *RequestTable) CompleteWithBinaryResponse(res *BinaryResponse) (*PendingRequest, bool) {
	return rt.complete(res.RequestID, func(p *PendingRequest) {
		p.ResponseTimestamp = res.Timestamp
		p.BinaryResponse = res
	})
}

// CompleteWithError resolves the entry matching e.RequestID with an error.
func (rt *RequestTable) CompleteWithError(e *RequestError) (*PendingRequest, bool) {
	return rt.complete(e.RequestID, func(p *PendingRequest) {
		p.ResponseTimestamp = e.Timestamp
		p.ErrorCode = e.ErrorCode
		if p.ErrorCode == "" {
			p.ErrorCode = ErrorGenericError
		}
		p.ErrorDescription = e.ErrorDescription
		p.ErrorDetails = e.ErrorDetails
	})
}

// TryGetAndRemoveIfResolved hands a resolved entry to exactly one caller.
func (rt *RequestTable) TryGetAndRemoveIfResolved(id RequestID) (*PendingRequest, bool) {
	s := rt.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok || !p.isResolvedLocked() {
		return nil, false
	}
	delete(s.m, id)
	return p, true
}

// RemoveOnTimeout removes the entry, resolving it with a Timeout error if
// nothing else resolved it first. A resolution that won the race is
// returned unchanged.
func (rt *RequestTable) RemoveOnTimeout(id RequestID) (*PendingRequest, bool) {
	s := rt.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return nil, false
	}
	delete(s.m, id)
	if !p.isResolvedLocked() {
		timeoutLocked(p)
	}
	return p, true
}

func timeoutLocked(p *PendingRequest) {
	p.ErrorCode = ErrorTimeout
	p.ErrorDescription = fmt.Sprintf("no response to %q within %s", p.Action(), p.Deadline.Sub(p.RequestTimestamp))
	p.ResponseTimestamp = time.Now().UTC()
	p.markResolvedLocked()
}

// Wait blocks until id is resolved, its deadline passes or ctx is done.
//
// A resolved or timed-out entry is removed from the table and returned.
// Cancellation returns ErrCancelled and leaves the entry in place so it can
// still be resolved or aged out by RemoveExpired. A waiter that lost the
// race to another waiter gets ErrRequestNotFound.
func (rt *RequestTable) Wait(ctx context.Context, id RequestID) (*PendingRequest, error) {
	s := rt.shard(id)
	s.mu.Lock()
	p, ok := s.m[id]
	var done chan struct{}
	var deadline time.Time
	if ok {
		done = p.done
		deadline = p.Deadline
		p.waiters++
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	defer func() {
		s.mu.Lock()
		p.waiters--
		s.mu.Unlock()
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
		if p, ok := rt.TryGetAndRemoveIfResolved(id); ok {
			return p, nil
		}
	case <-timer.C:
		if p, ok := rt.RemoveOnTimeout(id); ok {
			return p, nil
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
}

// RemoveExpired drops every entry whose deadline is before now and that
// nobody is waiting on; a waiter times its own entry out. Entries that were
// never resolved are resolved with a Timeout error first. Returns the
// number of entries that timed out.
func (rt *RequestTable) RemoveExpired(now time.Time) int {
	expired := 0
	for i := range rt.shards {
		s := &rt.shards[i]
		s.mu.Lock()
		for id, p := range s.m {
			if p.Deadline.After(now) || p.waiters > 0 {
				continue
			}
			if !p.isResolvedLocked() {
				timeoutLocked(p)
				expired++
			}
			delete(s.m, id)
		}
		s.mu.Unlock()
	}
	return expired
}

// FailAll resolves every unresolved entry with the given error. Used when
// the only connection of a client goes away.
func (rt *RequestTable) FailAll(code ErrorCode, description string) int {
	failed := 0
	for i := range rt.shards {
		s := &rt.shards[i]
		s.mu.Lock()
		for _, p := range s.m {
			if p.isResolvedLocked() {
				continue
			}
			p.ErrorCode = code
			p.ErrorDescription = description
			p.markResolvedLocked()
			failed++
		}
		s.mu.Unlock()
	}
	return failed
}

func (rt *RequestTable) Len() int {
	n := 0
	for i := range rt.shards {
		s := &rt.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// PendingInfo is a read-only view of a table entry for diagnostics.
type PendingInfo struct {
	RequestID   RequestID `json:"request_id"`
	Action      string    `json:"action"`
	Destination NodeID    `json:"destination"`
	SentAt      time.Time `json:"sent_at"`
	Deadline    time.Time `json:"deadline"`
	Resolved    bool      `json:"resolved"`
}

func (rt *RequestTable) Snapshot() []PendingInfo {
	var out []PendingInfo
	for i := range rt.shards {
		s := &rt.shards[i]
		s.mu.Lock()
		for _, p := range s.m {
			out = append(out, PendingInfo{
				RequestID:   p.RequestID,
				Action:      p.Action(),
				Destination: p.DestinationID,
				SentAt:      p.RequestTimestamp,
				Deadline:    p.Deadline,
				Resolved:    p.isResolvedLocked(),
			})
		}
		s.mu.Unlock()
	}
	return out
}

// fnvHash64 returns the FNV-1a 64-bit hash of s.
func fnvHash64(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
