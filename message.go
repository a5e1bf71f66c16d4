package ocppnet

import (
	"encoding/json"
	"time"
)

// MessageType is the OCPP message type tag, the first element of every
// JSON frame and the first byte of every binary frame.
type MessageType byte

const (
	MessageTypeRequest      MessageType = 2 // CALL
	MessageTypeResponse     MessageType = 3 // CALLRESULT
	MessageTypeRequestError MessageType = 4 // CALLERROR
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "CALL"
	case MessageTypeResponse:
		return "CALLRESULT"
	case MessageTypeRequestError:
		return "CALLERROR"
	default:
		return "UNKNOWN"
	}
}

// Message is implemented by every decoded envelope.
type Message interface {
	MessageType() MessageType
	ID() RequestID
}

// emptyObject is used when a payload or error details are left nil.
var emptyObject = json.RawMessage(`{}`)

// Request is a JSON CALL.
//
// Envelopes are built in two phases: the logical envelope is created with
// whatever mode the caller knows (often ModeUnknown) and Resolve returns
// the wire-ready copy once the outgoing connection is known.
type Request struct {
	Timestamp       time.Time
	EventTrackingID EventTrackingID
	Mode            NetworkingMode
	DestinationID   NodeID
	Path            NetworkPath
	RequestID       RequestID
	Action          string
	Payload         json.RawMessage
	Timeout         time.Duration

	// ErrorMessage is set locally when the request could not be
	// transmitted. It never appears on the wire.
	ErrorMessage string
}

// NewRequest builds a logical request with a fresh request id.
func NewRequest(destination NodeID, path NetworkPath, action string, payload json.RawMessage, timeout time.Duration) *Request {
	return &Request{
		Timestamp:       time.Now().UTC(),
		EventTrackingID: NewEventTrackingID(),
		Mode:            ModeUnknown,
		DestinationID:   destination,
		Path:            path,
		RequestID:       NewRequestID(),
		Action:          action,
		Payload:         payload,
		Timeout:         timeout,
	}
}

func (r *Request) MessageType() MessageType { return MessageTypeRequest }
func (r *Request) ID() RequestID            { return r.RequestID }

// HasErrors reports whether the request failed locally before reaching
// the wire.
func (r *Request) HasErrors() bool { return r.ErrorMessage != "" }

// Resolve returns a copy of r with its networking mode fixed. A mode that
// is already known is kept; ModeUnknown takes mode (or Standard).
func (r *Request) Resolve(mode NetworkingMode) *Request {
	cp := *r
	if cp.Mode == ModeUnknown {
		cp.Mode = mode.Resolved()
	}
	return &cp
}

// BinaryRequest is a CALL carrying an opaque binary payload.
type BinaryRequest struct {
	Timestamp       time.Time
	EventTrackingID EventTrackingID
	Mode            NetworkingMode
	DestinationID   NodeID
	Path            NetworkPath
	RequestID       RequestID
	Action          string
	Payload         []byte
	Timeout         time.Duration
	ErrorMessage    string
}

func NewBinaryRequest(destination NodeID, path NetworkPath, action string, payload []byte, timeout time.Duration) *BinaryRequest {
	return &BinaryRequest{
		Timestamp:       time.Now().UTC(),
		EventTrackingID: NewEventTrackingID(),
		Mode:            ModeUnknown,
		DestinationID:   destination,
		Path:            path,
		RequestID:       NewRequestID(),
		Action:          action,
		Payload:         payload,
		Timeout:         timeout,
	}
}

func (r *BinaryRequest) MessageType() MessageType { return MessageTypeRequest }
func (r *BinaryRequest) ID() RequestID            { return r.RequestID }
func (r *BinaryRequest) HasErrors() bool          { return r.ErrorMessage != "" }

func (r *BinaryRequest) Resolve(mode NetworkingMode) *BinaryRequest {
	cp := *r
	if cp.Mode == ModeUnknown {
		cp.Mode = mode.Resolved()
	}
	return &cp
}

// Response is a JSON CALLRESULT.
type Response struct {
	Timestamp       time.Time
	EventTrackingID EventTrackingID
	Mode            NetworkingMode
	DestinationID   NodeID
	Path            NetworkPath
	RequestID       RequestID
	Payload         json.RawMessage
}

func (r *Response) MessageType() MessageType { return MessageTypeResponse }
func (r *Response) ID() RequestID            { return r.RequestID }

func (r *Response) Resolve(mode NetworkingMode) *Response {
	cp := *r
	if cp.Mode == ModeUnknown {
		cp.Mode = mode.Resolved()
	}
	return &cp
}

// BinaryResponse is a CALLRESULT carrying an opaque binary payload.
type BinaryResponse struct {
	Timestamp       time.Time
	EventTrackingID EventTrackingID
	Mode            NetworkingMode
	DestinationID   NodeID
	Path            NetworkPath
	RequestID       RequestID
	Payload         []byte
}

func (r *BinaryResponse) MessageType() MessageType { return MessageTypeResponse }
func (r *BinaryResponse) ID() RequestID            { return r.RequestID }

func (r *BinaryResponse) Resolve(mode NetworkingMode) *BinaryResponse {
	cp := *r
	if cp.Mode == ModeUnknown {
		cp.Mode = mode.Resolved()
	}
	return &cp
}

// RequestError is a CALLERROR. In standard mode its JSON form is the
// classic five element array [4, id, code, description, details].
type RequestError struct {
	Timestamp        time.Time
	EventTrackingID  EventTrackingID
	Mode             NetworkingMode
	DestinationID    NodeID
	Path             NetworkPath
	RequestID        RequestID
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

func (e *RequestError) MessageType() MessageType { return MessageTypeRequestError }
func (e *RequestError) ID() RequestID            { return e.RequestID }

func (e *RequestError) Resolve(mode NetworkingMode) *RequestError {
	cp := *e
	if cp.Mode == ModeUnknown {
		cp.Mode = mode.Resolved()
	}
	return &cp
}

// replyAddress is where a reply to an inbound request must go: back to
// the node that originated the request, recorded as the first path hop.
type replyAddress struct {
	mode        NetworkingMode
	destination NodeID
	path        NetworkPath
}

func replyTo(mode NetworkingMode, reqPath NetworkPath, self NodeID) replyAddress {
	path := EmptyPath
	if !self.IsZero() {
		path = path.Append(self)
	}
	return replyAddress{
		mode:        mode,
		destination: reqPath.Source(),
		path:        path,
	}
}

// NewResponseFor builds the response to an inbound JSON request. The
// response mirrors the request's networking mode and is addressed to the
// request's originator.
func NewResponseFor(req *Request, self NodeID, payload json.RawMessage) *Response {
	addr := replyTo(req.Mode, req.Path, self)
	return &Response{
		Timestamp:       time.Now().UTC(),
		EventTrackingID: req.EventTrackingID,
		Mode:            addr.mode,
		DestinationID:   addr.destination,
		Path:            addr.path,
		RequestID:       req.RequestID,
		Payload:         payload,
	}
}

func NewBinaryResponseFor(req *BinaryRequest, self NodeID, payload []byte) *BinaryResponse {
	addr := replyTo(req.Mode, req.Path, self)
	return &BinaryResponse{
		Timestamp:       time.Now().UTC(),
		EventTrackingID: req.EventTrackingID,
		Mode:            addr.mode,
		DestinationID:   addr.destination,
		Path:            addr.path,
		RequestID:       req.RequestID,
		Payload:         payload,
	}
}

// NewRequestErrorFor builds a CALLERROR answering the inbound request
// identified by id, travelling along path with the given mode.
func NewRequestErrorFor(mode NetworkingMode, path NetworkPath, id RequestID, self NodeID, code ErrorCode, description string, details json.RawMessage) *RequestError {
	addr := replyTo(mode, path, self)
	return &RequestError{
		Timestamp:        time.Now().UTC(),
		EventTrackingID:  NewEventTrackingID(),
		Mode:             addr.mode,
		DestinationID:    addr.destination,
		Path:             addr.path,
		RequestID:        id,
		ErrorCode:        code,
		ErrorDescription: description,
		ErrorDetails:     details,
	}
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return emptyObject
	}
	return p
}
