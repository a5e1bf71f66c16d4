package ocppnet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JSON frame layouts (OCPP-J):
//
//	standard  request  [2, id, action, payload]
//	          response [3, id, payload]
//	          error    [4, id, code, description, details]
//	overlay   request  [2, dest, [hops], id, action, payload]
//	          response [3, dest, [hops], id, payload]
//	          error    [4, dest, [hops], id, code, description, details]

var errEmptyFrame = fmt.Errorf("empty frame")

// --- encode ---

// EncodeJSON renders the request as an OCPP-J array. ModeUnknown is
// encoded as standard.
func (r *Request) EncodeJSON() ([]byte, error) {
	action := strings.TrimSpace(r.Action)
	if action == "" {
		return nil, ErrEmptyAction
	}
	payload := payloadOrEmpty(r.Payload)
	switch r.Mode.Resolved() {
	case ModeOverlayNetwork:
		if r.DestinationID.IsZero() {
			return nil, fmt.Errorf("overlay request %s has no destination", r.RequestID)
		}
		return json.Marshal([]any{MessageTypeRequest, r.DestinationID, r.Path, r.RequestID, action, payload})
	default:
		return json.Marshal([]any{MessageTypeRequest, r.RequestID, action, payload})
	}
}

func (r *Response) EncodeJSON() ([]byte, error) {
	payload := payloadOrEmpty(r.Payload)
	switch r.Mode.Resolved() {
	case ModeOverlayNetwork:
		if r.DestinationID.IsZero() {
			return nil, fmt.Errorf("overlay response %s has no destination", r.RequestID)
		}
		return json.Marshal([]any{MessageTypeResponse, r.DestinationID, r.Path, r.RequestID, payload})
	default:
		return json.Marshal([]any{MessageTypeResponse, r.RequestID, payload})
	}
}

func (e *RequestError) EncodeJSON() ([]byte, error) {
	details := payloadOrEmpty(e.ErrorDetails)
	code := e.ErrorCode
	if code == "" {
		code = ErrorGenericError
	}
	switch e.Mode.Resolved() {
	case ModeOverlayNetwork:
		if e.DestinationID.IsZero() {
			return nil, fmt.Errorf("overlay error %s has no destination", e.RequestID)
		}
		return json.Marshal([]any{MessageTypeRequestError, e.DestinationID, e.Path, e.RequestID, code, e.ErrorDescription, details})
	default:
		return json.Marshal([]any{MessageTypeRequestError, e.RequestID, code, e.ErrorDescription, details})
	}
}

// --- decode ---

// DecodeJSON parses any OCPP-J frame. implicitSource is the identity bound
// to the connection the frame arrived on; it is appended to the decoded
// network path unless zero or already the last hop.
//
// The returned message is one of *Request, *Response or *RequestError.
func DecodeJSON(data []byte, implicitSource NodeID) (Message, error) {
	elems, tag, err := splitJSONFrame(data)
	if err != nil {
		return nil, err
	}
	switch tag {
	case MessageTypeRequest:
		return parseJSONRequest(elems, implicitSource)
	case MessageTypeResponse:
		return parseJSONResponse(elems, implicitSource)
	case MessageTypeRequestError:
		return parseJSONRequestError(elems, implicitSource)
	default:
		return nil, fmt.Errorf("unknown message type %d", tag)
	}
}

// ParseJSONRequest parses a CALL frame.
func ParseJSONRequest(data []byte, implicitSource NodeID) (*Request, error) {
	elems, tag, err := splitJSONFrame(data)
	if err != nil {
		return nil, err
	}
	if tag != MessageTypeRequest {
		return nil, fmt.Errorf("expected message type %d, got %d", MessageTypeRequest, tag)
	}
	return parseJSONRequest(elems, implicitSource)
}

// ParseJSONResponse parses a CALLRESULT frame.
func ParseJSONResponse(data []byte, implicitSource NodeID) (*Response, error) {
	elems, tag, err := splitJSONFrame(data)
	if err != nil {
		return nil, err
	}
	if tag != MessageTypeResponse {
		return nil, fmt.Errorf("expected message type %d, got %d", MessageTypeResponse, tag)
	}
	return parseJSONResponse(elems, implicitSource)
}

// ParseJSONRequestError parses a CALLERROR frame.
func ParseJSONRequestError(data []byte, implicitSource NodeID) (*RequestError, error) {
	elems, tag, err := splitJSONFrame(data)
	if err != nil {
		return nil, err
	}
	if tag != MessageTypeRequestError {
		return nil, fmt.Errorf("expected message type %d, got %d", MessageTypeRequestError, tag)
	}
	return parseJSONRequestError(elems, implicitSource)
}

func splitJSONFrame(data []byte) ([]json.RawMessage, MessageType, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, 0, errEmptyFrame
	}
	if data[0] != '[' {
		return nil, 0, fmt.Errorf("frame is not a JSON array")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, 0, fmt.Errorf("invalid JSON array: %w", err)
	}
	if len(elems) < 3 {
		return nil, 0, fmt.Errorf("frame has %d elements, need at least 3", len(elems))
	}
	var tag int
	if err := json.Unmarshal(elems[0], &tag); err != nil {
		return nil, 0, fmt.Errorf("message type must be an integer: %s", elems[0])
	}
	if tag < 0 || tag > 255 {
		return nil, 0, fmt.Errorf("message type %d out of range", tag)
	}
	return elems, MessageType(tag), nil
}

// overlayHeader decodes [dest, [hops]] at elems[1:3].
func overlayHeader(elems []json.RawMessage) (NodeID, NetworkPath, error) {
	dest, err := jsonString(elems[1], "destination id")
	if err != nil {
		return "", EmptyPath, err
	}
	if NodeID(dest).IsZero() {
		return "", EmptyPath, fmt.Errorf("destination id must not be empty")
	}
	var path NetworkPath
	if err := json.Unmarshal(elems[2], &path); err != nil {
		return "", EmptyPath, err
	}
	return NodeID(dest), path, nil
}

func parseJSONRequest(elems []json.RawMessage, implicitSource NodeID) (*Request, error) {
	req := &Request{
		Timestamp:       time.Now().UTC(),
		EventTrackingID: NewEventTrackingID(),
	}
	var rest []json.RawMessage
	switch len(elems) {
	case 4:
		req.Mode = ModeStandard
		rest = elems[1:]
	case 6:
		dest, path, err := overlayHeader(elems)
		if err != nil {
			return nil, fmt.Errorf("request: %w", err)
		}
		req.Mode = ModeOverlayNetwork
		req.DestinationID = dest
		req.Path = path
		rest = elems[3:]
	default:
		return nil, fmt.Errorf("request must have 4 or 6 elements, got %d", len(elems))
	}

	id, err := jsonRequestID(rest[0])
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	req.RequestID = id

	action, err := jsonString(rest[1], "action")
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, fmt.Errorf("request %s: %w", id, ErrEmptyAction)
	}
	req.Action = action

	if err := jsonObject(rest[2], "payload"); err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	req.Payload = cloneRaw(rest[2])
	req.Path = req.Path.AppendIfDifferent(implicitSource)
	return req, nil
}

func parseJSONResponse(elems []json.RawMessage, implicitSource NodeID) (*Response, error) {
	res := &Response{
		Timestamp:       time.Now().UTC(),
		EventTrackingID: NewEventTrackingID(),
	}
	var rest []json.RawMessage
	switch len(elems) {
	case 3:
		res.Mode = ModeStandard
		rest = elems[1:]
	case 5:
		dest, path, err := overlayHeader(elems)
		if err != nil {
			return nil, fmt.Errorf("response: %w", err)
		}
		res.Mode = ModeOverlayNetwork
		res.DestinationID = dest
		res.Path = path
		rest = elems[3:]
	default:
		return nil, fmt.Errorf("response must have 3 or 5 elements, got %d", len(elems))
	}

	id, err := jsonRequestID(rest[0])
	if err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}
	res.RequestID = id

	if err := jsonObject(rest[1], "payload"); err != nil {
		return nil, fmt.Errorf("response %s: %w", id, err)
	}
	res.Payload = cloneRaw(rest[1])
	res.Path = res.Path.AppendIfDifferent(implicitSource)
	return res, nil
}

func parseJSONRequestError(elems []json.RawMessage, implicitSource NodeID) (*RequestError, error) {
	e := &RequestError{
		Timestamp:       time.Now().UTC(),
		EventTrackingID: NewEventTrackingID(),
	}
	var rest []json.RawMessage
	switch len(elems) {
	case 5:
		e.Mode = ModeStandard
		rest = elems[1:]
	case 7:
		dest, path, err := overlayHeader(elems)
		if err != nil {
			return nil, fmt.Errorf("request error: %w", err)
		}
		e.Mode = ModeOverlayNetwork
		e.DestinationID = dest
		e.Path = path
		rest = elems[3:]
	default:
		return nil, fmt.Errorf("request error must have 5 or 7 elements, got %d", len(elems))
	}

	id, err := jsonRequestID(rest[0])
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	e.RequestID = id

	codeText, err := jsonString(rest[1], "error code")
	if err != nil {
		return nil, fmt.Errorf("request error %s: %w", id, err)
	}
	if strings.TrimSpace(codeText) == "" {
		return nil, fmt.Errorf("request error %s: error code must not be empty", id)
	}
	e.ErrorCode, _ = ParseErrorCode(codeText)

	if e.ErrorDescription, err = jsonString(rest[2], "error description"); err != nil {
		return nil, fmt.Errorf("request error %s: %w", id, err)
	}
	if err := jsonObject(rest[3], "error details"); err != nil {
		return nil, fmt.Errorf("request error %s: %w", id, err)
	}
	e.ErrorDetails = cloneRaw(rest[3])
	e.Path = e.Path.AppendIfDifferent(implicitSource)
	return e, nil
}

// peekJSONRequestID extracts the request id from a frame that failed to
// decode so a CALLERROR can still be correlated by the sender. It only
// succeeds for frames tagged as requests.
func peekJSONRequestID(data []byte) (RequestID, NetworkingMode, NetworkPath, bool) {
	elems, tag, err := splitJSONFrame(data)
	if err != nil || tag != MessageTypeRequest {
		return "", ModeUnknown, EmptyPath, false
	}
	switch {
	case len(elems) >= 6:
		if dest, path, err := overlayHeader(elems); err == nil && !dest.IsZero() {
			if id, err := jsonRequestID(elems[3]); err == nil {
				return id, ModeOverlayNetwork, path, true
			}
		}
	case len(elems) == 4:
		if id, err := jsonRequestID(elems[1]); err == nil {
			return id, ModeStandard, EmptyPath, true
		}
	}
	return "", ModeUnknown, EmptyPath, false
}

// --- element helpers ---

func jsonString(raw json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s must be a string: %s", field, truncateForLog(raw))
	}
	return s, nil
}

func jsonRequestID(raw json.RawMessage) (RequestID, error) {
	s, err := jsonString(raw, "request id")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("request id must not be empty")
	}
	return RequestID(s), nil
}

func jsonObject(raw json.RawMessage, field string) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%s must be a JSON object: %s", field, truncateForLog(raw))
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// truncateForLog shortens raw frame content for log and error messages.
func truncateForLog(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
