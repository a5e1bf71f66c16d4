package ocppnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Call is an inbound request as seen by a Handler. Exactly one of Payload
// and BinaryPayload is meaningful, depending on Binary.
type Call struct {
	Timestamp       time.Time
	Conn            Connection
	Mode            NetworkingMode
	DestinationID   NodeID
	Path            NetworkPath
	EventTrackingID EventTrackingID
	RequestID       RequestID
	Action          string

	Binary        bool
	Payload       json.RawMessage
	BinaryPayload []byte
}

// Reply is a handler's answer. Set exactly one of Payload (JSON response)
// or Binary (binary response). A Reply with neither or both set is not
// answered.
type Reply struct {
	Payload json.RawMessage
	Binary  []byte
}

func JSONReply(payload json.RawMessage) Reply {
	if payload == nil {
		payload = emptyObject
	}
	return Reply{Payload: payload}
}

func BinaryReply(b []byte) Reply {
	if b == nil {
		b = []byte{}
	}
	return Reply{Binary: b}
}

// MarshalReply encodes v as the JSON payload of a reply.
func MarshalReply(v any) (Reply, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal reply: %w", err)
	}
	return Reply{Payload: b}, nil
}

func (r Reply) valid() bool {
	return (r.Payload != nil) != (r.Binary != nil)
}

// CallError is returned by a Handler to answer with a CALLERROR carrying a
// specific code. Any other error is answered with InternalError.
type CallError struct {
	Code        ErrorCode
	Description string
	Details     json.RawMessage
}

func NewCallError(code ErrorCode, description string) *CallError {
	return &CallError{Code: code, Description: description}
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Handler answers inbound requests for one action.
type Handler interface {
	ServeOCPP(ctx context.Context, call *Call) (Reply, error)
}

type HandlerFunc func(ctx context.Context, call *Call) (Reply, error)

func (f HandlerFunc) ServeOCPP(ctx context.Context, call *Call) (Reply, error) {
	return f(ctx, call)
}

// Handlers maps action names to handlers. Lookups are exact and case
// sensitive. Registration is expected at startup but is safe at any time.
type Handlers struct {
	m sync.Map // map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{}
}

func (h *Handlers) Handle(action string, handler Handler) {
	h.m.Store(action, handler)
}

func (h *Handlers) HandleFunc(action string, fn func(ctx context.Context, call *Call) (Reply, error)) {
	h.Handle(action, HandlerFunc(fn))
}

func (h *Handlers) Remove(action string) {
	h.m.Delete(action)
}

func (h *Handlers) Lookup(action string) (Handler, bool) {
	v, ok := h.m.Load(action)
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}

// Actions returns the registered action names, sorted.
func (h *Handlers) Actions() []string {
	var out []string
	h.m.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// asCallError maps a handler error to the CALLERROR fields.
func asCallError(err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		out := *ce
		if out.Code == "" {
			out.Code = ErrorGenericError
		}
		return &out
	}
	return &CallError{Code: ErrorInternalError, Description: innermostError(err).Error()}
}
