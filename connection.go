package ocppnet

import (
	"context"
	"sync"
	"time"
)

// Connection is one live transport connection. Implementations must allow
// SendText/SendBinary to be called from multiple goroutines.
type Connection interface {
	SendText(ctx context.Context, data []byte) error
	SendBinary(ctx context.Context, data []byte) error
	// Close closes the connection. It is safe to call more than once.
	Close(reason string) error
	RemoteAddr() string
	Attributes() *Attributes
}

// FrameHandler receives connection lifecycle events and inbound frames from
// a transport. Server and Client both implement it.
type FrameHandler interface {
	OnNewConnection(conn Connection)
	OnTextMessage(conn Connection, data []byte)
	OnBinaryMessage(conn Connection, data []byte)
	OnClose(conn Connection)
}

// Attributes is the per-connection key/value bag. The identity and the
// negotiated networking mode are bound once at handshake time; Set/Get hold
// anything else a transport or handler wants to keep with the connection.
type Attributes struct {
	mu          sync.RWMutex
	nodeID      NodeID
	mode        NetworkingMode
	subprotocol string
	connectedAt time.Time
	values      map[string]any
}

func NewAttributes(nodeID NodeID, mode NetworkingMode, subprotocol string) *Attributes {
	return &Attributes{
		nodeID:      nodeID,
		mode:        mode,
		subprotocol: subprotocol,
		connectedAt: time.Now().UTC(),
	}
}

func (a *Attributes) NodeID() NodeID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodeID
}

// Mode returns the negotiated networking mode, ModeStandard if none was
// negotiated.
func (a *Attributes) Mode() NetworkingMode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode.Resolved()
}

func (a *Attributes) Subprotocol() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.subprotocol
}

func (a *Attributes) ConnectedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connectedAt
}

func (a *Attributes) Get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.values[key]
	return v, ok
}

func (a *Attributes) Set(key string, v any) {
	a.mu.Lock()
	if a.values == nil {
		a.values = make(map[string]any)
	}
	a.values[key] = v
	a.mu.Unlock()
}

// sendGate serializes sends on one connection. Acquire waits at most the
// given duration; a gate that cannot be acquired counts as a transmission
// failure rather than blocking the caller indefinitely.
type sendGate chan struct{}

func newSendGate() sendGate {
	return make(sendGate, 1)
}

func (g sendGate) acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case g <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case g <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrSendGateTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g sendGate) release() {
	<-g
}

// frame is an encoded envelope ready for a Connection.
type frame struct {
	data   []byte
	binary bool
}

func (f frame) writeTo(ctx context.Context, conn Connection) error {
	if f.binary {
		return conn.SendBinary(ctx, f.data)
	}
	return conn.SendText(ctx, f.data)
}

// gatedWrite transmits f while holding g.
func gatedWrite(ctx context.Context, g sendGate, timeout time.Duration, conn Connection, f frame) error {
	if err := g.acquire(ctx, timeout); err != nil {
		return err
	}
	defer g.release()
	return f.writeTo(ctx, conn)
}
