package ocppnet

import (
	"context"
	"sync"
	"testing"
	"time"
)

// testConn is an in-memory Connection. Frames sent on it land in out,
// either for inspection (next) or for a pipe to forward to the peer.
type testConn struct {
	attrs  *Attributes
	remote string
	out    chan frame

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sendErr error
	reason  string
}

func newTestConn(id NodeID, mode NetworkingMode) *testConn {
	return &testConn{
		attrs:  NewAttributes(id, mode, SubprotocolOCPP21),
		remote: "pipe:" + string(id),
		out:    make(chan frame, 256),
		done:   make(chan struct{}),
	}
}

func (c *testConn) SendText(ctx context.Context, data []byte) error {
	return c.send(ctx, frame{data: append([]byte(nil), data...)})
}

func (c *testConn) SendBinary(ctx context.Context, data []byte) error {
	return c.send(ctx, frame{data: append([]byte(nil), data...), binary: true})
}

func (c *testConn) send(ctx context.Context, f frame) error {
	c.mu.Lock()
	err := c.sendErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *testConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *testConn) RemoteAddr() string      { return c.remote }
func (c *testConn) Attributes() *Attributes { return c.attrs }

func (c *testConn) failSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *testConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *testConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// next returns the next frame written to c.
func (c *testConn) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-c.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return frame{}
	}
}

// expectNone fails if anything is written to c within d.
func (c *testConn) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-c.out:
		t.Fatalf("unexpected frame written: %s", f.data)
	case <-time.After(d):
	}
}

// pipe connects a station-side handler to a server-side handler. It
// returns the server's view of the station (bound to station) and the
// station's view of its upstream (bound to upstream).
func pipe(server, station FrameHandler, stationID, upstreamID NodeID, mode NetworkingMode) (serverSide, stationSide *testConn) {
	serverSide = newTestConn(stationID, mode)
	stationSide = newTestConn(upstreamID, mode)
	go forward(serverSide, station, stationSide)
	go forward(stationSide, server, serverSide)
	server.OnNewConnection(serverSide)
	station.OnNewConnection(stationSide)
	return serverSide, stationSide
}

// forward delivers frames written to from as inbound frames on peer.
func forward(from *testConn, to FrameHandler, peer *testConn) {
	for {
		select {
		case f := <-from.out:
			if f.binary {
				to.OnBinaryMessage(peer, f.data)
			} else {
				to.OnTextMessage(peer, f.data)
			}
		case <-from.done:
			return
		}
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
