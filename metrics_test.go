package ocppnet

import (
	"context"
	"encoding/json"
	"expvar"
	"strings"
	"testing"
	"time"
)

func TestMetrics_RoundTripCounters(t *testing.T) {
	srv := NewServer(WithIdentity("CSMS"), WithHandlers(heartbeatHandlers()))
	defer srv.Stop()
	client := NewClient(WithIdentity("CS01"))
	defer client.Close()
	pipe(srv, client, "CS01", "CSMS", ModeStandard)

	if _, err := client.Call(context.Background(), "Heartbeat", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}

	cm, sm := client.Metrics(), srv.Metrics()
	if got := cm.RequestsSent.Load(); got != 1 {
		t.Errorf("client RequestsSent = %d, want 1", got)
	}
	if got := sm.RequestsReceived.Load(); got != 1 {
		t.Errorf("server RequestsReceived = %d, want 1", got)
	}
	// The waiter wakes before the counters after it are bumped.
	waitFor(t, "client ResponsesReceived", func() bool { return cm.ResponsesReceived.Load() == 1 })
	waitFor(t, "server ResponsesSent", func() bool { return sm.ResponsesSent.Load() == 1 })
}

func TestMetrics_ErrorCounters(t *testing.T) {
	srv := NewServer(WithIdentity("CSMS"))
	defer srv.Stop()
	client := NewClient(WithIdentity("CS01"))
	defer client.Close()
	pipe(srv, client, "CS01", "CSMS", ModeStandard)

	p, err := client.Call(context.Background(), "Nope", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if p.Outcome() != OutcomeRequestError || p.ErrorCode != ErrorProtocolError {
		t.Fatalf("outcome = %s code = %s, want ProtocolError", p.Outcome(), p.ErrorCode)
	}
	waitFor(t, "client ErrorsReceived", func() bool { return client.Metrics().ErrorsReceived.Load() == 1 })
	waitFor(t, "server ErrorsSent", func() bool { return srv.Metrics().ErrorsSent.Load() == 1 })
}

func TestMetrics_GaugesFollowOwner(t *testing.T) {
	srv := NewServer(WithIdentity("CSMS"))
	defer srv.Stop()

	srv.OnNewConnection(newTestConn("CS01", ModeStandard))
	srv.OnNewConnection(newTestConn("CS02", ModeStandard))
	srv.Send(context.Background(), "CS01", EmptyPath, "Reset", nil)

	snap := srv.Metrics().Snapshot()
	if snap["connections_active"] != 2 {
		t.Errorf("connections_active = %d, want 2", snap["connections_active"])
	}
	if snap["requests_pending"] != 1 {
		t.Errorf("requests_pending = %d, want 1", snap["requests_pending"])
	}
}

func TestMetrics_SweeperCountsTimeouts(t *testing.T) {
	srv := NewServer(WithIdentity("CSMS"), WithCleanupInterval(10*time.Millisecond))
	srv.Start()
	defer srv.Stop()
	srv.OnNewConnection(newTestConn("CS01", ModeStandard))

	req := NewRequest("CS01", EmptyPath, "Reset", nil, 20*time.Millisecond)
	if _, status := srv.SendRequest(context.Background(), req); status != SendSuccess {
		t.Fatalf("status = %s", status)
	}

	waitFor(t, "sweep", func() bool { return srv.Pending().Len() == 0 })
	if got := srv.Metrics().RequestsTimedOut.Load(); got != 1 {
		t.Errorf("RequestsTimedOut = %d, want 1", got)
	}
}

func TestMetrics_PublishedToExpvar(t *testing.T) {
	c := NewClient()
	defer c.Close()
	c.Metrics().DecodeFailures.Add(3)

	found := false
	expvar.Do(func(kv expvar.KeyValue) {
		if !strings.HasPrefix(kv.Key, "ocppnet.") || !strings.HasSuffix(kv.Key, ".client.decode_failures") {
			return
		}
		var v int64
		if err := json.Unmarshal([]byte(kv.Value.String()), &v); err == nil && v == 3 {
			found = true
		}
	})
	if !found {
		t.Error("decode_failures not published with value 3")
	}
}
