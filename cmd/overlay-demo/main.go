// overlay-demo starts a CSMS, one directly connected station and one
// networking node (hub), then sends requests to a station that is only
// reachable through the hub via a static route.
//
// Run:  go run ./cmd/overlay-demo
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/big-pixel-media/ocppnet"
)

func main() {
	ctx := context.Background()

	// --- CSMS ---
	csms := ocppnet.NewServer(ocppnet.WithIdentity("CSMS"), ocppnet.WithRequestTimeout(3*time.Second))
	csms.Start()
	defer csms.Stop()

	ws := ocppnet.NewWebSocketServer(csms)
	if err := ws.Start("127.0.0.1:0"); err != nil {
		log.Fatalf("websocket start: %v", err)
	}
	defer ws.Stop()
	fmt.Printf("CSMS listening on %s\n", ws.Addr())

	// --- CS01: plain station, standard mode ---
	cs01 := ocppnet.NewClient(ocppnet.WithIdentity("CS01"))
	cs01.Handlers().HandleFunc("GetVariables", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		fmt.Printf("[CS01] GetVariables id=%s path=%s\n", call.RequestID, call.Path)
		return ocppnet.MarshalReply(map[string]any{"getVariableResult": []any{}})
	})
	cs01.Start()
	defer cs01.Close()
	dial(ctx, ws.Addr(), "CS01", cs01, ocppnet.ModeStandard)

	// --- LC01: hub answering for the stations behind it ---
	lc01 := ocppnet.NewClient(ocppnet.WithIdentity("LC01"))
	lc01.Handlers().HandleFunc("GetVariables", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		fmt.Printf("[LC01] GetVariables for %s id=%s path=%s\n", call.DestinationID, call.RequestID, call.Path)
		return ocppnet.MarshalReply(map[string]any{"answeredBy": "LC01", "for": call.DestinationID})
	})
	lc01.Start()
	defer lc01.Close()
	dial(ctx, ws.Addr(), "LC01", lc01, ocppnet.ModeOverlayNetwork)

	if err := csms.AddStaticRoute(ctx, "CS42", "LC01"); err != nil {
		log.Fatalf("add route: %v", err)
	}
	fmt.Printf("static route CS42 via LC01\n")

	payload := json.RawMessage(`{"getVariableData":[{"component":{"name":"OCPPCommCtrlr"},"variable":{"name":"HeartbeatInterval"}}]}`)

	for _, dest := range []ocppnet.NodeID{"CS01", "CS42", "CS99"} {
		fmt.Printf("\n--- GetVariables -> %s ---\n", dest)
		entry, err := csms.SendAndWait(ctx, dest, ocppnet.EmptyPath, "GetVariables", payload, 0)
		if err != nil {
			log.Fatalf("SendAndWait %s: %v", dest, err)
		}
		switch entry.Outcome() {
		case ocppnet.OutcomeResponse:
			fmt.Printf("OK: %s answered %s\n", dest, entry.Response.Payload)
		default:
			fmt.Printf("%s: outcome=%s error=%v\n", dest, entry.Outcome(), entry.Err())
		}
	}

	fmt.Println("\n--- CS01 -> CSMS Heartbeat with no handler installed ---")
	entry, err := cs01.Call(ctx, "Heartbeat", json.RawMessage(`{}`))
	if err != nil {
		log.Fatalf("Call: %v", err)
	}
	fmt.Printf("outcome=%s code=%s description=%q\n", entry.Outcome(), entry.ErrorCode, entry.ErrorDescription)

	fmt.Println("\nDemo complete.")
}

func dial(ctx context.Context, addr string, id ocppnet.NodeID, c *ocppnet.Client, mode ocppnet.NetworkingMode) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := ocppnet.DialWebSocket(dctx, "ws://"+addr+"/ocpp/"+string(id), c,
		ocppnet.WithNetworkingMode(mode), ocppnet.WithUpstreamID("CSMS")); err != nil {
		log.Fatalf("dial %s: %v", id, err)
	}
	// Registration happens on the server's goroutine after the upgrade.
	time.Sleep(50 * time.Millisecond)
	fmt.Printf("%s connected (%s)\n", id, mode)
}
