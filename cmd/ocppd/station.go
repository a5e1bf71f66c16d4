package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/big-pixel-media/ocppnet"
)

var (
	stationURL       string
	stationUsername  string
	stationPassword  string
	stationMode      string
	stationUpstream  string
	stationHeartbeat time.Duration
	stationInsecure  bool
	stationMaxBinary int
	stationHeaders   map[string]string
)

var stationCmd = &cobra.Command{
	Use:   "station",
	Short: "Simulate a charging station",
	Long: `Connect to a CSMS as a charging station, send a BootNotification and then
Heartbeats at the interval the CSMS returns (or --heartbeat). Reconnects
with backoff when the connection drops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := url.Parse(stationURL)
		if err != nil || u.Path == "" {
			return fmt.Errorf("--url must look like ws://host:port/ocpp/<stationId>")
		}
		mode, ok := ocppnet.ParseNetworkingMode(stationMode)
		if !ok {
			return fmt.Errorf("invalid --mode %q (valid: standard, overlay)", stationMode)
		}
		id := ocppnet.NodeID(path.Base(u.Path))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runStation(ctx, id, mode)
	},
}

func init() {
	stationCmd.Flags().StringVar(&stationURL, "url", "ws://127.0.0.1:8887/ocpp/CS01", "CSMS WebSocket URL ending in the station id")
	stationCmd.Flags().StringVar(&stationUsername, "username", "", "Basic auth username (defaults to the station id when --password is set)")
	stationCmd.Flags().StringVar(&stationPassword, "password", "", "Basic auth password")
	stationCmd.Flags().StringVar(&stationMode, "mode", "standard", "networking mode: standard, overlay")
	stationCmd.Flags().StringVar(&stationUpstream, "upstream", "", "node id of the upstream (CSMS or hub)")
	stationCmd.Flags().DurationVar(&stationHeartbeat, "heartbeat", 0, "heartbeat interval (default: from BootNotification)")
	stationCmd.Flags().BoolVar(&stationInsecure, "insecure-skip-verify", false, "skip TLS certificate verification for wss:// URLs")
	stationCmd.Flags().IntVar(&stationMaxBinary, "max-binary-payload", 0, "largest accepted binary payload in bytes (default 16 MiB)")
	stationCmd.Flags().StringToStringVar(&stationHeaders, "header", nil, "extra handshake header, repeatable (key=value)")
	rootCmd.AddCommand(stationCmd)
}

func runStation(ctx context.Context, id ocppnet.NodeID, mode ocppnet.NetworkingMode) error {
	client := ocppnet.NewClient(ocppnet.WithIdentity(id))
	installStationHandlers(client.Handlers())
	client.Start()
	defer client.Close()

	dialOpts := []ocppnet.DialOption{
		ocppnet.WithNetworkingMode(mode),
		ocppnet.WithUpstreamID(ocppnet.NodeID(stationUpstream)),
	}
	if stationPassword != "" {
		user := stationUsername
		if user == "" {
			user = string(id)
		}
		dialOpts = append(dialOpts, ocppnet.WithBasicAuth(user, stationPassword))
	}
	dialOpts = append(dialOpts, stationDialOptions()...)

	backoff := time.Second
	for {
		err := stationSession(ctx, client, dialOpts)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("station session ended", "station", id, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, time.Minute)
	}
}

func stationDialOptions() []ocppnet.DialOption {
	var opts []ocppnet.DialOption
	if stationInsecure {
		opts = append(opts, ocppnet.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	if stationMaxBinary > 0 {
		opts = append(opts, ocppnet.WithDialMaxBinaryPayload(stationMaxBinary))
	}
	if len(stationHeaders) > 0 {
		h := make(http.Header, len(stationHeaders))
		for k, v := range stationHeaders {
			h.Set(k, v)
		}
		opts = append(opts, ocppnet.WithDialHeader(h))
	}
	return opts
}

// stationSession runs one connection: boot, then heartbeats until the
// connection drops or ctx ends.
func stationSession(ctx context.Context, client *ocppnet.Client, dialOpts []ocppnet.DialOption) error {
	conn, err := ocppnet.DialWebSocket(ctx, stationURL, client, dialOpts...)
	if err != nil {
		return err
	}
	defer conn.Close("station session ended")

	boot, _ := json.Marshal(map[string]any{
		"reason": "PowerUp",
		"chargingStation": map[string]any{
			"model":      "ocppd-sim",
			"vendorName": "big-pixel-media",
		},
	})
	entry, err := client.Call(ctx, "BootNotification", boot)
	if err != nil {
		return err
	}
	if err := entry.Err(); err != nil {
		return fmt.Errorf("boot notification: %w", err)
	}
	var bootResp struct {
		Status   string `json:"status"`
		Interval int    `json:"interval"`
	}
	if err := json.Unmarshal(entry.Response.Payload, &bootResp); err != nil {
		return fmt.Errorf("boot notification response: %w", err)
	}
	slog.Info("boot accepted", "status", bootResp.Status, "interval", bootResp.Interval)

	interval := stationHeartbeat
	if interval <= 0 {
		interval = time.Duration(bootResp.Interval) * time.Second
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if client.Connection() != conn {
			return fmt.Errorf("connection lost")
		}
		entry, err := client.Call(ctx, "Heartbeat", json.RawMessage(`{}`))
		if err != nil {
			return err
		}
		if err := entry.Err(); err != nil {
			slog.Warn("heartbeat failed", "error", err)
			continue
		}
		slog.Info("heartbeat", "response", string(entry.Response.Payload),
			"latency", entry.ResponseTimestamp.Sub(entry.RequestTimestamp))
	}
}

func installStationHandlers(h *ocppnet.Handlers) {
	h.HandleFunc("Reset", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		slog.Info("reset requested", "payload", string(call.Payload))
		return ocppnet.MarshalReply(map[string]string{"status": "Accepted"})
	})
	h.HandleFunc("DataTransfer", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		return ocppnet.MarshalReply(map[string]any{"status": "Accepted", "data": call.Payload})
	})
	// Binary transfers are answered with their length.
	h.HandleFunc("BinaryDataTransfer", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		if !call.Binary {
			return ocppnet.Reply{}, ocppnet.NewCallError(ocppnet.ErrorNotSupported, "expected a binary request")
		}
		return ocppnet.MarshalReply(map[string]int{"length": len(call.BinaryPayload)})
	})
}
