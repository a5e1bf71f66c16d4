package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/big-pixel-media/ocppnet"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CSMS WebSocket endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "WebSocket listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, c Config) error {
	store, closeStore, err := c.openRouteStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	auth, err := c.authenticator()
	if err != nil {
		return err
	}

	opts := append(c.options(),
		ocppnet.WithRouteStore(store),
		ocppnet.WithAuthenticator(auth),
		ocppnet.WithEvents(&ocppnet.Events{
			OnDecodeFailed: func(conn ocppnet.Connection, raw []byte, err error) {
				slog.Debug("undecodable frame", "node", conn.Attributes().NodeID(), "bytes", len(raw), "error", err)
			},
		}),
	)
	srv := ocppnet.NewServer(opts...)
	installCSMSHandlers(srv.Handlers())

	if err := srv.LoadStaticRoutes(ctx); err != nil {
		return err
	}
	srv.Start()
	defer srv.Stop()

	ws := ocppnet.NewWebSocketServer(srv)
	if err := ws.Start(c.Listen); err != nil {
		return err
	}
	defer ws.Stop()

	slog.Info("ocppd ready", "identity", srv.Identity(), "listen", ws.Addr(), "admin", c.AdminAddr,
		"route_store", c.RouteStore.Kind)
	<-ctx.Done()
	slog.Info("ocppd shutting down")
	return nil
}

// installCSMSHandlers answers the station-initiated messages every CSMS
// needs. The answers are canned; business logic lives elsewhere.
func installCSMSHandlers(h *ocppnet.Handlers) {
	h.HandleFunc("Heartbeat", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		return ocppnet.MarshalReply(map[string]any{
			"currentTime": time.Now().UTC().Format(time.RFC3339),
		})
	})

	h.HandleFunc("BootNotification", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		var req struct {
			Reason          string `json:"reason"`
			ChargingStation struct {
				Model      string `json:"model"`
				VendorName string `json:"vendorName"`
			} `json:"chargingStation"`
		}
		if err := json.Unmarshal(call.Payload, &req); err != nil {
			return ocppnet.Reply{}, ocppnet.NewCallError(ocppnet.ErrorFormationViolation, err.Error())
		}
		slog.Info("boot notification", "node", call.Path.Source(), "reason", req.Reason,
			"vendor", req.ChargingStation.VendorName, "model", req.ChargingStation.Model)
		return ocppnet.MarshalReply(map[string]any{
			"currentTime": time.Now().UTC().Format(time.RFC3339),
			"interval":    300,
			"status":      "Accepted",
		})
	})

	h.HandleFunc("DataTransfer", func(ctx context.Context, call *ocppnet.Call) (ocppnet.Reply, error) {
		var req struct {
			VendorID  string          `json:"vendorId"`
			MessageID string          `json:"messageId"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(call.Payload, &req); err != nil {
			return ocppnet.Reply{}, ocppnet.NewCallError(ocppnet.ErrorFormationViolation, err.Error())
		}
		if req.VendorID == "" {
			return ocppnet.Reply{}, ocppnet.NewCallError(ocppnet.ErrorOccurenceConstraintViolation, "vendorId is required")
		}
		return ocppnet.MarshalReply(map[string]any{
			"status": "Accepted",
			"data":   req.Data,
		})
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
