package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/big-pixel-media/ocppnet"
)

const sampleConfig = `
identity: CSMS-EU1
listen: ":9000"
request_timeout: 45s
subprotocols: [ocpp2.1]
routes:
  - destination: CS42
    hub: LC01
auth:
  enabled: true
  users:
    - username: CS01
      password: dev-only
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ocppd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "CSMS-EU1", cfg.Identity)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.Equal(t, []string{"ocpp2.1"}, cfg.Subprotocols)
	assert.Equal(t, []ocppnet.StaticRoute{{Destination: "CS42", Hub: "LC01"}}, cfg.Routes)
	// Unset keys keep their defaults.
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "memory", cfg.RouteStore.Kind)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultFileConfig(), cfg)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = loadConfig(writeConfig(t, "identity: [not, a, string"))
	assert.Error(t, err)
}

func TestConfig_Authenticator(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	auth, err := cfg.authenticator()
	require.NoError(t, err)
	ctx := context.Background()
	assert.True(t, auth.Validate(ctx, ocppnet.Credentials{NodeID: "CS01", Username: "CS01", Password: "dev-only"}))
	assert.False(t, auth.Validate(ctx, ocppnet.Credentials{NodeID: "CS01", Username: "CS01", Password: "nope"}))

	cfg.Auth.Users = append(cfg.Auth.Users, UserConfig{Username: "CS02"})
	_, err = cfg.authenticator()
	assert.Error(t, err, "user without credentials")

	cfg.Auth.Enabled = false
	auth, err = cfg.authenticator()
	require.NoError(t, err)
	assert.IsType(t, ocppnet.AllowAll{}, auth)
}

func TestConfig_OpenRouteStore(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	store, closeFn, err := cfg.openRouteStore(context.Background())
	require.NoError(t, err)
	defer closeFn()
	routes, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Routes, routes)

	for _, bad := range []RouteStoreConfig{
		{Kind: "postgres"},
		{Kind: "etcd"},
		{Kind: "redis"},
	} {
		cfg.RouteStore = bad
		_, _, err := cfg.openRouteStore(context.Background())
		assert.Error(t, err, "kind %q", bad.Kind)
	}
}

func TestConfig_Options(t *testing.T) {
	cfg := defaultFileConfig()
	assert.Len(t, cfg.options(), 1, "only identity by default")

	cfg.RequestTimeout = time.Second
	cfg.AuditSize = 10
	cfg.AdminAddr = "127.0.0.1:0"
	assert.Len(t, cfg.options(), 4)
}

func TestCSMSHandlers(t *testing.T) {
	h := ocppnet.NewHandlers()
	installCSMSHandlers(h)
	ctx := context.Background()

	call := func(action, payload string) (ocppnet.Reply, error) {
		handler, ok := h.Lookup(action)
		require.True(t, ok, action)
		return handler.ServeOCPP(ctx, &ocppnet.Call{Action: action, Payload: json.RawMessage(payload)})
	}

	reply, err := call("BootNotification", `{"reason":"PowerUp","chargingStation":{"model":"X1","vendorName":"Acme"}}`)
	require.NoError(t, err)
	var boot map[string]any
	require.NoError(t, json.Unmarshal(reply.Payload, &boot))
	assert.Equal(t, "Accepted", boot["status"])
	assert.EqualValues(t, 300, boot["interval"])

	_, err = call("BootNotification", `[]`)
	var ce *ocppnet.CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ocppnet.ErrorFormationViolation, ce.Code)

	_, err = call("DataTransfer", `{"messageId":"x"}`)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ocppnet.ErrorOccurenceConstraintViolation, ce.Code)

	reply, err = call("DataTransfer", `{"vendorId":"acme","data":{"k":1}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Accepted","data":{"k":1}}`, string(reply.Payload))

	reply, err = call("Heartbeat", `{}`)
	require.NoError(t, err)
	assert.Contains(t, string(reply.Payload), "currentTime")
}
