package ocppnet

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestInitLogger_Formats(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	initLogger(&buf, slog.LevelInfo, "json")
	slog.Debug("hidden")
	slog.Info("frame decode failed", "node", "CS01")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output not parseable: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "frame decode failed" || rec["node"] != "CS01" {
		t.Fatalf("unexpected record %v", rec)
	}

	buf.Reset()
	initLogger(&buf, slog.LevelDebug, "TEXT")
	slog.Debug("shown", "node", "CS02")
	if !strings.Contains(buf.String(), "node=CS02") {
		t.Fatalf("text output = %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
