package ocppnet

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNetworkPath_AppendDoesNotMutate(t *testing.T) {
	base := NewNetworkPath("CSMS")
	a := base.Append("LC01")
	b := base.Append("LC02")

	if base.Len() != 1 {
		t.Fatalf("base mutated: %s", base)
	}
	if a.Last() != "LC01" || b.Last() != "LC02" {
		t.Fatalf("appends interfered: a=%s b=%s", a, b)
	}
	if a.Source() != "CSMS" {
		t.Fatalf("source = %s, want CSMS", a.Source())
	}
}

func TestNetworkPath_AppendIfDifferent(t *testing.T) {
	p := NewNetworkPath("CS01")

	if got := p.AppendIfDifferent("CS01"); got.Len() != 1 {
		t.Errorf("duplicate last hop appended: %s", got)
	}
	if got := p.AppendIfDifferent(ZeroNodeID); got.Len() != 1 {
		t.Errorf("zero id appended: %s", got)
	}
	if got := p.AppendIfDifferent("LC01"); got.String() != "CS01 -> LC01" {
		t.Errorf("got %s, want CS01 -> LC01", got)
	}
}

func TestNetworkPath_EmptyAccessors(t *testing.T) {
	if !EmptyPath.IsEmpty() || !EmptyPath.Source().IsZero() || !EmptyPath.Last().IsZero() {
		t.Fatal("empty path accessors should return zero values")
	}
	if EmptyPath.Contains("CS01") {
		t.Fatal("empty path contains a hop")
	}
}

func TestNetworkPath_JSON(t *testing.T) {
	data, err := json.Marshal(EmptyPath)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[]" {
		t.Fatalf("empty path encoded as %s, want []", data)
	}

	var p NetworkPath
	if err := json.Unmarshal([]byte(`["CS01","LC01"]`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Equal(NewNetworkPath("CS01", "LC01")) {
		t.Fatalf("decoded %s", p)
	}

	if err := json.Unmarshal([]byte(`"CS01"`), &p); err == nil {
		t.Fatal("expected error for non-array path")
	}

	long := `["` + strings.Repeat(`X","`, maxPathHops) + `X"]`
	if err := json.Unmarshal([]byte(long), &p); !errors.Is(err, ErrPathTooLong) {
		t.Fatalf("err = %v, want ErrPathTooLong", err)
	}
}

func TestNetworkingMode_Parse(t *testing.T) {
	cases := map[string]NetworkingMode{
		"Standard":       ModeStandard,
		"standard":       ModeStandard,
		"OverlayNetwork": ModeOverlayNetwork,
		"overlay":        ModeOverlayNetwork,
		"":               ModeUnknown,
	}
	for in, want := range cases {
		got, ok := ParseNetworkingMode(in)
		if !ok || got != want {
			t.Errorf("ParseNetworkingMode(%q) = %s, %v; want %s", in, got, ok, want)
		}
	}
	if _, ok := ParseNetworkingMode("mesh"); ok {
		t.Error("unknown mode accepted")
	}
	if ModeUnknown.Resolved() != ModeStandard {
		t.Error("unknown mode should resolve to standard")
	}
}

func TestErrorCode_Parse(t *testing.T) {
	if code, ok := ParseErrorCode("FormationViolation"); !ok || code != ErrorFormationViolation {
		t.Errorf("got %s, %v", code, ok)
	}
	if code, ok := ParseErrorCode("Whatever"); ok || code != ErrorGenericError {
		t.Errorf("got %s, %v; want GenericError, false", code, ok)
	}
}

func TestNodeID_IsZero(t *testing.T) {
	if !NodeID("  ").IsZero() {
		t.Error("blank id should be zero")
	}
	if NewRequestID() == NewRequestID() {
		t.Error("request ids collide")
	}
}
