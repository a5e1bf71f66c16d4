package ocppnet

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_StandardRequestWireForm(t *testing.T) {
	req := &Request{Mode: ModeStandard, RequestID: "R1", Action: "Heartbeat", Payload: json.RawMessage(`{}`)}

	data, err := req.EncodeJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"R1","Heartbeat",{}]`, string(data))
}

func TestJSON_UnknownModeEncodesAsStandard(t *testing.T) {
	req := &Request{Mode: ModeUnknown, DestinationID: "CS01", RequestID: "R1", Action: "Heartbeat"}

	data, err := req.EncodeJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"R1","Heartbeat",{}]`, string(data))
}

func TestJSON_OverlayRequestRoundTrip(t *testing.T) {
	req := &Request{
		Mode:          ModeOverlayNetwork,
		DestinationID: "CS42",
		Path:          NewNetworkPath("CSMS"),
		RequestID:     "R7",
		Action:        "GetVariables",
		Payload:       json.RawMessage(`{"a":1}`),
	}
	data, err := req.EncodeJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"CS42",["CSMS"],"R7","GetVariables",{"a":1}]`, string(data))

	got, err := ParseJSONRequest(data, ZeroNodeID)
	require.NoError(t, err)
	assert.Equal(t, ModeOverlayNetwork, got.Mode)
	assert.Equal(t, NodeID("CS42"), got.DestinationID)
	assert.True(t, got.Path.Equal(NewNetworkPath("CSMS")), "path = %s", got.Path)
	assert.Equal(t, RequestID("R7"), got.RequestID)
	assert.Equal(t, "GetVariables", got.Action)
	assert.JSONEq(t, `{"a":1}`, string(got.Payload))
	assert.NotEmpty(t, got.EventTrackingID)
}

func TestJSON_ResponseAndErrorRoundTrip(t *testing.T) {
	for _, mode := range []NetworkingMode{ModeStandard, ModeOverlayNetwork} {
		t.Run(mode.String(), func(t *testing.T) {
			res := &Response{Mode: mode, DestinationID: "CSMS", Path: NewNetworkPath("CS01"), RequestID: "R1",
				Payload: json.RawMessage(`{"currentTime":"2024-01-01T00:00:00Z"}`)}
			data, err := res.EncodeJSON()
			require.NoError(t, err)
			msg, err := DecodeJSON(data, ZeroNodeID)
			require.NoError(t, err)
			gotRes, ok := msg.(*Response)
			require.True(t, ok, "decoded %T", msg)
			assert.Equal(t, mode, gotRes.Mode)
			assert.Equal(t, RequestID("R1"), gotRes.RequestID)
			assert.JSONEq(t, `{"currentTime":"2024-01-01T00:00:00Z"}`, string(gotRes.Payload))

			rerr := &RequestError{Mode: mode, DestinationID: "CSMS", Path: NewNetworkPath("CS01"), RequestID: "R2",
				ErrorCode: ErrorNotSupported, ErrorDescription: "nope", ErrorDetails: json.RawMessage(`{"x":true}`)}
			data, err = rerr.EncodeJSON()
			require.NoError(t, err)
			msg, err = DecodeJSON(data, ZeroNodeID)
			require.NoError(t, err)
			gotErr, ok := msg.(*RequestError)
			require.True(t, ok, "decoded %T", msg)
			assert.Equal(t, mode, gotErr.Mode)
			assert.Equal(t, ErrorNotSupported, gotErr.ErrorCode)
			assert.Equal(t, "nope", gotErr.ErrorDescription)
			assert.JSONEq(t, `{"x":true}`, string(gotErr.ErrorDetails))
			if mode == ModeOverlayNetwork {
				assert.Equal(t, NodeID("CSMS"), gotErr.DestinationID)
				assert.True(t, gotErr.Path.Equal(NewNetworkPath("CS01")))
			}
		})
	}
}

func TestJSON_LegacyErrorArray(t *testing.T) {
	e, err := ParseJSONRequestError([]byte(`[4,"R9","FormationViolation","bad payload",{}]`), ZeroNodeID)
	require.NoError(t, err)
	assert.Equal(t, ModeStandard, e.Mode)
	assert.Equal(t, RequestID("R9"), e.RequestID)
	assert.Equal(t, ErrorFormationViolation, e.ErrorCode)
	assert.Equal(t, "bad payload", e.ErrorDescription)
}

func TestJSON_UnknownErrorCodeMapsToGeneric(t *testing.T) {
	e, err := ParseJSONRequestError([]byte(`[4,"R9","SomethingNew","",{}]`), ZeroNodeID)
	require.NoError(t, err)
	assert.Equal(t, ErrorGenericError, e.ErrorCode)
}

func TestJSON_ImplicitSourceAppended(t *testing.T) {
	req, err := ParseJSONRequest([]byte(`[2,"R1","Heartbeat",{}]`), "CS01")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"CS01"}, req.Path.Hops())

	// Not duplicated when the sender already recorded itself.
	req, err = ParseJSONRequest([]byte(`[2,"CSMS",["LC01","CS01"],"R1","Heartbeat",{}]`), "CS01")
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"LC01", "CS01"}, req.Path.Hops())
}

func TestJSON_DecodeFailures(t *testing.T) {
	cases := map[string]string{
		"empty":              ``,
		"not an array":       `{"a":1}`,
		"too short":          `[2,"R1"]`,
		"tag not int":        `["2","R1","Heartbeat",{}]`,
		"unknown tag":        `[9,"R1","Heartbeat",{}]`,
		"request arity 5":    `[2,"R1","Heartbeat",{},{}]`,
		"response arity 4":   `[3,"R1",{},{}]`,
		"error arity 6":      `[4,"R1","GenericError","",{},{}]`,
		"id not string":      `[2,1,"Heartbeat",{}]`,
		"empty id":           `[2,"","Heartbeat",{}]`,
		"empty action":       `[2,"R1","  ",{}]`,
		"payload not object": `[2,"R1","Heartbeat",[]]`,
		"overlay no dest":    `[2,"",[],"R1","Heartbeat",{}]`,
		"overlay bad path":   `[2,"CS01","CSMS","R1","Heartbeat",{}]`,
		"error empty code":   `[4,"R1","","",{}]`,
		"invalid json":       `[2,"R1","Heartbeat",{]`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			msg, err := DecodeJSON([]byte(frame), "CS01")
			assert.Error(t, err)
			assert.Nil(t, msg)
		})
	}
}

func TestJSON_ParseWrongTag(t *testing.T) {
	_, err := ParseJSONResponse([]byte(`[2,"R1","Heartbeat",{}]`), ZeroNodeID)
	assert.Error(t, err)
	_, err = ParseJSONRequest([]byte(`[3,"R1",{}]`), ZeroNodeID)
	assert.Error(t, err)
}

func TestJSON_EncodeRejects(t *testing.T) {
	_, err := (&Request{RequestID: "R1", Action: " "}).EncodeJSON()
	assert.ErrorIs(t, err, ErrEmptyAction)

	_, err = (&Request{Mode: ModeOverlayNetwork, RequestID: "R1", Action: "Heartbeat"}).EncodeJSON()
	assert.Error(t, err, "overlay without destination")
}

func TestJSON_PeekRequestID(t *testing.T) {
	id, mode, _, ok := peekJSONRequestID([]byte(`[2,"R5","Heartbeat",[]]`))
	require.True(t, ok)
	assert.Equal(t, RequestID("R5"), id)
	assert.Equal(t, ModeStandard, mode)

	id, mode, path, ok := peekJSONRequestID([]byte(`[2,"CSMS",["CS01"],"R6","Heartbeat","oops"]`))
	require.True(t, ok)
	assert.Equal(t, RequestID("R6"), id)
	assert.Equal(t, ModeOverlayNetwork, mode)
	assert.Equal(t, []NodeID{"CS01"}, path.Hops())

	_, _, _, ok = peekJSONRequestID([]byte(`[3,"R1",{}]`))
	assert.False(t, ok, "responses are never answered")

	// A broken overlay header is not reread in standard layout, where
	// elems[1] would be the destination.
	_, _, _, ok = peekJSONRequestID([]byte(`[2,"CSMS","CS01","R7","Heartbeat",{}]`))
	assert.False(t, ok)
	_, _, _, ok = peekJSONRequestID([]byte(`[2,"R8","Heartbeat"]`))
	assert.False(t, ok)
}

func TestJSON_ActionTrimmedOnEncode(t *testing.T) {
	for _, mode := range []NetworkingMode{ModeStandard, ModeOverlayNetwork} {
		req := NewRequest("CSMS", NewNetworkPath("CS01"), " Heartbeat ", json.RawMessage(`{}`), 0).Resolve(mode)
		data, err := req.EncodeJSON()
		require.NoError(t, err)
		assert.NotContains(t, string(data), `" Heartbeat "`)

		got, err := DecodeJSON(data, ZeroNodeID)
		require.NoError(t, err)
		assert.Equal(t, "Heartbeat", got.(*Request).Action, "mode %s", mode)
	}
}
