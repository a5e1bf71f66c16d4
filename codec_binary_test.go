package ocppnet

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinary_StandardRequestLayout(t *testing.T) {
	req := &BinaryRequest{Mode: ModeStandard, RequestID: "R1", Action: "Fw", Payload: []byte{0xde, 0xad}}
	data, err := req.EncodeBinary()
	require.NoError(t, err)

	want := []byte{byte(MessageTypeRequest), 0, 0, 0, 0, 2, 'R', '1', 0, 2, 'F', 'w'}
	want = binary.BigEndian.AppendUint64(want, 2)
	want = append(want, 0xde, 0xad)
	assert.Equal(t, want, data)
}

func TestBinary_RequestRoundTrip(t *testing.T) {
	for _, mode := range []NetworkingMode{ModeStandard, ModeOverlayNetwork} {
		t.Run(mode.String(), func(t *testing.T) {
			req := &BinaryRequest{
				Mode:          mode,
				DestinationID: "CS42",
				Path:          NewNetworkPath("CSMS", "LC01"),
				RequestID:     "B1",
				Action:        "FirmwareChunk",
				Payload:       []byte("chunk-0001"),
			}
			data, err := req.EncodeBinary()
			require.NoError(t, err)

			msg, err := DecodeBinary(data, ZeroNodeID)
			require.NoError(t, err)
			got, ok := msg.(*BinaryRequest)
			require.True(t, ok, "decoded %T", msg)
			assert.Equal(t, mode, got.Mode)
			assert.Equal(t, RequestID("B1"), got.RequestID)
			assert.Equal(t, "FirmwareChunk", got.Action)
			assert.Equal(t, []byte("chunk-0001"), got.Payload)
			if mode == ModeOverlayNetwork {
				assert.Equal(t, NodeID("CS42"), got.DestinationID)
				assert.Equal(t, []NodeID{"CSMS", "LC01"}, got.Path.Hops())
			} else {
				assert.True(t, got.DestinationID.IsZero())
				assert.True(t, got.Path.IsEmpty())
			}
		})
	}
}

func TestBinary_ActionTrimmedOnEncode(t *testing.T) {
	req := &BinaryRequest{Mode: ModeStandard, RequestID: "B2", Action: "  FirmwareChunk\t", Payload: []byte{1}}
	data, err := req.EncodeBinary()
	require.NoError(t, err)

	msg, err := DecodeBinary(data, ZeroNodeID)
	require.NoError(t, err)
	assert.Equal(t, "FirmwareChunk", msg.(*BinaryRequest).Action)
	assert.Equal(t, "  FirmwareChunk\t", req.Action, "envelope untouched")
}

func TestBinary_ResponseAndErrorRoundTrip(t *testing.T) {
	res := &BinaryResponse{Mode: ModeOverlayNetwork, DestinationID: "CSMS", RequestID: "B1", Payload: []byte{1, 2, 3}}
	data, err := res.EncodeBinary()
	require.NoError(t, err)
	msg, err := DecodeBinary(data, "LC01")
	require.NoError(t, err)
	gotRes := msg.(*BinaryResponse)
	assert.Equal(t, []byte{1, 2, 3}, gotRes.Payload)
	assert.Equal(t, []NodeID{"LC01"}, gotRes.Path.Hops(), "implicit source appended")

	rerr := &RequestError{Mode: ModeStandard, RequestID: "B2", ErrorCode: ErrorPropertyConstraintViolation,
		ErrorDescription: "chunk out of order", ErrorDetails: json.RawMessage(`{"expected":3}`)}
	data, err = rerr.EncodeBinary()
	require.NoError(t, err)
	msg, err = DecodeBinary(data, ZeroNodeID)
	require.NoError(t, err)
	gotErr := msg.(*RequestError)
	assert.Equal(t, RequestID("B2"), gotErr.RequestID)
	assert.Equal(t, ErrorPropertyConstraintViolation, gotErr.ErrorCode)
	assert.Equal(t, "chunk out of order", gotErr.ErrorDescription)
	assert.JSONEq(t, `{"expected":3}`, string(gotErr.ErrorDetails))
}

func TestBinary_EmptyPayload(t *testing.T) {
	res := &BinaryResponse{Mode: ModeStandard, RequestID: "B1"}
	data, err := res.EncodeBinary()
	require.NoError(t, err)
	msg, err := DecodeBinary(data, ZeroNodeID)
	require.NoError(t, err)
	assert.Len(t, msg.(*BinaryResponse).Payload, 0)
}

func TestBinary_ShortBufferIsDecodeFailure(t *testing.T) {
	req := &BinaryRequest{Mode: ModeOverlayNetwork, DestinationID: "CS01", Path: NewNetworkPath("CSMS"),
		RequestID: "R1", Action: "Heartbeat", Payload: []byte("12345678")}
	data, err := req.EncodeBinary()
	require.NoError(t, err)

	// Every strict prefix must fail cleanly.
	for n := 0; n < len(data); n++ {
		msg, err := DecodeBinary(data[:n], ZeroNodeID)
		assert.Error(t, err, "prefix of %d bytes", n)
		assert.Nil(t, msg)
	}
}

func TestBinary_DecodeFailures(t *testing.T) {
	valid, err := (&BinaryResponse{Mode: ModeStandard, RequestID: "B1", Payload: []byte{1}}).EncodeBinary()
	require.NoError(t, err)

	trailing := append(append([]byte(nil), valid...), 0xff)
	unknownTag := append([]byte{9}, valid[1:]...)
	hopsNoDest := []byte{byte(MessageTypeResponse), 0, 0, 1, 0, 1, 'X', 0, 2, 'B', '1'}
	emptyID := binary.BigEndian.AppendUint64([]byte{byte(MessageTypeResponse), 0, 0, 0, 0, 0}, 0)

	cases := map[string][]byte{
		"trailing bytes": trailing,
		"unknown tag":    unknownTag,
		"hops no dest":   hopsNoDest,
		"empty id":       emptyID,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBinary(frame, ZeroNodeID)
			assert.Error(t, err)
		})
	}
}

func TestBinary_PayloadCeiling(t *testing.T) {
	req := &BinaryRequest{Mode: ModeStandard, RequestID: "R1", Action: "Upload", Payload: make([]byte, 1024)}
	data, err := req.EncodeBinary()
	require.NoError(t, err)

	_, err = DecodeBinaryLimit(data, ZeroNodeID, 1023)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = DecodeBinaryLimit(data, ZeroNodeID, 1024)
	assert.NoError(t, err)
}

func TestBinary_HugeDeclaredLengthRejected(t *testing.T) {
	frame := []byte{byte(MessageTypeResponse), 0, 0, 0, 0, 2, 'B', '1'}
	frame = binary.BigEndian.AppendUint64(frame, 1<<62)
	_, err := DecodeBinary(frame, ZeroNodeID)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestBinary_ErrorDetailsMustBeObject(t *testing.T) {
	frame := []byte{byte(MessageTypeRequestError), 0, 0, 0, 0, 2, 'B', '1'}
	frame, _ = appendStr(frame, "GenericError")
	frame, _ = appendStr(frame, "")
	frame = appendBlob(frame, []byte(`[1]`))
	_, err := DecodeBinary(frame, ZeroNodeID)
	assert.Error(t, err)
}
