package ocppnet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Binary frame format (all integers big-endian):
//
//	[1-byte message type]
//	standard: [0x00 0x00 0x00]
//	overlay:  [2-byte dest length][dest UTF-8][1-byte hop count]
//	          ([2-byte hop length][hop UTF-8] x hop count)
//	[2-byte request id length][request id UTF-8]
//	requests: [2-byte action length][action UTF-8]
//	errors:   [2-byte code length][code][2-byte description length][description]
//	[8-byte payload length][payload]
//
// The standard marker is simply an empty destination followed by a zero
// hop count, so an overlay frame must always name its destination.
//
// Payload length is declared as 64 bits but decoders refuse anything above
// their configured ceiling (DefaultMaxBinaryPayload unless overridden).

// DefaultMaxBinaryPayload caps the payload of a single binary frame.
const DefaultMaxBinaryPayload = 16 << 20 // 16 MB

// binaryMinHeader is tag + standard marker + empty request id length.
const binaryMinHeader = 1 + 3 + 2

// --- encode ---

func (r *BinaryRequest) EncodeBinary() ([]byte, error) {
	action := strings.TrimSpace(r.Action)
	if action == "" {
		return nil, ErrEmptyAction
	}
	buf := make([]byte, 0, 64+len(r.Payload))
	buf, err := appendBinaryHeader(buf, MessageTypeRequest, r.Mode, r.DestinationID, r.Path)
	if err != nil {
		return nil, fmt.Errorf("binary request %s: %w", r.RequestID, err)
	}
	if buf, err = appendStr(buf, string(r.RequestID)); err != nil {
		return nil, err
	}
	if buf, err = appendStr(buf, action); err != nil {
		return nil, err
	}
	return appendBlob(buf, r.Payload), nil
}

func (r *BinaryResponse) EncodeBinary() ([]byte, error) {
	buf := make([]byte, 0, 48+len(r.Payload))
	buf, err := appendBinaryHeader(buf, MessageTypeResponse, r.Mode, r.DestinationID, r.Path)
	if err != nil {
		return nil, fmt.Errorf("binary response %s: %w", r.RequestID, err)
	}
	if buf, err = appendStr(buf, string(r.RequestID)); err != nil {
		return nil, err
	}
	return appendBlob(buf, r.Payload), nil
}

// EncodeBinary renders the error in binary framing, used to answer binary
// requests. Error details stay JSON.
func (e *RequestError) EncodeBinary() ([]byte, error) {
	code := e.ErrorCode
	if code == "" {
		code = ErrorGenericError
	}
	details := payloadOrEmpty(e.ErrorDetails)
	buf := make([]byte, 0, 64+len(e.ErrorDescription)+len(details))
	buf, err := appendBinaryHeader(buf, MessageTypeRequestError, e.Mode, e.DestinationID, e.Path)
	if err != nil {
		return nil, fmt.Errorf("binary error %s: %w", e.RequestID, err)
	}
	if buf, err = appendStr(buf, string(e.RequestID)); err != nil {
		return nil, err
	}
	if buf, err = appendStr(buf, string(code)); err != nil {
		return nil, err
	}
	if buf, err = appendStr(buf, e.ErrorDescription); err != nil {
		return nil, err
	}
	return appendBlob(buf, details), nil
}

func appendBinaryHeader(buf []byte, tag MessageType, mode NetworkingMode, dest NodeID, path NetworkPath) ([]byte, error) {
	buf = append(buf, byte(tag))
	if mode.Resolved() != ModeOverlayNetwork {
		return append(buf, 0, 0, 0), nil
	}
	if dest.IsZero() {
		return nil, fmt.Errorf("overlay frame has no destination")
	}
	if path.Len() > maxPathHops {
		return nil, ErrPathTooLong
	}
	var err error
	if buf, err = appendStr(buf, string(dest)); err != nil {
		return nil, err
	}
	buf = append(buf, byte(path.Len()))
	for _, hop := range path.hops {
		if buf, err = appendStr(buf, string(hop)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendStr(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("string of %d bytes exceeds 2-byte length prefix", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

func appendBlob(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(b)))
	return append(buf, b...)
}

// --- decode ---

// DecodeBinary parses a binary frame using DefaultMaxBinaryPayload. The
// returned message is one of *BinaryRequest, *BinaryResponse or
// *RequestError.
func DecodeBinary(data []byte, implicitSource NodeID) (Message, error) {
	return DecodeBinaryLimit(data, implicitSource, DefaultMaxBinaryPayload)
}

// DecodeBinaryLimit is DecodeBinary with an explicit payload ceiling.
func DecodeBinaryLimit(data []byte, implicitSource NodeID, maxPayload int) (Message, error) {
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	if len(data) < binaryMinHeader {
		return nil, fmt.Errorf("binary frame of %d bytes is shorter than the %d byte minimum", len(data), binaryMinHeader)
	}
	tag := MessageType(data[0])
	switch tag {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeRequestError:
	default:
		return nil, fmt.Errorf("unknown binary message type %d", tag)
	}

	mode, dest, path, off, err := getBinaryHeader(data, 1)
	if err != nil {
		return nil, err
	}
	id, off, err := getStr(data, off)
	if err != nil {
		return nil, fmt.Errorf("request id: %w", err)
	}
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("request id must not be empty")
	}
	path = path.AppendIfDifferent(implicitSource)
	now := time.Now().UTC()

	switch tag {
	case MessageTypeRequest:
		action, off, err := getStr(data, off)
		if err != nil {
			return nil, fmt.Errorf("binary request %s action: %w", id, err)
		}
		action = strings.TrimSpace(action)
		if action == "" {
			return nil, fmt.Errorf("binary request %s: %w", id, ErrEmptyAction)
		}
		payload, err := getBlob(data, off, maxPayload)
		if err != nil {
			return nil, fmt.Errorf("binary request %s payload: %w", id, err)
		}
		return &BinaryRequest{
			Timestamp:       now,
			EventTrackingID: NewEventTrackingID(),
			Mode:            mode,
			DestinationID:   dest,
			Path:            path,
			RequestID:       RequestID(id),
			Action:          action,
			Payload:         payload,
		}, nil

	case MessageTypeResponse:
		payload, err := getBlob(data, off, maxPayload)
		if err != nil {
			return nil, fmt.Errorf("binary response %s payload: %w", id, err)
		}
		return &BinaryResponse{
			Timestamp:       now,
			EventTrackingID: NewEventTrackingID(),
			Mode:            mode,
			DestinationID:   dest,
			Path:            path,
			RequestID:       RequestID(id),
			Payload:         payload,
		}, nil

	default:
		codeText, off, err := getStr(data, off)
		if err != nil {
			return nil, fmt.Errorf("binary error %s code: %w", id, err)
		}
		if strings.TrimSpace(codeText) == "" {
			return nil, fmt.Errorf("binary error %s: error code must not be empty", id)
		}
		desc, off, err := getStr(data, off)
		if err != nil {
			return nil, fmt.Errorf("binary error %s description: %w", id, err)
		}
		details, err := getBlob(data, off, maxPayload)
		if err != nil {
			return nil, fmt.Errorf("binary error %s details: %w", id, err)
		}
		if err := jsonObject(details, "error details"); err != nil || !json.Valid(details) {
			return nil, fmt.Errorf("binary error %s: error details must be a JSON object", id)
		}
		code, _ := ParseErrorCode(codeText)
		return &RequestError{
			Timestamp:        now,
			EventTrackingID:  NewEventTrackingID(),
			Mode:             mode,
			DestinationID:    dest,
			Path:             path,
			RequestID:        RequestID(id),
			ErrorCode:        code,
			ErrorDescription: desc,
			ErrorDetails:     details,
		}, nil
	}
}

func getBinaryHeader(data []byte, off int) (NetworkingMode, NodeID, NetworkPath, int, error) {
	dest, off, err := getStr(data, off)
	if err != nil {
		return ModeUnknown, "", EmptyPath, off, fmt.Errorf("destination id: %w", err)
	}
	if off >= len(data) {
		return ModeUnknown, "", EmptyPath, off, fmt.Errorf("short data for hop count")
	}
	hopCount := int(data[off])
	off++

	if dest == "" {
		if hopCount != 0 {
			return ModeUnknown, "", EmptyPath, off, fmt.Errorf("overlay frame has %d hops but no destination", hopCount)
		}
		return ModeStandard, ZeroNodeID, EmptyPath, off, nil
	}

	hops := make([]NodeID, 0, hopCount)
	for i := 0; i < hopCount; i++ {
		var hop string
		if hop, off, err = getStr(data, off); err != nil {
			return ModeUnknown, "", EmptyPath, off, fmt.Errorf("hop %d: %w", i, err)
		}
		hops = append(hops, NodeID(hop))
	}
	return ModeOverlayNetwork, NodeID(dest), NetworkPath{hops: hops}, off, nil
}

func getStr(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, fmt.Errorf("short data for string length")
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return "", off, fmt.Errorf("short data for string")
	}
	return string(data[off : off+n]), off + n, nil
}

// getBlob reads a length-prefixed payload which must end exactly at the
// end of data.
func getBlob(data []byte, off int, maxPayload int) ([]byte, error) {
	if off+8 > len(data) {
		return nil, fmt.Errorf("short data for payload length")
	}
	declared := binary.BigEndian.Uint64(data[off:])
	off += 8
	if maxPayload > 0 && declared > uint64(maxPayload) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, declared, maxPayload)
	}
	remaining := uint64(len(data) - off)
	if declared > remaining {
		return nil, fmt.Errorf("short data for payload: declared %d, have %d", declared, remaining)
	}
	if declared < remaining {
		return nil, fmt.Errorf("%d trailing bytes after payload", remaining-declared)
	}
	n := int(declared)
	b := make([]byte, n)
	copy(b, data[off:off+n])
	return b, nil
}
