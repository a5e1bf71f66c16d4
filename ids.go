package ocppnet

import (
	"strings"

	"github.com/google/uuid"
)

// NodeID identifies a charging station, networking node or CSMS taking
// part in the overlay network. The empty NodeID means "unset".
type NodeID string

// ZeroNodeID is the unset sentinel.
const ZeroNodeID NodeID = ""

func (n NodeID) IsZero() bool {
	return strings.TrimSpace(string(n)) == ""
}

func (n NodeID) String() string {
	return string(n)
}

// RequestID correlates a request with its response or error. It is
// generated by the sender and echoed verbatim by the responder.
type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.NewString())
}

func (r RequestID) String() string {
	return string(r)
}

// EventTrackingID ties together the log and audit events caused by one
// message as it travels through this process.
type EventTrackingID string

func NewEventTrackingID() EventTrackingID {
	return EventTrackingID(uuid.NewString())
}

// NetworkingMode selects the addressing variant used on the wire.
type NetworkingMode uint8

const (
	// ModeUnknown is a placeholder resolved to ModeStandard on first send.
	ModeUnknown NetworkingMode = iota
	// ModeStandard omits destination and path (point-to-point).
	ModeStandard
	// ModeOverlayNetwork carries an explicit destination and network path.
	ModeOverlayNetwork
)

func (m NetworkingMode) String() string {
	switch m {
	case ModeStandard:
		return "Standard"
	case ModeOverlayNetwork:
		return "OverlayNetwork"
	default:
		return "Unknown"
	}
}

// Resolved maps ModeUnknown to ModeStandard and returns any other mode unchanged.
func (m NetworkingMode) Resolved() NetworkingMode {
	if m == ModeUnknown {
		return ModeStandard
	}
	return m
}

// ParseNetworkingMode accepts the names produced by String, case-insensitively.
func ParseNetworkingMode(s string) (NetworkingMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return ModeStandard, true
	case "overlaynetwork", "overlay":
		return ModeOverlayNetwork, true
	case "", "unknown":
		return ModeUnknown, true
	default:
		return ModeUnknown, false
	}
}
