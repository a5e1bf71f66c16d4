package ocppnet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxPathHops is the largest hop count representable in the binary
// encoding (a single length byte).
const maxPathHops = 255

// ErrPathTooLong is returned when a path would exceed maxPathHops.
var ErrPathTooLong = fmt.Errorf("network path exceeds %d hops", maxPathHops)

// NetworkPath is the ordered list of nodes a message has passed through.
// It is a value type: Append returns a new path and never mutates the
// receiver, so paths can be shared between envelopes and goroutines.
type NetworkPath struct {
	hops []NodeID
}

// EmptyPath is the path of a message that has not been relayed.
var EmptyPath = NetworkPath{}

func NewNetworkPath(hops ...NodeID) NetworkPath {
	if len(hops) == 0 {
		return EmptyPath
	}
	cp := make([]NodeID, len(hops))
	copy(cp, hops)
	return NetworkPath{hops: cp}
}

func (p NetworkPath) Len() int {
	return len(p.hops)
}

func (p NetworkPath) IsEmpty() bool {
	return len(p.hops) == 0
}

// Hops returns a copy of the hop list.
func (p NetworkPath) Hops() []NodeID {
	cp := make([]NodeID, len(p.hops))
	copy(cp, p.hops)
	return cp
}

// Source returns the first hop, i.e. the originator of the message.
func (p NetworkPath) Source() NodeID {
	if len(p.hops) == 0 {
		return ZeroNodeID
	}
	return p.hops[0]
}

// Last returns the most recently recorded hop.
func (p NetworkPath) Last() NodeID {
	if len(p.hops) == 0 {
		return ZeroNodeID
	}
	return p.hops[len(p.hops)-1]
}

// Append returns a new path with id added at the end.
func (p NetworkPath) Append(id NodeID) NetworkPath {
	out := make([]NodeID, len(p.hops), len(p.hops)+1)
	copy(out, p.hops)
	return NetworkPath{hops: append(out, id)}
}

// AppendIfDifferent appends id unless it is zero or already the last hop.
// Receivers use it to record the hop a message arrived on.
func (p NetworkPath) AppendIfDifferent(id NodeID) NetworkPath {
	if id.IsZero() || p.Last() == id {
		return p
	}
	return p.Append(id)
}

func (p NetworkPath) Contains(id NodeID) bool {
	for _, h := range p.hops {
		if h == id {
			return true
		}
	}
	return false
}

func (p NetworkPath) Equal(o NetworkPath) bool {
	if len(p.hops) != len(o.hops) {
		return false
	}
	for i := range p.hops {
		if p.hops[i] != o.hops[i] {
			return false
		}
	}
	return true
}

func (p NetworkPath) String() string {
	parts := make([]string, len(p.hops))
	for i, h := range p.hops {
		parts[i] = string(h)
	}
	return strings.Join(parts, " -> ")
}

// MarshalJSON encodes the path as a JSON array of strings. An empty path
// is encoded as [] (never null).
func (p NetworkPath) MarshalJSON() ([]byte, error) {
	hops := make([]string, len(p.hops))
	for i, h := range p.hops {
		hops[i] = string(h)
	}
	return json.Marshal(hops)
}

func (p *NetworkPath) UnmarshalJSON(data []byte) error {
	var hops []string
	if err := json.Unmarshal(data, &hops); err != nil {
		return fmt.Errorf("network path must be an array of strings: %w", err)
	}
	if len(hops) > maxPathHops {
		return ErrPathTooLong
	}
	if len(hops) == 0 {
		*p = EmptyPath
		return nil
	}
	out := make([]NodeID, len(hops))
	for i, h := range hops {
		out[i] = NodeID(h)
	}
	*p = NetworkPath{hops: out}
	return nil
}
