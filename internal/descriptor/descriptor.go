// Package descriptor implements the single metadata record maintained per
// user key (spec §3.2): its type, logical size, and the two index fields
// used by deques (start/end) and leases/versioned-hashes (one index).
package descriptor

import (
	"encoding/json"
	"fmt"

	"github.com/quarkdb/quarkdb/internal/keys"
)

// DequeSeed is the initial value both deque indices take on the first
// push, per spec §3.4 / §4.D.
const DequeSeed uint64 = 1 << 63

// Descriptor is the tagged-variant record for one user key (spec §9:
// "Descriptors via tagged variant, not via inheritance").
type Descriptor struct {
	Type keys.Type `json:"type"`
	Size int64     `json:"size"`

	// Start/End are deque bounds; for lease and versioned-hash keys Start
	// carries the single index (deadline epoch / version number).
	Start uint64 `json:"start,omitempty"`
	End   uint64 `json:"end,omitempty"`
}

// Encode serializes a descriptor for storage.
func Encode(d Descriptor) ([]byte, error) {
	return json.Marshal(d)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Descriptor{}, fmt.Errorf("descriptor: decode: %w", err)
	}
	return d, nil
}

// NewDeque returns a freshly-seeded deque descriptor.
func NewDeque() Descriptor {
	return Descriptor{Type: keys.TypeDeque, Size: 0, Start: DequeSeed, End: DequeSeed}
}

// Version returns the versioned-hash's current version (stored in Start).
func (d Descriptor) Version() uint64 { return d.Start }

// WithVersion returns a copy with the version bumped to v.
func (d Descriptor) WithVersion(v uint64) Descriptor {
	d.Start = v
	return d
}
