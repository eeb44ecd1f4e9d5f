// Package smr contains the identifiers, configuration, and application
// contract shared by every protocol in this repository. Protocol state
// machines live in the sibling packages (vr, unreplicated); this package
// only holds what they all agree on.
package smr

import "fmt"

// OpNumber is a monotone, per-log sequence number. Zero means "unset"; a
// log's first prepared entry is OpNumber 1.
type OpNumber uint64

// RequestNumber is monotone per client, starting at 1.
type RequestNumber uint32

// ViewNumber is monotone across view changes, starting at 0.
type ViewNumber uint64

// ReplicaId indexes into a Config's replica list.
type ReplicaId int8

// ClientId is chosen once per client lifetime and never reused.
type ClientId uint32

// Data is an opaque, variable-length byte payload: a client operation, an
// application result, or a serialized message field. The inline array
// mirrors the small-vector optimization of the original design: values of
// at most inlineCap bytes never allocate a backing slice.
type Data struct {
	inline    [inlineCap]byte
	inlineLen int8
	overflow  []byte
}

const inlineCap = 16

// NewData copies b into a Data, inlining it when it fits.
func NewData(b []byte) Data {
	var d Data
	if len(b) <= inlineCap {
		copy(d.inline[:], b)
		d.inlineLen = int8(len(b))
		return d
	}
	d.inlineLen = -1
	d.overflow = append([]byte(nil), b...)
	return d
}

// Bytes returns the payload. The returned slice must be treated as
// read-only; callers that need to mutate it must copy first.
func (d Data) Bytes() []byte {
	if d.inlineLen >= 0 {
		return d.inline[:d.inlineLen]
	}
	return d.overflow
}

// Len reports the payload length.
func (d Data) Len() int {
	if d.inlineLen >= 0 {
		return int(d.inlineLen)
	}
	return len(d.overflow)
}

func (d Data) String() string {
	return string(d.Bytes())
}

// Equal compares payload contents.
func (d Data) Equal(other Data) bool {
	a, b := d.Bytes(), other.Bytes()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GobEncode lets Data travel inside every message envelope gob-encodes:
// Data's fields are all unexported, so gob would otherwise see no fields
// to serialize at all. It encodes nothing but the payload bytes.
func (d Data) GobEncode() ([]byte, error) {
	return append([]byte(nil), d.Bytes()...), nil
}

// GobDecode is GobEncode's inverse.
func (d *Data) GobDecode(b []byte) error {
	*d = NewData(b)
	return nil
}

// HashSize is the width of Hash, reserved for the chain log variant.
const HashSize = 32

// Hash is a 32-byte digest, reserved for the (unexercised) chain log.
type Hash [HashSize]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the zero digest (used as the chain log's
// genesis back-pointer).
func (h Hash) IsZero() bool {
	return h == Hash{}
}
