// Package ringid implements the 160-bit identifier space the Chord ring is
// built on: SHA-1 hashing of endpoints and keys, and the clockwise interval
// arithmetic every routing decision in internal/chord and internal/dht is
// expressed in terms of.
//
// Grounded on the hashing shape of distributed-kvstore's
// internal/cluster/hash.go (ConsistentHash.hash / search), generalised from
// a 32-bit truncated-SHA1 ring to a full 160-bit SHA-1 space.
package ringid

import (
	"crypto/sha1"
	"fmt"
	"math/big"
)

// Bits is the width of the identifier space: SHA-1 output, 160 bits.
const Bits = 160

// modulus is 2^160, the ring's size.
var modulus = new(big.Int).Lsh(big.NewInt(1), Bits)

// ID is a point on the Chord ring: a 160-bit integer, always reduced modulo
// 2^160 and never negative.
type ID struct {
	v *big.Int
}

// Hash maps an arbitrary byte string (a node endpoint or a DHT key) onto the
// ring by taking its SHA-1 digest.
func Hash(b []byte) ID {
	sum := sha1.Sum(b)
	return ID{v: new(big.Int).SetBytes(sum[:])}
}

// HashString is a convenience wrapper around Hash for string inputs.
func HashString(s string) ID {
	return Hash([]byte(s))
}

// FromBigInt wraps an existing big.Int as a ring ID, reducing it modulo 2^160.
func FromBigInt(v *big.Int) ID {
	r := new(big.Int).Mod(v, modulus)
	return ID{v: r}
}

// Zero is the ring's origin.
func Zero() ID { return ID{v: big.NewInt(0)} }

// AddPow2 returns id + 2^i mod 2^160 — used to compute finger table targets
// (self_id + 2^i for finger i).
func (id ID) AddPow2(i int) ID {
	offset := new(big.Int).Lsh(big.NewInt(1), uint(i))
	sum := new(big.Int).Add(id.v, offset)
	return FromBigInt(sum)
}

// Cmp compares two IDs as plain integers (not ring-aware; use Between for
// ring-aware interval checks).
func (id ID) Cmp(other ID) int {
	return id.v.Cmp(other.v)
}

// Equal reports whether the two IDs are identical.
func (id ID) Equal(other ID) bool {
	return id.v.Cmp(other.v) == 0
}

// String renders the ID as a hex string, matching how the original uses
// URIs/hostnames as human-readable node labels alongside the numeric id.
func (id ID) String() string {
	return id.v.Text(16)
}

// Parse reverses String, decoding a hex-encoded ring id — used to decode an
// ID carried across the wire in internal/transport/httprpc's node DTO.
func Parse(s string) (ID, error) {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return ID{}, fmt.Errorf("ringid: invalid hex id %q", s)
	}
	return FromBigInt(v), nil
}

// Bytes returns the big-endian byte representation, useful for stable
// on-disk/on-wire encoding (e.g. DHT replica handoff).
func (id ID) Bytes() []byte {
	return id.v.Bytes()
}

// IntervalBound controls whether Between's endpoints are included.
type IntervalBound int

const (
	// Open excludes both endpoints: (lo, hi).
	Open IntervalBound = iota
	// OpenClosed excludes lo, includes hi: (lo, hi].
	OpenClosed
	// ClosedOpen includes lo, excludes hi: [lo, hi).
	ClosedOpen
)

// Between reports whether id lies in the clockwise ring interval from lo to
// hi, with inclusion of the endpoints controlled by bound. This is the single
// primitive every Chord routing decision reduces to: "id falls in
// (self_id, successor_list[0].id]" style clauses all boil down to a call to
// Between.
func (id ID) Between(lo, hi ID, bound IntervalBound) bool {
	if lo.Equal(hi) {
		// Degenerate ring of size 1 (or lo==hi by construction): the
		// interval spans the whole ring. Open excludes only the shared
		// endpoint; the half-open bounds include every id, the endpoint too,
		// matching a single-member ring where every id belongs to self.
		switch bound {
		case Open:
			return !id.Equal(lo)
		case OpenClosed, ClosedOpen:
			return true
		}
	}

	inInterval := func() bool {
		if lo.Cmp(hi) < 0 {
			return id.Cmp(lo) > 0 && id.Cmp(hi) < 0
		}
		// wraps around the origin
		return id.Cmp(lo) > 0 || id.Cmp(hi) < 0
	}

	switch bound {
	case Open:
		return inInterval()
	case OpenClosed:
		return inInterval() || id.Equal(hi)
	case ClosedOpen:
		return inInterval() || id.Equal(lo)
	}
	return false
}
