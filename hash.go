package smr

import "golang.org/x/crypto/sha3"

// HashBytes digests an arbitrary byte string, used by the chain log variant
// to compute a block's content hash and, in turn, the next block's
// Previous back-pointer.
func HashBytes(b []byte) Hash {
	var h Hash
	sum := sha3.Sum256(b)
	copy(h[:], sum[:])
	return h
}

// HashData digests a Data payload.
func HashData(d Data) Hash {
	return HashBytes(d.Bytes())
}
