// Package hash supplies the integrity primitive used by the chunk manifest
// and the wire protocol: a fixed-size BLAKE3 digest. Sia commits to blake2b
// for its whole codebase via crypto.Hash; this package makes the same kind
// of single-algorithm commitment, but to BLAKE3, since that is the digest
// algorithm the chunk and file hashes are specified against.
package hash

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"

	"lukechampine.com/blake3"
)

const (
	// Size is the length in bytes of a Digest.
	Size = 32
)

type (
	// Digest is a 32-byte BLAKE3 hash. It is used both as a ChunkHash (the
	// hash of one P-byte chunk) and as the whole-file hash recorded in a
	// Manifest.
	Digest [Size]byte

	// DigestSlice implements sort.Interface.
	DigestSlice []Digest
)

// ErrWrongLen is returned when decoding a hex string of the wrong length.
var ErrWrongLen = errors.New("encoded value has the wrong length to be a digest")

// Sum returns the BLAKE3 digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// NewHasher returns a streaming BLAKE3 hasher sized to produce a Digest.
func NewHasher() *blake3.Hasher {
	return blake3.New(Size, nil)
}

// SumReader streams r through BLAKE3 and returns the digest without
// buffering the whole input.
func SumReader(r io.Reader) (Digest, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

func (ds DigestSlice) Len() int           { return len(ds) }
func (ds DigestSlice) Less(i, j int) bool { return bytes.Compare(ds[i][:], ds[j][:]) < 0 }
func (ds DigestSlice) Swap(i, j int)      { ds[i], ds[j] = ds[j], ds[i] }

// String prints the digest in hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON marshals a digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes the hex string form of a digest.
func (d *Digest) UnmarshalJSON(b []byte) error {
	if len(b) != Size*2+2 {
		return ErrWrongLen
	}
	raw, err := hex.DecodeString(string(b[1 : len(b)-1]))
	if err != nil {
		return errors.New("could not unmarshal hash.Digest: " + err.Error())
	}
	copy(d[:], raw)
	return nil
}
