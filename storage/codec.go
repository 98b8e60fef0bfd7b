package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/andrewalmighty/sharenode/wire"
)

// The on-disk trailer is 8 little-endian bytes, matching the original
// source's `file_size.to_le_bytes()`; it is a separate convention from the
// wire protocol's big-endian frame-length prefix (wire.WriteFrame), and
// deliberately keeps that convention since it's a local file format, not a
// network message.

func leBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// encodeManifest reuses the wire package's Manifest encoding so the
// on-disk trailer and the SendMetadata wire body share one format.
func encodeManifest(m wire.Manifest) []byte {
	var buf bytes.Buffer
	e := wire.NewEncoder(&buf)
	e.WriteManifest(m)
	return buf.Bytes()
}

func decodeManifest(data []byte) (wire.Manifest, error) {
	d := wire.NewDecoder(bytes.NewReader(data))
	m := d.ReadManifest()
	if d.Err() != nil {
		return wire.Manifest{}, d.Err()
	}
	return m, nil
}
