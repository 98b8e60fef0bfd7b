package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrMessageTooLarge is returned by ReadFrame when the length prefix exceeds
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("wire: message exceeds maximum frame size")

// ReadFrame reads a 4-byte big-endian length prefix followed by that many
// bytes, the framing spec.md mandates for every NetworkMessage. This differs
// from Sia's own encoding.ReadPrefix, which uses a little-endian prefix;
// big-endian is what this protocol specifies for the outer frame even
// though the body's own integers are little-endian.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame prepends data with a 4-byte big-endian length and writes it in
// one call.
func WriteFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(append(lenBuf[:], data...)); err != nil {
		return err
	}
	return nil
}
