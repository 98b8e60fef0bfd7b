package wire

import "io"

// WriteMessage encodes msg and writes it to w behind a 4-byte big-endian
// length prefix — the combination every Connection uses to put one
// NetworkMessage on the wire.
func WriteMessage(w io.Writer, msg NetworkMessage) error {
	return WriteFrame(w, Encode(msg))
}

// ReadMessage reads one length-prefixed frame from r and decodes it as a
// NetworkMessage.
func ReadMessage(r io.Reader) (NetworkMessage, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}
