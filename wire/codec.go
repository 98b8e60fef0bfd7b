// Package wire implements the node's wire protocol: the NetworkMessage
// enum, its binary encoding, and the length-prefixed framing used on every
// TCP connection. The encoding style (a sticky-error Encoder/Decoder pair
// wrapping an io.Writer/io.Reader) follows Sia's encoding package; the wire
// format itself follows the bincode-style layout this protocol was
// distilled from: little-endian fixed-width integers, a u64 length prefix
// on every variable-length field, and a one-byte tag selecting the
// NetworkMessage variant.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxMessageSize bounds the length prefix read off the wire. A well-formed
// SendFileChunks batch is at most R_MAX chunks of P bytes each, with room to
// spare; anything larger is treated as a framing error.
const MaxMessageSize = 64 << 20 // 64 MiB

// MaxVectorLen bounds any length-prefixed vector read from a message body,
// independent of MaxMessageSize, so a corrupt length field can't cause an
// attempt to allocate an absurd slice before the overall message length is
// even checked against MaxMessageSize.
const MaxVectorLen = 1 << 20

var (
	errShortRead  = errors.New("wire: short read")
	errVectorSize = errors.New("wire: vector length exceeds limit")
)

// Encoder writes primitive values to an underlying io.Writer. Like Sia's
// encoding.Encoder, all methods become no-ops once a write fails; callers
// check Err once at the end instead of after every field.
type Encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Err returns the first error encountered by the Encoder, if any.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(p)
}

// WriteBool writes a single byte: 1 for true, 0 for false.
func (e *Encoder) WriteBool(b bool) {
	if b {
		e.write([]byte{1})
	} else {
		e.write([]byte{0})
	}
}

// WriteUint16 writes v as 2 little-endian bytes.
func (e *Encoder) WriteUint16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:2], v)
	e.write(e.buf[:2])
}

// WriteUint32 writes v as 4 little-endian bytes.
func (e *Encoder) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

// WriteUint64 writes v as 8 little-endian bytes.
func (e *Encoder) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

// WriteBytes writes a raw, fixed-size byte slice with no length prefix.
func (e *Encoder) WriteBytes(p []byte) {
	e.write(p)
}

// WriteVarBytes writes a u64 length prefix followed by p.
func (e *Encoder) WriteVarBytes(p []byte) {
	e.WriteUint64(uint64(len(p)))
	e.write(p)
}

// WriteString writes s as a length-prefixed UTF-8 byte vector.
func (e *Encoder) WriteString(s string) {
	e.WriteVarBytes([]byte(s))
}

// WriteAddr writes a PeerAddress as a length-tagged IP (4 or 16 bytes)
// followed by a little-endian port.
func (e *Encoder) WriteAddr(addr PeerAddress) {
	ip := addr.Addr()
	if ip.Is4() {
		b := ip.As4()
		e.WriteBool(false) // false = v4
		e.WriteBytes(b[:])
	} else {
		b := ip.As16()
		e.WriteBool(true) // true = v6
		e.WriteBytes(b[:])
	}
	e.WriteUint16(addr.Port())
}

// WriteAddrSlice writes a length-prefixed vector of PeerAddress.
func (e *Encoder) WriteAddrSlice(addrs []PeerAddress) {
	e.WriteUint64(uint64(len(addrs)))
	for _, a := range addrs {
		e.WriteAddr(a)
	}
}

// Decoder reads primitive values from an underlying io.Reader. Like
// Encoder, it is sticky: once a read fails every subsequent method is a
// no-op and returns a zero value, so callers only need to check Err once.
type Decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

// NewDecoder returns a Decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Err returns the first error encountered by the Decoder, if any.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) read(p []byte) {
	if d.err == nil {
		_, d.err = io.ReadFull(d.r, p)
	}
	if d.err != nil {
		for i := range p {
			p[i] = 0
		}
	}
}

// ReadBool reads a single byte and reports whether it is non-zero.
func (d *Decoder) ReadBool() bool {
	d.read(d.buf[:1])
	return d.buf[0] != 0
}

// ReadUint16 reads 2 little-endian bytes.
func (d *Decoder) ReadUint16() uint16 {
	d.read(d.buf[:2])
	return binary.LittleEndian.Uint16(d.buf[:2])
}

// ReadUint32 reads 4 little-endian bytes.
func (d *Decoder) ReadUint32() uint32 {
	d.read(d.buf[:4])
	return binary.LittleEndian.Uint32(d.buf[:4])
}

// ReadUint64 reads 8 little-endian bytes.
func (d *Decoder) ReadUint64() uint64 {
	d.read(d.buf[:8])
	return binary.LittleEndian.Uint64(d.buf[:8])
}

// ReadBytes reads exactly n raw bytes.
func (d *Decoder) ReadBytes(n int) []byte {
	p := make([]byte, n)
	d.read(p)
	return p
}

// ReadVarBytes reads a u64 length prefix, then that many bytes, rejecting
// lengths beyond MaxVectorLen.
func (d *Decoder) ReadVarBytes() []byte {
	n := d.ReadUint64()
	if d.err != nil {
		return nil
	}
	if n > MaxVectorLen {
		d.err = errVectorSize
		return nil
	}
	return d.ReadBytes(int(n))
}

// ReadString reads a length-prefixed UTF-8 byte vector.
func (d *Decoder) ReadString() string {
	return string(d.ReadVarBytes())
}

// ReadAddr reads a PeerAddress as written by WriteAddr.
func (d *Decoder) ReadAddr() PeerAddress {
	isV6 := d.ReadBool()
	var ipBytes []byte
	if isV6 {
		ipBytes = d.ReadBytes(16)
	} else {
		ipBytes = d.ReadBytes(4)
	}
	port := d.ReadUint16()
	if d.err != nil {
		return PeerAddress{}
	}
	return addrPortFromBytes(ipBytes, port)
}

// ReadAddrSlice reads a length-prefixed vector of PeerAddress.
func (d *Decoder) ReadAddrSlice() []PeerAddress {
	n := d.ReadUint64()
	if d.err != nil {
		return nil
	}
	if n > MaxVectorLen {
		d.err = errVectorSize
		return nil
	}
	if n == 0 {
		return nil
	}
	addrs := make([]PeerAddress, 0, n)
	for i := uint64(0); i < n; i++ {
		addrs = append(addrs, d.ReadAddr())
	}
	return addrs
}
