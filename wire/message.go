package wire

import (
	"bytes"
	"fmt"
)

// Tag identifies which NetworkMessage variant a frame's body holds. It is
// written as the first byte of every encoded message, mirroring bincode's
// enum discriminant.
type Tag byte

// The eleven NetworkMessage variants from spec.md §6, in the order the wire
// table lists them.
const (
	TagHello Tag = iota
	TagConnectionAccepted
	TagConnectionRejected
	TagNewPeer
	TagImAlive
	TagListPeers
	TagListFiles
	TagAskForFile
	TagSendMetadata
	TagRequestFileChunks
	TagSendFileChunks
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "Hello"
	case TagConnectionAccepted:
		return "ConnectionAccepted"
	case TagConnectionRejected:
		return "ConnectionRejected"
	case TagNewPeer:
		return "NewPeer"
	case TagImAlive:
		return "ImAlive"
	case TagListPeers:
		return "ListPeers"
	case TagListFiles:
		return "ListFiles"
	case TagAskForFile:
		return "AskForFile"
	case TagSendMetadata:
		return "SendMetadata"
	case TagRequestFileChunks:
		return "RequestFileChunks"
	case TagSendFileChunks:
		return "SendFileChunks"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// NetworkMessage is implemented by every wire message body. Tag identifies
// the variant so Decode can dispatch without reflection.
type NetworkMessage interface {
	Tag() Tag
	encodeBody(*Encoder)
}

// Hello is the handshake opener: the sender's own listening address, and
// whether it wants the receiver's current peer set in return.
type Hello struct {
	SenderListening PeerAddress
	AskForPeers     bool
}

func (Hello) Tag() Tag { return TagHello }
func (m Hello) encodeBody(e *Encoder) {
	e.WriteAddr(m.SenderListening)
	e.WriteBool(m.AskForPeers)
}

// ConnectionAccepted accepts a handshake; Peers is the accepter's current
// peer set if the opener asked for it, otherwise empty.
type ConnectionAccepted struct {
	Peers []PeerAddress
}

func (ConnectionAccepted) Tag() Tag { return TagConnectionAccepted }
func (m ConnectionAccepted) encodeBody(e *Encoder) { e.WriteAddrSlice(m.Peers) }

// ConnectionRejected rejects a handshake, with the same peer-hint payload
// as ConnectionAccepted.
type ConnectionRejected struct {
	Peers []PeerAddress
}

func (ConnectionRejected) Tag() Tag { return TagConnectionRejected }
func (m ConnectionRejected) encodeBody(e *Encoder) { e.WriteAddrSlice(m.Peers) }

// NewPeer gossips a newly joined peer. Tried is the peer set the admitting
// node handed the newcomer in its ConnectionAccepted (a receiver listed
// there does not add the newcomer as a potential peer); Informed is the
// growing set of addresses
// this gossip message has already been forwarded to, so no connection
// receives the same NewPeer twice.
type NewPeer struct {
	New      PeerAddress
	Tried    []PeerAddress
	Informed []PeerAddress
}

func (NewPeer) Tag() Tag { return TagNewPeer }
func (m NewPeer) encodeBody(e *Encoder) {
	e.WriteAddr(m.New)
	e.WriteAddrSlice(m.Tried)
	e.WriteAddrSlice(m.Informed)
}

// ImAlive is the keepalive; it has no body.
type ImAlive struct{}

func (ImAlive) Tag() Tag             { return TagImAlive }
func (ImAlive) encodeBody(*Encoder) {}

// ListPeers solicits or reports peers: empty means "send me yours",
// non-empty means "here are mine".
type ListPeers struct {
	Peers []PeerAddress
}

func (ListPeers) Tag() Tag { return TagListPeers }
func (m ListPeers) encodeBody(e *Encoder) { e.WriteAddrSlice(m.Peers) }

// FileNameList is a length-prefixed list of file names, used as the
// optional payload of ListFiles.
type FileNameList struct {
	Present bool
	Names   []string
}

// ListFiles queries (Files.Present == false) or reports (Files.Present ==
// true) the sender's set of non-empty shared files.
type ListFiles struct {
	Sender PeerAddress
	Files  FileNameList
}

func (ListFiles) Tag() Tag { return TagListFiles }
func (m ListFiles) encodeBody(e *Encoder) {
	e.WriteAddr(m.Sender)
	e.WriteBool(m.Files.Present)
	if m.Files.Present {
		e.WriteUint64(uint64(len(m.Files.Names)))
		for _, n := range m.Files.Names {
			e.WriteString(n)
		}
	}
}

// AskForFile requests a manifest for a named file on behalf of Requester.
type AskForFile struct {
	Name      string
	Requester PeerAddress
}

func (AskForFile) Tag() Tag { return TagAskForFile }
func (m AskForFile) encodeBody(e *Encoder) {
	e.WriteString(m.Name)
	e.WriteAddr(m.Requester)
}

// SendMetadata answers AskForFile with the manifest of a file of the given
// size, either at once or, when the manifest must first be hashed, once
// background hashing completes.
type SendMetadata struct {
	Name     string
	Sender   PeerAddress
	FileSize uint64
	Manifest Manifest
}

func (SendMetadata) Tag() Tag { return TagSendMetadata }
func (m SendMetadata) encodeBody(e *Encoder) {
	e.WriteString(m.Name)
	e.WriteAddr(m.Sender)
	e.WriteUint64(m.FileSize)
	e.WriteManifest(m.Manifest)
}

// ChunkRequest identifies one requested chunk by index and byte position.
type ChunkRequest struct {
	Index    uint64
	Position uint64
}

// RequestFileChunks asks Requester's peer for a batch of chunks of a named
// file.
type RequestFileChunks struct {
	Requester PeerAddress
	Name      string
	Chunks    []ChunkRequest
}

func (RequestFileChunks) Tag() Tag { return TagRequestFileChunks }
func (m RequestFileChunks) encodeBody(e *Encoder) {
	e.WriteAddr(m.Requester)
	e.WriteString(m.Name)
	e.WriteUint64(uint64(len(m.Chunks)))
	for _, c := range m.Chunks {
		e.WriteUint64(c.Index)
		e.WriteUint64(c.Position)
	}
}

// ChunkData is one delivered chunk: its index and raw bytes.
type ChunkData struct {
	Index uint64
	Data  []byte
}

// SendFileChunks delivers a batch of chunks for a named file.
type SendFileChunks struct {
	Name   string
	Chunks []ChunkData
}

func (SendFileChunks) Tag() Tag { return TagSendFileChunks }
func (m SendFileChunks) encodeBody(e *Encoder) {
	e.WriteString(m.Name)
	e.WriteUint64(uint64(len(m.Chunks)))
	for _, c := range m.Chunks {
		e.WriteUint64(c.Index)
		e.WriteVarBytes(c.Data)
	}
}

// Encode serializes msg as a tag byte followed by its body.
func Encode(msg NetworkMessage) []byte {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.WriteBytes([]byte{byte(msg.Tag())})
	msg.encodeBody(e)
	return buf.Bytes()
}

// Decode reads a tag byte and the matching body from data, returning the
// concrete NetworkMessage value.
func Decode(data []byte) (NetworkMessage, error) {
	if len(data) < 1 {
		return nil, errShortRead
	}
	d := NewDecoder(bytes.NewReader(data[1:]))
	switch Tag(data[0]) {
	case TagHello:
		var m Hello
		m.SenderListening = d.ReadAddr()
		m.AskForPeers = d.ReadBool()
		return m, d.Err()
	case TagConnectionAccepted:
		var m ConnectionAccepted
		m.Peers = d.ReadAddrSlice()
		return m, d.Err()
	case TagConnectionRejected:
		var m ConnectionRejected
		m.Peers = d.ReadAddrSlice()
		return m, d.Err()
	case TagNewPeer:
		var m NewPeer
		m.New = d.ReadAddr()
		m.Tried = d.ReadAddrSlice()
		m.Informed = d.ReadAddrSlice()
		return m, d.Err()
	case TagImAlive:
		return ImAlive{}, nil
	case TagListPeers:
		var m ListPeers
		m.Peers = d.ReadAddrSlice()
		return m, d.Err()
	case TagListFiles:
		var m ListFiles
		m.Sender = d.ReadAddr()
		m.Files.Present = d.ReadBool()
		if m.Files.Present {
			n := d.ReadUint64()
			if d.Err() == nil && n <= MaxVectorLen {
				m.Files.Names = make([]string, 0, n)
				for i := uint64(0); i < n; i++ {
					m.Files.Names = append(m.Files.Names, d.ReadString())
				}
			} else if n > MaxVectorLen {
				return nil, errVectorSize
			}
		}
		return m, d.Err()
	case TagAskForFile:
		var m AskForFile
		m.Name = d.ReadString()
		m.Requester = d.ReadAddr()
		return m, d.Err()
	case TagSendMetadata:
		var m SendMetadata
		m.Name = d.ReadString()
		m.Sender = d.ReadAddr()
		m.FileSize = d.ReadUint64()
		m.Manifest = d.ReadManifest()
		return m, d.Err()
	case TagRequestFileChunks:
		var m RequestFileChunks
		m.Requester = d.ReadAddr()
		m.Name = d.ReadString()
		n := d.ReadUint64()
		if d.Err() != nil {
			return nil, d.Err()
		}
		if n > MaxVectorLen {
			return nil, errVectorSize
		}
		m.Chunks = make([]ChunkRequest, 0, n)
		for i := uint64(0); i < n; i++ {
			m.Chunks = append(m.Chunks, ChunkRequest{Index: d.ReadUint64(), Position: d.ReadUint64()})
		}
		return m, d.Err()
	case TagSendFileChunks:
		var m SendFileChunks
		m.Name = d.ReadString()
		n := d.ReadUint64()
		if d.Err() != nil {
			return nil, d.Err()
		}
		if n > MaxVectorLen {
			return nil, errVectorSize
		}
		m.Chunks = make([]ChunkData, 0, n)
		for i := uint64(0); i < n; i++ {
			idx := d.ReadUint64()
			data := d.ReadVarBytes()
			m.Chunks = append(m.Chunks, ChunkData{Index: idx, Data: data})
		}
		return m, d.Err()
	default:
		return nil, fmt.Errorf("wire: unknown message tag %d", data[0])
	}
}
