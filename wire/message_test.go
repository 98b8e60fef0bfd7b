package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/andrewalmighty/sharenode/hash"
)

func mustAddr(t *testing.T, s string) PeerAddress {
	t.Helper()
	a, err := ParsePeerAddress(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestMessageRoundTrip(t *testing.T) {
	a := mustAddr(t, "127.0.0.1:6000")
	b := mustAddr(t, "[::1]:6001")
	manifest := Manifest{
		Chunks: []FileChunk{
			{Position: 0, Hash: hash.Sum([]byte("chunk0")), Downloaded: true},
			{Position: ChunkSize, Hash: hash.Sum([]byte("chunk1")), Downloaded: false},
		},
		FileHash:         hash.Sum([]byte("whole file")),
		ChunksDownloaded: 1,
	}

	cases := []NetworkMessage{
		Hello{SenderListening: a, AskForPeers: true},
		Hello{SenderListening: b, AskForPeers: false},
		ConnectionAccepted{Peers: []PeerAddress{a, b}},
		ConnectionAccepted{Peers: nil},
		ConnectionRejected{Peers: []PeerAddress{a}},
		NewPeer{New: a, Tried: []PeerAddress{b}, Informed: []PeerAddress{a, b}},
		ImAlive{},
		ListPeers{Peers: nil},
		ListPeers{Peers: []PeerAddress{a, b}},
		ListFiles{Sender: a, Files: FileNameList{Present: false}},
		ListFiles{Sender: a, Files: FileNameList{Present: true, Names: []string{"hello.bin", "movie.mkv"}}},
		AskForFile{Name: "hello.bin", Requester: a},
		SendMetadata{Name: "hello.bin", Sender: a, FileSize: 300000, Manifest: manifest},
		RequestFileChunks{Requester: a, Name: "hello.bin", Chunks: []ChunkRequest{{Index: 0, Position: 0}, {Index: 1, Position: ChunkSize}}},
		SendFileChunks{Name: "hello.bin", Chunks: []ChunkData{{Index: 0, Data: bytes.Repeat([]byte{1}, 16)}}},
	}

	for _, msg := range cases {
		encoded := Encode(msg)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("decode %T: %v", msg, err)
		}
		if !reflect.DeepEqual(msg, decoded) {
			t.Fatalf("round trip mismatch for %T:\n got: %#v\nwant: %#v", msg, decoded, msg)
		}
	}
}

func TestWriteReadMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	msg := Hello{SenderListening: mustAddr(t, "10.0.0.5:7000"), AskForPeers: true}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(msg, got) {
		t.Fatalf("got %#v, want %#v", got, msg)
	}
}

func TestDiscoverHelloRoundTrip(t *testing.T) {
	h := DiscoverHello{ListeningPort: 6000}
	encoded := EncodeDiscoverHello(h)
	if len(encoded) != 3 {
		t.Fatalf("expected a 3-byte datagram, got %d bytes", len(encoded))
	}
	decoded, err := DecodeDiscoverHello(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded != h {
		t.Fatalf("got %#v, want %#v", decoded, h)
	}
}

func TestDecodeDiscoverHelloRejectsGarbage(t *testing.T) {
	if _, err := DecodeDiscoverHello([]byte{1, 2}); err != ErrBadDiscoveryDatagram {
		t.Fatalf("expected ErrBadDiscoveryDatagram, got %v", err)
	}
}

func TestAddrRoundTripIPv4And6(t *testing.T) {
	for _, s := range []string{"192.168.1.1:1234", "[2001:db8::1]:4321"} {
		addr, err := ParsePeerAddress(s)
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		e := NewEncoder(&buf)
		e.WriteAddr(addr)
		d := NewDecoder(&buf)
		got := d.ReadAddr()
		if got != addr {
			t.Fatalf("address round trip failed: got %v, want %v", got, addr)
		}
	}
}

func TestParsePeerAddressRejectsInvalid(t *testing.T) {
	if _, err := ParsePeerAddress("not-an-address"); err != ErrInvalidAddress {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}
