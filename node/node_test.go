package node

import (
	"testing"
	"time"

	"github.com/andrewalmighty/sharenode/logging"
	"github.com/andrewalmighty/sharenode/storage"
	"github.com/andrewalmighty/sharenode/wire"
)

func newTestNode(t *testing.T, self wire.PeerAddress) (*Node, chan storage.Event) {
	t.Helper()
	storageEvents := make(chan storage.Event, 16)
	return &Node{
		self:          self,
		status:        NewStatus(self),
		events:        make(chan ConnEvent, 16),
		storageEvents: storageEvents,
		log:           logging.New("test", nil),
	}, storageEvents
}

func drainStorageEvent(t *testing.T, events chan storage.Event) storage.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a storage.Event")
		return storage.Event{}
	}
}

func TestHandleConnEventDeathReportsPeerNotConnected(t *testing.T) {
	n, storageEvents := newTestNode(t, mustAddr(t, "10.0.0.1:9000"))
	peer := mustAddr(t, "10.0.0.2:9000")

	n.handleConnEvent(ConnEvent{Peer: peer, Msg: nil})

	ev := drainStorageEvent(t, storageEvents)
	if ev.Kind != storage.EventPeerNotConnected || ev.Peer != peer {
		t.Fatalf("expected EventPeerNotConnected for %v, got %+v", peer, ev)
	}
}

func TestHandleConnEventTranslatesListFilesQueryAndReport(t *testing.T) {
	n, storageEvents := newTestNode(t, mustAddr(t, "10.0.0.1:9000"))
	peer := mustAddr(t, "10.0.0.2:9000")

	n.handleConnEvent(ConnEvent{Peer: peer, Msg: wire.ListFiles{Sender: peer, Files: wire.FileNameList{Present: false}}})
	ev := drainStorageEvent(t, storageEvents)
	if ev.Kind != storage.EventListFiles || ev.Peer != peer {
		t.Fatalf("expected EventListFiles for %v, got %+v", peer, ev)
	}

	n.handleConnEvent(ConnEvent{Peer: peer, Msg: wire.ListFiles{
		Sender: peer,
		Files:  wire.FileNameList{Present: true, Names: []string{"a.bin", "b.bin"}},
	}})
	ev = drainStorageEvent(t, storageEvents)
	if ev.Kind != storage.EventFilesAvailable || len(ev.Files) != 2 {
		t.Fatalf("expected EventFilesAvailable with 2 names, got %+v", ev)
	}
}

func TestHandleConnEventTranslatesChunkMessages(t *testing.T) {
	n, storageEvents := newTestNode(t, mustAddr(t, "10.0.0.1:9000"))
	requester := mustAddr(t, "10.0.0.2:9000")

	n.handleConnEvent(ConnEvent{Peer: requester, Msg: wire.RequestFileChunks{
		Requester: requester,
		Name:      "movie.mp4",
		Chunks:    []wire.ChunkRequest{{Index: 0, Position: 0}},
	}})
	ev := drainStorageEvent(t, storageEvents)
	if ev.Kind != storage.EventRequestFileChunks || ev.Name != "movie.mp4" || len(ev.ChunksRequested) != 1 {
		t.Fatalf("expected EventRequestFileChunks for movie.mp4, got %+v", ev)
	}

	n.handleConnEvent(ConnEvent{Peer: requester, Msg: wire.SendFileChunks{
		Name:   "movie.mp4",
		Chunks: []wire.ChunkData{{Index: 0, Data: []byte("x")}},
	}})
	ev = drainStorageEvent(t, storageEvents)
	if ev.Kind != storage.EventReceivedFileChunks || len(ev.ChunksReceived) != 1 {
		t.Fatalf("expected EventReceivedFileChunks, got %+v", ev)
	}
}

func TestHandleGossipForwardsToUninformedPeersOnly(t *testing.T) {
	n, _ := newTestNode(t, mustAddr(t, "10.0.0.1:9000"))
	from := mustAddr(t, "10.0.0.9:9000")
	already := mustAddr(t, "10.0.0.3:9000")
	uninformed := mustAddr(t, "10.0.0.4:9000")
	newcomer := mustAddr(t, "10.0.0.5:9000")

	alreadyOut := make(chan wire.NetworkMessage, 1)
	uninformedOut := make(chan wire.NetworkMessage, 1)
	n.status.Admit(already, alreadyOut, false, firstVictim)
	n.status.Admit(uninformed, uninformedOut, false, firstVictim)

	n.handleGossip(from, wire.NewPeer{
		New:      newcomer,
		Tried:    []wire.PeerAddress{from},
		Informed: []wire.PeerAddress{from, already},
	})

	select {
	case <-alreadyOut:
		t.Fatal("expected an already-informed peer not to receive the gossip again")
	default:
	}
	select {
	case msg := <-uninformedOut:
		forwarded, ok := msg.(wire.NewPeer)
		if !ok || forwarded.New != newcomer {
			t.Fatalf("expected a forwarded NewPeer for %v, got %+v", newcomer, msg)
		}
	default:
		t.Fatal("expected the uninformed peer to receive the forwarded gossip")
	}

	if n.status.IsConnected(newcomer) {
		t.Fatal("gossip alone should not connect us to the new peer")
	}
	drained := n.status.DrainPotential(10)
	found := false
	for _, p := range drained {
		if p == newcomer {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the newcomer added to potential_peers")
	}
}

func TestHandleGossipSkipsPotentialWhenTriedIncludesSelf(t *testing.T) {
	self := mustAddr(t, "10.0.0.1:9000")
	n, _ := newTestNode(t, self)
	from := mustAddr(t, "10.0.0.9:9000")
	newcomer := mustAddr(t, "10.0.0.5:9000")

	n.handleGossip(from, wire.NewPeer{
		New:      newcomer,
		Tried:    []wire.PeerAddress{self},
		Informed: []wire.PeerAddress{from},
	})

	if len(n.status.DrainPotential(10)) != 0 {
		t.Fatal("expected no potential-peer addition when Tried already includes us")
	}
}

func TestHandleCommandSendsOnWireAndReportsDisconnect(t *testing.T) {
	n, storageEvents := newTestNode(t, mustAddr(t, "10.0.0.1:9000"))
	peer := mustAddr(t, "10.0.0.2:9000")
	out := make(chan wire.NetworkMessage, 1)
	n.status.Admit(peer, out, false, firstVictim)

	n.handleCommand(storage.Command{Kind: storage.CommandAskPeerForFile, Peer: peer, Name: "a.bin"})
	select {
	case msg := <-out:
		askMsg, ok := msg.(wire.AskForFile)
		if !ok || askMsg.Name != "a.bin" {
			t.Fatalf("expected AskForFile a.bin, got %+v", msg)
		}
	default:
		t.Fatal("expected AskForFile sent to the peer's outbound channel")
	}

	gone := mustAddr(t, "10.0.0.9:9000")
	n.handleCommand(storage.Command{Kind: storage.CommandAskPeerForFile, Peer: gone, Name: "a.bin"})
	ev := drainStorageEvent(t, storageEvents)
	if ev.Kind != storage.EventPeerNotConnected || ev.Peer != gone {
		t.Fatalf("expected EventPeerNotConnected for a disconnected peer, got %+v", ev)
	}
}

func TestHandleCommandAskPeersForFileExceptRespectsExcludeSet(t *testing.T) {
	n, _ := newTestNode(t, mustAddr(t, "10.0.0.1:9000"))
	excluded := mustAddr(t, "10.0.0.2:9000")
	included := mustAddr(t, "10.0.0.3:9000")
	excludedOut := make(chan wire.NetworkMessage, 1)
	includedOut := make(chan wire.NetworkMessage, 1)
	n.status.Admit(excluded, excludedOut, false, firstVictim)
	n.status.Admit(included, includedOut, false, firstVictim)

	n.handleCommand(storage.Command{
		Kind:   storage.CommandAskPeersForFileExcept,
		Name:   "a.bin",
		Except: map[wire.PeerAddress]struct{}{excluded: {}},
	})

	select {
	case <-excludedOut:
		t.Fatal("expected the excluded peer not to receive AskForFile")
	default:
	}
	select {
	case <-includedOut:
	default:
		t.Fatal("expected the non-excluded peer to receive AskForFile")
	}
}
