package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andrewalmighty/sharenode/hash"
	"github.com/andrewalmighty/sharenode/logging"
	"github.com/andrewalmighty/sharenode/wire"
)

func newTestManager(t *testing.T) (*Manager, chan Event, chan Command) {
	t.Helper()
	dir := t.TempDir()
	events := make(chan Event, 8)
	commands := make(chan Command, 8)
	m, err := New(dir, events, commands, logging.New("test", nil))
	if err != nil {
		t.Fatal(err)
	}
	return m, events, commands
}

func drainCommand(t *testing.T, commands chan Command) Command {
	t.Helper()
	select {
	case c := <-commands:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a command")
		return Command{}
	}
}

func TestNewRejectsMissingOrNonDirectory(t *testing.T) {
	events := make(chan Event, 1)
	commands := make(chan Command, 1)
	if _, err := New(filepath.Join(t.TempDir(), "nope"), events, commands, logging.New("test", nil)); err == nil {
		t.Fatal("expected an error for a missing directory")
	}

	file := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(file, events, commands, logging.New("test", nil)); err == nil {
		t.Fatal("expected an error when dir is a plain file")
	}
}

func TestCheckDirectoryDiscoversAndCapsFiles(t *testing.T) {
	m, _, commands := newTestManager(t)
	for i := 0; i < maxSharedFiles+1; i++ {
		name := filepath.Join(m.dir, "file"+string(rune('a'+i))+".bin")
		if err := os.WriteFile(name, []byte("some bytes"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	m.checkDirectory()

	if len(m.files) != maxSharedFiles {
		t.Fatalf("expected discovery to cap at %d files, got %d", maxSharedFiles, len(m.files))
	}

	status, ok := m.Status()
	if !ok || status == "" {
		t.Fatal("expected a non-empty status after discovery")
	}

	select {
	case c := <-commands:
		t.Fatalf("expected no AskForFiles once the cap is reached, got %+v", c)
	default:
	}
}

func TestCheckDirectoryIgnoresZeroByteAndTracksUnfinishedFiles(t *testing.T) {
	m, _, commands := newTestManager(t)
	if err := os.WriteFile(filepath.Join(m.dir, "empty.bin"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, "partial.bin."+UnfinishedExtension), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	m.checkDirectory()

	if _, ok := m.files["empty.bin"]; ok {
		t.Fatal("a zero-byte non-partial file should not be tracked")
	}
	if _, ok := m.files["partial.bin"]; !ok {
		t.Fatal("an .unfinished file should be tracked under its stripped name")
	}

	cmd := drainCommand(t, commands)
	if cmd.Kind != CommandAskForFiles {
		t.Fatalf("expected AskForFiles under the cap, got %v", cmd.Kind)
	}
}

func TestCheckDirectoryDropsVanishedFiles(t *testing.T) {
	m, _, _ := newTestManager(t)
	path := filepath.Join(m.dir, "gone.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.checkDirectory()
	if _, ok := m.files["gone.bin"]; !ok {
		t.Fatal("expected gone.bin to be discovered first")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	m.checkDirectory()
	if _, ok := m.files["gone.bin"]; ok {
		t.Fatal("expected gone.bin to be dropped once its backing file vanished")
	}
}

func TestHandleListFilesOmitsEmptyPlaceholders(t *testing.T) {
	m, events, commands := newTestManager(t)
	path := filepath.Join(m.dir, "real.bin")
	if err := os.WriteFile(path, []byte("abcdef"), 0o644); err != nil {
		t.Fatal(err)
	}
	m.checkDirectory()
	drainCommand(t, commands) // AskForFiles

	placeholder, err := CreateNew("placeholder.bin", m.dir)
	if err != nil {
		t.Fatal(err)
	}
	m.files["placeholder.bin"] = placeholder

	peer := mustPeer(t, "10.0.0.9:9000")
	events <- Event{Kind: EventListFiles, Peer: peer}
	m.handleEvent(<-events)

	cmd := drainCommand(t, commands)
	if cmd.Kind != CommandFilesAvailable || cmd.Peer != peer {
		t.Fatalf("expected FilesAvailable to %v, got %+v", peer, cmd)
	}
	if len(cmd.Names) != 1 || cmd.Names[0] != "real.bin" {
		t.Fatalf("expected only the non-placeholder file listed, got %v", cmd.Names)
	}
}

func TestHandleFilesAvailableCreatesPlaceholderAndAsks(t *testing.T) {
	m, _, commands := newTestManager(t)
	peer := mustPeer(t, "10.0.0.9:9000")

	m.handleEvent(Event{Kind: EventFilesAvailable, Peer: peer, Files: []string{"new.bin"}})

	if _, ok := m.files["new.bin"]; !ok {
		t.Fatal("expected a placeholder to be created for an unseen file")
	}
	cmd := drainCommand(t, commands)
	if cmd.Kind != CommandAskPeerForFile || cmd.Name != "new.bin" || cmd.Peer != peer {
		t.Fatalf("expected AskPeerForFile new.bin/%v, got %+v", peer, cmd)
	}
}

func TestHandleFilesAvailableAsksAgainForUnfinishedKnownFile(t *testing.T) {
	m, _, commands := newTestManager(t)
	peer := mustPeer(t, "10.0.0.9:9000")
	f, err := CreateNew("known.bin", m.dir)
	if err != nil {
		t.Fatal(err)
	}
	m.files["known.bin"] = f

	m.handleEvent(Event{Kind: EventFilesAvailable, Peer: peer, Files: []string{"known.bin"}})

	cmd := drainCommand(t, commands)
	if cmd.Kind != CommandAskPeerForFile || cmd.Name != "known.bin" {
		t.Fatalf("expected AskPeerForFile for the still-unfinished known file, got %+v", cmd)
	}
}

func TestHandlePeerNotConnectedRemovesFromEveryFile(t *testing.T) {
	m, _, _ := newTestManager(t)
	f, err := CreateNew("song.flac", m.dir)
	if err != nil {
		t.Fatal(err)
	}
	m.files["song.flac"] = f
	peer := mustPeer(t, "10.0.0.5:9000")
	manifest := wire.Manifest{Chunks: []wire.FileChunk{{Position: 0, Hash: hash.Sum([]byte("a"))}}}
	if err := f.InsertDownloadManifest(peer, wire.ChunkSize, manifest); err != nil {
		t.Fatal(err)
	}
	if len(f.SourcePeers()) != 1 {
		t.Fatal("expected the peer recorded as a source")
	}

	m.handleEvent(Event{Kind: EventPeerNotConnected, Peer: peer})

	if len(f.SourcePeers()) != 0 {
		t.Fatal("expected the peer removed from every file's source set")
	}
}

func TestHandleRequestFileChunksSendsWhatItHas(t *testing.T) {
	m, _, commands := newTestManager(t)
	path := filepath.Join(m.dir, "doc.txt")
	contents := []byte("hello, world! this is file content.")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := CreateFromExisting("doc.txt", path, uint64(len(contents)), false)
	if err != nil {
		t.Fatal(err)
	}
	m.files["doc.txt"] = f
	peer := mustPeer(t, "10.0.0.2:9000")

	m.handleEvent(Event{
		Kind: EventRequestFileChunks,
		Peer: peer,
		Name: "doc.txt",
		ChunksRequested: []wire.ChunkRequest{
			{Index: 0, Position: 0},
		},
	})

	cmd := drainCommand(t, commands)
	if cmd.Kind != CommandSendFileChunks || cmd.Peer != peer || len(cmd.ChunksToSend) != 1 {
		t.Fatalf("expected a single chunk sent to %v, got %+v", peer, cmd)
	}
}

func TestPumpDownloadsBroadensWhenNoScheduleIsProduced(t *testing.T) {
	m, _, commands := newTestManager(t)
	f, err := CreateNew("big.iso", m.dir)
	if err != nil {
		t.Fatal(err)
	}
	m.files["big.iso"] = f // no manifest yet: GetNextRequests must report !scheduled

	m.pumpDownloads()

	cmd := drainCommand(t, commands)
	if cmd.Kind != CommandAskPeersForFileExcept || cmd.Name != "big.iso" {
		t.Fatalf("expected a broaden request for big.iso, got %+v", cmd)
	}
}

func TestPumpDownloadsSkipsFinishedFiles(t *testing.T) {
	m, _, commands := newTestManager(t)
	path := filepath.Join(m.dir, "finished.bin")
	if err := os.WriteFile(path, []byte("already complete"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := CreateFromExisting("finished.bin", path, 16, false)
	if err != nil {
		t.Fatal(err)
	}
	m.files["finished.bin"] = f

	m.pumpDownloads()

	select {
	case c := <-commands:
		t.Fatalf("expected no commands for an already-finished file, got %+v", c)
	default:
	}
}

func TestHandleManifestReadyFansOutToWaitingPeers(t *testing.T) {
	m, _, commands := newTestManager(t)
	peerA := mustPeer(t, "10.0.0.1:9000")
	peerB := mustPeer(t, "10.0.0.2:9000")
	m.peersAwaitingManifest["big.iso"] = map[wire.PeerAddress]struct{}{peerA: {}, peerB: {}}

	manifest := wire.Manifest{Chunks: []wire.FileChunk{{Position: 0, Hash: hash.Sum([]byte("a"))}}}
	m.handleManifestReady(ManifestReady{Name: "big.iso", FileSize: wire.ChunkSize, Manifest: manifest})

	seen := map[wire.PeerAddress]bool{}
	for i := 0; i < 2; i++ {
		cmd := drainCommand(t, commands)
		if cmd.Kind != CommandSendMetadata || cmd.Name != "big.iso" {
			t.Fatalf("expected SendMetadata for big.iso, got %+v", cmd)
		}
		seen[cmd.Peer] = true
	}
	if !seen[peerA] || !seen[peerB] {
		t.Fatalf("expected both waiting peers served, got %v", seen)
	}
	if _, still := m.peersAwaitingManifest["big.iso"]; still {
		t.Fatal("expected the waiting set cleared once served")
	}
}
