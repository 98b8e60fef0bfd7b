package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NebulousLabs/threadgroup"
	"github.com/andrewalmighty/sharenode/logging"
	"github.com/andrewalmighty/sharenode/statuswatch"
	"github.com/andrewalmighty/sharenode/wire"
)

// Manager owns every SharedFile, watches the shared directory at 1 Hz, and
// drives the chunk-scheduling pump. It is grounded on
// original_source/src/p2p/storage/manager.rs; the directory scan, event
// handling, and download pump below reproduce that source's control flow
// in the teacher's cooperative-task idiom (a single goroutine select loop,
// like modules/gateway's permanent* threads) rather than Rust's
// tokio::select!.
type Manager struct {
	dir   string
	files map[string]*SharedFile

	peersAwaitingManifest map[string]map[wire.PeerAddress]struct{}

	events   <-chan Event
	commands chan<- Command

	manifestReady chan ManifestReady

	status *statuswatch.Watch
	log    logging.Logger

	threads threadgroup.ThreadGroup
}

// New constructs a Manager rooted at dir. dir must already exist and be a
// directory; events is the channel the Node posts Events to, commands is
// the channel the Manager posts Commands to for the Node to translate onto
// the wire.
func New(dir string, events <-chan Event, commands chan<- Command, log logging.Logger) (*Manager, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: %q does not exist: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: %q is not a directory", dir)
	}
	return &Manager{
		dir:                   dir,
		files:                 map[string]*SharedFile{},
		peersAwaitingManifest: map[string]map[wire.PeerAddress]struct{}{},
		events:                events,
		commands:              commands,
		manifestReady:         make(chan ManifestReady, 8),
		status:                &statuswatch.Watch{},
		log:                   log,
	}, nil
}

// Status returns the latest human-readable summary of all tracked files.
func (m *Manager) Status() (string, bool) { return m.status.Load() }

// Close stops the Manager's run loop and waits for it to exit.
func (m *Manager) Close() error { return m.threads.Stop() }

// Start launches the Manager's run loop in its own goroutine.
func (m *Manager) Start() {
	if err := m.threads.Add(); err != nil {
		return
	}
	go func() {
		defer m.threads.Done()
		m.run()
	}()
}

func (m *Manager) sendCommand(c Command) {
	select {
	case m.commands <- c:
	case <-m.threads.StopChan():
	}
}

func (m *Manager) reportStatus() {
	var b strings.Builder
	fmt.Fprintf(&b, "files in %s:\n", m.dir)
	for _, f := range m.files {
		fmt.Fprintln(&b, f.String())
	}
	m.status.Store(b.String())
}

func (m *Manager) run() {
	m.reportStatus()
	ticker := time.NewTicker(directoryScanInterval)
	defer ticker.Stop()

	for {
		m.pumpDownloads()
		select {
		case <-ticker.C:
			m.checkDirectory()
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case ready := <-m.manifestReady:
			m.handleManifestReady(ready)
		case <-m.threads.StopChan():
			return
		}
	}
}

// checkDirectory implements the 1 Hz rescan from spec.md §4.2: drop
// SharedFiles whose backing file vanished, discover new files (stripping
// the .unfinished suffix and ignoring zero-byte non-partial files), ask
// peers for their file lists when below F_MAX, and age out stale statuses.
func (m *Manager) checkDirectory() {
	changed := false

	for name, f := range m.files {
		if !f.FileExists() {
			delete(m.files, name)
			changed = true
			m.log.Infof("file removed from directory: %s", name)
		}
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.log.Errorf("could not read shared directory %s: %v", m.dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		rawName := entry.Name()
		path := filepath.Join(m.dir, rawName)
		info, err := entry.Info()
		if err != nil {
			m.log.Errorf("could not stat %s: %v", path, err)
			continue
		}

		name := rawName
		unfinished := false
		if strings.HasSuffix(rawName, "."+UnfinishedExtension) {
			name = strings.TrimSuffix(rawName, "."+UnfinishedExtension)
			unfinished = true
		}
		size := uint64(info.Size())

		if !unfinished && size == 0 {
			continue
		}
		if _, exists := m.files[name]; exists {
			continue
		}
		if len(m.files) >= maxSharedFiles {
			m.log.Errorf("discovered %s but already tracking %d shared files", name, maxSharedFiles)
			continue
		}

		sf, err := CreateFromExisting(name, path, size, unfinished)
		if err != nil {
			m.log.Errorf("could not load %s: %v", path, err)
			continue
		}
		m.files[name] = sf
		changed = true
		m.log.Infof("discovered new file to share: %s", name)
	}

	if len(m.files) < maxSharedFiles {
		m.sendCommand(Command{Kind: CommandAskForFiles})
	}

	for _, f := range m.files {
		if f.UpdateStatusIfStale() {
			changed = true
		}
	}
	if changed {
		m.reportStatus()
	}
}

// pumpDownloads implements the download pump from spec.md §4.2: for every
// unfinished file, ask its scheduler for the next request batch. A
// single-peer batch also broadens the peer set (the Rust source's
// len(requests) == 1 heuristic, preserved exactly per SPEC_FULL.md §C.2);
// an empty/no-budget result broadens against the current source set.
func (m *Manager) pumpDownloads() {
	for _, f := range m.files {
		if f.IsFinished() {
			continue
		}
		requests, scheduled := f.GetNextRequests()
		if !scheduled || len(requests) == 0 {
			m.sendCommand(Command{
				Kind:   CommandAskPeersForFileExcept,
				Name:   f.Name(),
				Except: peerSet(f.SourcePeers()),
			})
			continue
		}
		if len(requests) == 1 {
			m.sendCommand(Command{
				Kind:   CommandAskPeersForFileExcept,
				Name:   f.Name(),
				Except: peerSetFromBatch(requests),
			})
		}
		for peer, chunks := range requests {
			m.sendCommand(Command{
				Kind:            CommandRequestFileChunks,
				Peer:            peer,
				Name:            f.Name(),
				ChunksRequested: chunks,
			})
		}
	}
}

func peerSet(peers []wire.PeerAddress) map[wire.PeerAddress]struct{} {
	set := make(map[wire.PeerAddress]struct{}, len(peers))
	for _, p := range peers {
		set[p] = struct{}{}
	}
	return set
}

func peerSetFromBatch(batch ChunkRequestBatch) map[wire.PeerAddress]struct{} {
	set := make(map[wire.PeerAddress]struct{}, len(batch))
	for p := range batch {
		set[p] = struct{}{}
	}
	return set
}

func (m *Manager) handleEvent(ev Event) {
	switch ev.Kind {
	case EventListFiles:
		m.handleListFiles(ev)
	case EventFilesAvailable:
		m.handleFilesAvailable(ev)
	case EventAskForFile:
		m.getMetadataForPeer(ev.Name, ev.Peer)
	case EventReceivedMetadata:
		m.handleReceivedMetadata(ev)
	case EventPeerNotConnected:
		for _, f := range m.files {
			f.RemoveSourcePeer(ev.Peer)
		}
	case EventRequestFileChunks:
		m.handleRequestFileChunks(ev)
	case EventReceivedFileChunks:
		m.handleReceivedFileChunks(ev)
	}
}

func (m *Manager) handleListFiles(ev Event) {
	var names []string
	for name, f := range m.files {
		if !f.IsEmptyPlaceholder() {
			names = append(names, name)
		}
	}
	m.sendCommand(Command{Kind: CommandFilesAvailable, Peer: ev.Peer, Names: names})
}

// handleFilesAvailable reproduces manager.rs's check_files_from_peer: for a
// file we already track but haven't finished, ask the peer for it too; for
// a file we've never seen, create a placeholder (if a slot is free) and
// ask. Both branches are kept distinct per SPEC_FULL.md §C.5.
func (m *Manager) handleFilesAvailable(ev Event) {
	changed := false
	for _, name := range ev.Files {
		if existing, ok := m.files[name]; ok {
			if !existing.IsFinished() {
				m.sendCommand(Command{Kind: CommandAskPeerForFile, Name: name, Peer: ev.Peer})
			}
			continue
		}
		if len(m.files) >= maxSharedFiles {
			m.log.Errorf("peer %v has file %s we lack, but no free slot", ev.Peer, name)
			continue
		}
		sf, err := CreateNew(name, m.dir)
		if err != nil {
			m.log.Errorf("failed to create placeholder for %s: %v", name, err)
			continue
		}
		if sf == nil {
			continue
		}
		m.files[name] = sf
		m.sendCommand(Command{Kind: CommandAskPeerForFile, Name: name, Peer: ev.Peer})
		changed = true
	}
	if changed {
		m.reportStatus()
	}
}

func (m *Manager) getMetadataForPeer(name string, peer wire.PeerAddress) {
	f, ok := m.files[name]
	if !ok {
		m.log.Errorf("peer %v asked for %s which we don't have", peer, name)
		return
	}
	if !f.FileExists() || f.IsEmptyPlaceholder() {
		return
	}
	if waiting, ok := m.peersAwaitingManifest[name]; ok {
		waiting[peer] = struct{}{}
		return
	}
	manifest, ready := f.GenerateManifest(m.manifestReady)
	if ready {
		m.sendCommand(Command{Kind: CommandSendMetadata, Name: name, Peer: peer, FileSize: f.FileSize(), Manifest: manifest})
		return
	}
	if m.peersAwaitingManifest[name] == nil {
		m.peersAwaitingManifest[name] = map[wire.PeerAddress]struct{}{}
	}
	m.peersAwaitingManifest[name][peer] = struct{}{}
}

func (m *Manager) handleReceivedMetadata(ev Event) {
	f, ok := m.files[ev.Name]
	if !ok {
		m.log.Debugf("received metadata for %s, which we aren't tracking", ev.Name)
		return
	}
	if !f.FileExists() {
		return
	}
	if !f.IsEmptyPlaceholder() {
		if !f.HasManifest() {
			m.log.Errorf("received metadata for completed file %s from %v", ev.Name, ev.Peer)
			return
		}
		if f.FileSize() != ev.FileSize {
			m.log.Debugf("received metadata for %s with mismatched size from %v", ev.Name, ev.Peer)
			return
		}
		if mismatch := f.CompareManifest(ev.Peer, ev.Manifest); mismatch != "" {
			m.log.Debugf("received metadata for %s from %v differs: %s", ev.Name, ev.Peer, mismatch)
		}
		return
	}
	if err := f.InsertDownloadManifest(ev.Peer, ev.FileSize, ev.Manifest); err != nil {
		m.log.Errorf("could not install manifest for %s: %v", ev.Name, err)
	}
}

func (m *Manager) handleRequestFileChunks(ev Event) {
	f, ok := m.files[ev.Name]
	if !ok {
		return
	}
	chunks := f.ReadChunks(ev.ChunksRequested)
	if len(chunks) > 0 {
		m.sendCommand(Command{Kind: CommandSendFileChunks, Peer: ev.Peer, Name: ev.Name, ChunksToSend: chunks})
	}
}

func (m *Manager) handleReceivedFileChunks(ev Event) {
	f, ok := m.files[ev.Name]
	if !ok {
		return
	}
	if err := f.AppendChunks(ev.ChunksReceived); err != nil {
		m.log.Errorf("append error for %s: %v", ev.Name, err)
	}
	if f.IsFinished() {
		m.log.Infof("finished downloading %s", ev.Name)
	}
	m.reportStatus()
}

func (m *Manager) handleManifestReady(ready ManifestReady) {
	peers, ok := m.peersAwaitingManifest[ready.Name]
	if !ok {
		m.log.Errorf("manifest for %s became ready, but no peer was waiting", ready.Name)
		return
	}
	delete(m.peersAwaitingManifest, ready.Name)
	for peer := range peers {
		m.sendCommand(Command{
			Kind: CommandSendMetadata, Name: ready.Name, Peer: peer,
			FileSize: ready.FileSize, Manifest: ready.Manifest.Clone(),
		})
	}
}
