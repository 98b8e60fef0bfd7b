// Package storage implements the two storage-side components from
// spec.md §4.1/§4.2: SharedFile, the per-file state machine, and Manager,
// which owns the set of SharedFiles and drives the directory watcher and
// chunk scheduler. The resumable on-disk layout (manifest + size trailer
// appended to a `.unfinished` file) is grounded on the write-ahead-log
// idiom in modules/host/contractmanager (append, flush, then mark
// complete) adapted to this spec's single-file-per-record shape, and on
// original_source/src/p2p/storage/file.rs for the exact trailer and
// rename semantics.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/andrewalmighty/sharenode/build"
	"github.com/andrewalmighty/sharenode/hash"
	"github.com/andrewalmighty/sharenode/wire"
)

// Status is the observable state of a SharedFile: whether it is currently
// serving chunks to others, pulling chunks from others, or doing neither.
type Status int

const (
	Idle Status = iota
	Peering
	Seeding
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Peering:
		return "peering"
	case Seeding:
		return "seeding"
	default:
		return "unknown"
	}
}

// SharedFile is one entry in the Manager's file table. All state is owned
// by the Manager's task; no other goroutine reads or writes a SharedFile's
// fields directly.
type SharedFile struct {
	name     string
	path     string
	fileSize uint64

	status            Status
	statusChangedAt   time.Time

	manifest *wire.Manifest

	peersWithChunks map[wire.PeerAddress]map[uint64]struct{}
	chunksInFlight  map[uint64]time.Time
	lastPeersAsked  map[wire.PeerAddress]struct{}

	completion int
}

// Name returns the file's FileName.
func (f *SharedFile) Name() string { return f.name }

// FileSize returns the size of the payload, excluding any trailer.
func (f *SharedFile) FileSize() uint64 { return f.fileSize }

// Completion returns the integer 0-100 completion percentage.
func (f *SharedFile) Completion() int { return f.completion }

// StatusNow returns the file's current status.
func (f *SharedFile) StatusNow() Status { return f.status }

// IsFinished reports whether the file is completely downloaded (or was
// already complete locally).
func (f *SharedFile) IsFinished() bool { return f.completion == 100 }

// FileExists reports whether the backing path is still present on disk.
func (f *SharedFile) FileExists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// IsEmptyPlaceholder reports whether this SharedFile is an empty
// placeholder awaiting a manifest from a peer.
func (f *SharedFile) IsEmptyPlaceholder() bool { return f.fileSize == 0 }

// HasManifest reports whether a manifest is currently held in memory.
func (f *SharedFile) HasManifest() bool { return f.manifest != nil }

// SourcePeers returns every peer recorded as a source for this file. A peer
// whose set of offered chunks has become empty stays listed until the next
// GetNextRequests call drops it.
func (f *SharedFile) SourcePeers() []wire.PeerAddress {
	peers := make([]wire.PeerAddress, 0, len(f.peersWithChunks))
	for p := range f.peersWithChunks {
		peers = append(peers, p)
	}
	return peers
}

// RemoveSourcePeer drops peer from the source set, called when the Node
// reports the peer is no longer connected.
func (f *SharedFile) RemoveSourcePeer(peer wire.PeerAddress) {
	delete(f.peersWithChunks, peer)
}

func unfinishedPath(dir, name string) string {
	return filepath.Join(dir, name+"."+UnfinishedExtension)
}

func finishedPath(dir, name string) string {
	return filepath.Join(dir, name)
}

// CreateFromExisting reconstructs a SharedFile from a file the directory
// watcher discovered. When unfinished is false, size is the whole file and
// the file is treated as complete. When unfinished is true and size is 0,
// it's a fresh placeholder. When unfinished is true and size > 0, the
// trailing 8 bytes are read to find the payload boundary and the manifest
// between that boundary and the trailer is decoded to reconstruct
// per-chunk state.
func CreateFromExisting(name, path string, size uint64, unfinished bool) (*SharedFile, error) {
	now := time.Now()
	if !unfinished {
		return &SharedFile{
			name: name, path: path, fileSize: size,
			status: Idle, statusChangedAt: now, completion: 100,
			peersWithChunks: map[wire.PeerAddress]map[uint64]struct{}{},
			chunksInFlight:  map[uint64]time.Time{},
			lastPeersAsked:  map[wire.PeerAddress]struct{}{},
		}, nil
	}
	if size == 0 {
		return &SharedFile{
			name: name, path: path, fileSize: 0,
			status: Idle, statusChangedAt: now, completion: 0,
			peersWithChunks: map[wire.PeerAddress]map[uint64]struct{}{},
			chunksInFlight:  map[uint64]time.Time{},
			lastPeersAsked:  map[wire.PeerAddress]struct{}{},
		}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: could not open existing file %q: %w", path, err)
	}
	defer file.Close()

	trailer := make([]byte, 8)
	if _, err := file.Seek(-8, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("storage: %q too small for a trailer: %w", path, err)
	}
	if _, err := file.Read(trailer); err != nil {
		return nil, fmt.Errorf("storage: could not read trailer of %q: %w", path, err)
	}
	payloadSize := leUint64(trailer)
	if payloadSize > size {
		return nil, fmt.Errorf("storage: %q trailer claims payload larger than the file", path)
	}

	manifestLen := size - payloadSize - 8
	if _, err := file.Seek(int64(payloadSize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("storage: could not seek to manifest in %q: %w", path, err)
	}
	manifestBytes := make([]byte, manifestLen)
	if _, err := file.Read(manifestBytes); err != nil {
		return nil, fmt.Errorf("storage: could not read manifest of %q: %w", path, err)
	}
	manifest, err := decodeManifest(manifestBytes)
	if err != nil {
		return nil, fmt.Errorf("storage: could not decode manifest of %q: %w", path, err)
	}

	completion := 0
	if manifest.ChunksDownloaded > 0 {
		completion = int(float64(manifest.ChunksDownloaded) / float64(len(manifest.Chunks)) * 100.0)
	}
	if completion >= 100 {
		build.Critical("storage: resumed manifest reports 100% completion on an unfinished file", name)
	}

	return &SharedFile{
		name: name, path: path, fileSize: payloadSize,
		status: Idle, statusChangedAt: now, completion: completion,
		manifest:        &manifest,
		peersWithChunks: map[wire.PeerAddress]map[uint64]struct{}{},
		chunksInFlight:  map[uint64]time.Time{},
		lastPeersAsked:  map[wire.PeerAddress]struct{}{},
	}, nil
}

// CreateNew creates an empty `<name>.unfinished` placeholder file in dir.
// It returns (nil, nil) if the file already exists, mirroring
// File::create_new's "already exists" outcome in the original source.
func CreateNew(name, dir string) (*SharedFile, error) {
	path := unfinishedPath(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: could not create %q: %w", path, err)
	}
	f.Close()
	return &SharedFile{
		name: name, path: path, fileSize: 0,
		status: Idle, statusChangedAt: time.Now(), completion: 0,
		peersWithChunks: map[wire.PeerAddress]map[uint64]struct{}{},
		chunksInFlight:  map[uint64]time.Time{},
		lastPeersAsked:  map[wire.PeerAddress]struct{}{},
	}, nil
}

// ManifestReady is posted on the channel GenerateManifest is given, once a
// background hashing pass completes.
type ManifestReady struct {
	Name     string
	FileSize uint64
	Manifest wire.Manifest
}

// GenerateManifest returns the file's manifest synchronously if one is
// already held. Otherwise it spawns a background goroutine that streams
// the file in ChunkSize pieces, computing per-chunk and whole-file BLAKE3
// digests, and posts a ManifestReady on ready when done; GenerateManifest
// itself returns (Manifest{}, false) in that case.
func (f *SharedFile) GenerateManifest(ready chan<- ManifestReady) (wire.Manifest, bool) {
	if f.manifest != nil {
		return f.manifest.Clone(), true
	}
	if f.completion != 100 {
		build.Critical("storage: GenerateManifest called on an incomplete file with no manifest", f.name)
	}

	path, name, size := f.path, f.name, f.fileSize
	go func() {
		file, err := os.Open(path)
		if err != nil {
			return
		}
		defer file.Close()

		chunkCount := int(size / wire.ChunkSize)
		if size%wire.ChunkSize != 0 {
			chunkCount++
		}
		chunks := make([]wire.FileChunk, 0, chunkCount)
		fileHasher := hash.NewHasher()

		var pos uint64
		buf := make([]byte, wire.ChunkSize)
		for pos < size {
			n := wire.ChunkSize
			if size-pos < wire.ChunkSize {
				n = int(size - pos)
			}
			if _, err := file.Read(buf[:n]); err != nil {
				return
			}
			chunkHash := hash.Sum(buf[:n])
			fileHasher.Write(buf[:n])
			chunks = append(chunks, wire.FileChunk{Position: pos, Hash: chunkHash, Downloaded: true})
			pos += uint64(n)
		}

		var fileHash hash.Digest
		copy(fileHash[:], fileHasher.Sum(nil))
		ready <- ManifestReady{
			Name:     name,
			FileSize: size,
			Manifest: wire.Manifest{Chunks: chunks, FileHash: fileHash, ChunksDownloaded: len(chunks)},
		}
	}()
	return wire.Manifest{}, false
}

// InsertDownloadManifest installs a manifest received from peer on an
// empty placeholder: it sizes the backing file, appends the encoded
// manifest and trailer, records which chunks peer is known to hold, and
// resets all local downloaded bits to false.
func (f *SharedFile) InsertDownloadManifest(peer wire.PeerAddress, size uint64, manifest wire.Manifest) error {
	if f.manifest != nil {
		build.Critical("storage: InsertDownloadManifest called on a file that already has a manifest", f.name)
	}
	if f.fileSize != 0 {
		build.Critical("storage: InsertDownloadManifest called on a non-placeholder file", f.name)
	}

	file, err := os.OpenFile(f.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage: could not open %q: %w", f.path, err)
	}
	defer file.Close()

	if err := file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("storage: could not size %q: %w", f.path, err)
	}
	f.fileSize = size

	peerChunks := map[uint64]struct{}{}
	for i := range manifest.Chunks {
		if manifest.Chunks[i].Downloaded {
			peerChunks[uint64(i)] = struct{}{}
		}
		manifest.Chunks[i].Downloaded = false
	}
	manifest.ChunksDownloaded = 0
	f.manifest = &manifest
	f.peersWithChunks[peer] = peerChunks

	return f.flushManifest(file)
}

// flushManifest appends the current manifest and trailer to file, which
// must already be open for writing and sized to f.fileSize.
func (f *SharedFile) flushManifest(file *os.File) error {
	if f.manifest == nil {
		build.Critical("storage: flushManifest called with no manifest", f.name)
	}
	if _, err := file.Seek(int64(f.fileSize), io.SeekStart); err != nil {
		return err
	}
	encoded := encodeManifest(*f.manifest)
	if _, err := file.Write(encoded); err != nil {
		return err
	}
	if _, err := file.Write(leBytes(f.fileSize)); err != nil {
		return err
	}
	return nil
}

// FlushManifest reopens the backing file and re-flushes the manifest
// trailer, used by the Manager after a chunk append so progress survives a
// crash.
func (f *SharedFile) FlushManifest() error {
	file, err := os.OpenFile(f.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage: could not reopen %q: %w", f.path, err)
	}
	defer file.Close()
	return f.flushManifest(file)
}

// CompareManifest checks a peer's manifest against our own for a file we
// already have a manifest for. On a mismatch it returns a diagnostic
// string and makes no state change; on a match it records which chunks the
// peer has that we don't.
func (f *SharedFile) CompareManifest(peer wire.PeerAddress, theirs wire.Manifest) (mismatch string) {
	if f.manifest == nil {
		build.Critical("storage: CompareManifest called with no local manifest", f.name)
	}
	ours := f.manifest
	if len(theirs.Chunks) != len(ours.Chunks) {
		return fmt.Sprintf("peer's chunk count %d != ours %d", len(theirs.Chunks), len(ours.Chunks))
	}
	for i := range ours.Chunks {
		if theirs.Chunks[i].Hash != ours.Chunks[i].Hash {
			return fmt.Sprintf("chunk %d: peer hash %x != ours %x", i, theirs.Chunks[i].Hash, ours.Chunks[i].Hash)
		}
		if theirs.Chunks[i].Position != ours.Chunks[i].Position {
			return fmt.Sprintf("chunk %d: peer position %d != ours %d", i, theirs.Chunks[i].Position, ours.Chunks[i].Position)
		}
	}
	if theirs.FileHash != ours.FileHash {
		return fmt.Sprintf("peer file hash %x != ours %x", theirs.FileHash, ours.FileHash)
	}

	peerChunks := map[uint64]struct{}{}
	for i := range theirs.Chunks {
		if theirs.Chunks[i].Downloaded && !ours.Chunks[i].Downloaded {
			peerChunks[uint64(i)] = struct{}{}
		}
	}
	f.peersWithChunks[peer] = peerChunks
	return ""
}

// ChunkRequestBatch maps a peer to the chunks we are asking it for.
type ChunkRequestBatch map[wire.PeerAddress][]wire.ChunkRequest

// GetNextRequests implements the scheduler from spec.md §4.1: expire stale
// in-flight requests, drop exhausted peer offers, and round-robin a batch
// of new requests across peers with spare budget. Returns (nil, false) if
// there is no manifest yet, or if the in-flight budget is already full.
func (f *SharedFile) GetNextRequests() (ChunkRequestBatch, bool) {
	if f.manifest == nil {
		return nil, false
	}
	now := time.Now()
	for idx, askedAt := range f.chunksInFlight {
		if now.Sub(askedAt) >= chunkRequestTimeout {
			delete(f.chunksInFlight, idx)
		}
	}
	for peer, chunks := range f.peersWithChunks {
		if len(chunks) == 0 {
			delete(f.peersWithChunks, peer)
		}
	}

	if len(f.chunksInFlight) >= maxInFlightChunks {
		return nil, false
	}

	budget := maxInFlightChunks - len(f.chunksInFlight)
	if budget < len(f.peersWithChunks) {
		return ChunkRequestBatch{}, true
	}

	remainingChunks := len(f.manifest.Chunks) - f.manifest.ChunksDownloaded
	requests := ChunkRequestBatch{}
	progressed := true
	for budget > 0 && remainingChunks > len(f.chunksInFlight) && len(f.peersWithChunks) > 0 && progressed {
		progressed = false
		for peer, chunks := range f.peersWithChunks {
			if budget == 0 {
				break
			}
			for idx := range chunks {
				if _, inFlight := f.chunksInFlight[idx]; inFlight {
					continue
				}
				if f.manifest.Chunks[idx].Downloaded {
					continue
				}
				f.chunksInFlight[idx] = now
				requests[peer] = append(requests[peer], wire.ChunkRequest{
					Index:    idx,
					Position: f.manifest.Chunks[idx].Position,
				})
				budget--
				progressed = true
				break
			}
		}
	}

	if len(requests) == 0 {
		return nil, false
	}

	f.lastPeersAsked = map[wire.PeerAddress]struct{}{}
	for peer := range requests {
		f.lastPeersAsked[peer] = struct{}{}
	}
	return requests, true
}

// ReadChunks opens the backing file, seeks to each requested position, and
// reads up to ChunkSize bytes (less for the final chunk). Reading chunks
// for a peer moves an Idle file to Seeding; it leaves Peering unchanged.
func (f *SharedFile) ReadChunks(requests []wire.ChunkRequest) []wire.ChunkData {
	file, err := os.Open(f.path)
	if err != nil {
		return nil
	}
	defer file.Close()

	result := make([]wire.ChunkData, 0, len(requests))
	for _, req := range requests {
		if _, err := file.Seek(int64(req.Position), io.SeekStart); err != nil {
			break
		}
		n := wire.ChunkSize
		if f.fileSize-req.Position < wire.ChunkSize {
			n = int(f.fileSize - req.Position)
		}
		buf := make([]byte, n)
		if _, err := file.Read(buf); err != nil {
			break
		}
		result = append(result, wire.ChunkData{Index: req.Index, Data: buf})
	}

	if f.status == Idle {
		f.status = Seeding
	}
	f.statusChangedAt = time.Now()
	return result
}

// AppendChunks verifies and writes a batch of received chunks. A chunk
// whose hash doesn't match the manifest is dropped silently (the in-flight
// slot is left to expire and be re-requested). A manifest position that is
// not index*ChunkSize is reported through build.Critical, which panics only
// in DEBUG builds; otherwise the chunk is still written at the manifest's
// position. On reaching 100% completion, the trailer is truncated
// away and the file is renamed from `<name>.unfinished` to `<name>` using
// its full path — not a bare filename rewrite, which on some platforms
// would discard the directory component.
func (f *SharedFile) AppendChunks(chunks []wire.ChunkData) error {
	if f.manifest == nil {
		return nil
	}
	total := len(f.manifest.Chunks)

	file, err := os.OpenFile(f.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage: could not open %q for append: %w", f.path, err)
	}

	appended := false
	for _, c := range chunks {
		if int(c.Index) >= total {
			continue
		}
		meta := &f.manifest.Chunks[c.Index]
		if meta.Downloaded {
			continue
		}
		if hash.Sum(c.Data) != meta.Hash {
			continue
		}
		if meta.Position != c.Index*wire.ChunkSize {
			build.Critical("storage: chunk position does not match index*ChunkSize", f.name, c.Index)
		}
		if _, err := file.Seek(int64(meta.Position), io.SeekStart); err != nil {
			file.Close()
			return fmt.Errorf("storage: could not seek %q to write chunk %d: %w", f.path, c.Index, err)
		}
		if _, err := file.Write(c.Data); err != nil {
			file.Close()
			return fmt.Errorf("storage: could not write chunk %d to %q: %w", c.Index, f.path, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("storage: could not sync %q after chunk %d: %w", f.path, c.Index, err)
		}

		f.manifest.ChunksDownloaded++
		meta.Downloaded = true
		appended = true
		delete(f.chunksInFlight, c.Index)
		for _, chunkSet := range f.peersWithChunks {
			delete(chunkSet, c.Index)
		}
		f.completion = int(float64(f.manifest.ChunksDownloaded) / float64(total) * 100.0)

		if f.completion >= 100 {
			if f.manifest.ChunksDownloaded != total {
				build.Critical("storage: completion reached 100 with chunksDownloaded != total", f.name)
			}
			if err := file.Truncate(int64(f.fileSize)); err != nil {
				file.Close()
				return fmt.Errorf("storage: could not truncate trailer of %q: %w", f.path, err)
			}
			file.Close()

			finalPath := finishedPath(filepath.Dir(f.path), f.name)
			if err := os.Rename(f.path, finalPath); err != nil {
				return fmt.Errorf("storage: could not rename %q to %q: %w", f.path, finalPath, err)
			}
			f.path = finalPath
			f.status = Idle
			f.completion = 100
			f.manifest = nil
			f.peersWithChunks = map[wire.PeerAddress]map[uint64]struct{}{}
			f.chunksInFlight = map[uint64]time.Time{}
			return nil
		}

		if f.status != Peering {
			f.status = Peering
		}
		f.statusChangedAt = time.Now()
	}
	file.Close()

	if appended {
		return f.FlushManifest()
	}
	return nil
}

// UpdateStatusIfStale reverts status to Idle if more than T_STATUS has
// elapsed since the last status-changing event, reporting whether it did.
func (f *SharedFile) UpdateStatusIfStale() bool {
	if time.Since(f.statusChangedAt) >= statusIdleTimeout && f.status != Idle {
		f.status = Idle
		return true
	}
	return false
}

// String renders a short human-readable summary, grounded on Sia's Display
// impls for peer/node debug output.
func (f *SharedFile) String() string {
	return fmt.Sprintf("%s (%d%%, %s)", f.name, f.completion, f.status)
}
