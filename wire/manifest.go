package wire

import "github.com/andrewalmighty/sharenode/hash"

// ChunkSize (P in spec.md §5) is the fixed size, in bytes, of every file
// chunk except possibly the last one.
const ChunkSize = 262144

// FileChunk describes one chunk of a shared file: its byte offset, the
// BLAKE3 digest expected of its contents, and whether it has been
// downloaded locally.
type FileChunk struct {
	Position   uint64
	Hash       hash.Digest
	Downloaded bool
}

// Manifest is the per-file metadata exchanged as SendMetadata: the ordered
// list of chunks, the whole-file hash, and a running count of how many
// chunks are locally present. It is both generated locally (by streaming a
// complete file through BLAKE3 chunk-by-chunk) and received from a peer (to
// seed or cross-check a download).
type Manifest struct {
	Chunks          []FileChunk
	FileHash        hash.Digest
	ChunksDownloaded int
}

// Clone returns a deep copy of the manifest, since SharedFile hands out
// manifests to multiple peers concurrently and callers must not alias the
// chunk slice.
func (m Manifest) Clone() Manifest {
	chunks := make([]FileChunk, len(m.Chunks))
	copy(chunks, m.Chunks)
	return Manifest{
		Chunks:           chunks,
		FileHash:         m.FileHash,
		ChunksDownloaded: m.ChunksDownloaded,
	}
}

func (e *Encoder) writeFileChunk(c FileChunk) {
	e.WriteUint64(c.Position)
	e.WriteBytes(c.Hash[:])
	e.WriteBool(c.Downloaded)
}

func (d *Decoder) readFileChunk() FileChunk {
	var c FileChunk
	c.Position = d.ReadUint64()
	copy(c.Hash[:], d.ReadBytes(hash.Size))
	c.Downloaded = d.ReadBool()
	return c
}

// WriteManifest encodes a Manifest: a length-prefixed vector of FileChunk,
// the whole-file hash, and the chunks-downloaded counter.
func (e *Encoder) WriteManifest(m Manifest) {
	e.WriteUint64(uint64(len(m.Chunks)))
	for _, c := range m.Chunks {
		e.writeFileChunk(c)
	}
	e.WriteBytes(m.FileHash[:])
	e.WriteUint64(uint64(m.ChunksDownloaded))
}

// ReadManifest decodes a Manifest written by WriteManifest.
func (d *Decoder) ReadManifest() Manifest {
	n := d.ReadUint64()
	if d.err != nil {
		return Manifest{}
	}
	if n > MaxVectorLen {
		d.err = errVectorSize
		return Manifest{}
	}
	chunks := make([]FileChunk, 0, n)
	for i := uint64(0); i < n; i++ {
		chunks = append(chunks, d.readFileChunk())
	}
	var m Manifest
	m.Chunks = chunks
	copy(m.FileHash[:], d.ReadBytes(hash.Size))
	m.ChunksDownloaded = int(d.ReadUint64())
	return m
}
