package storage

import "github.com/andrewalmighty/sharenode/wire"

// Event is a message the Node delivers to the Manager, corresponding to
// the "Node -> Manager" arrows enumerated in spec.md §4.2. EventKind
// selects which fields are meaningful, mirroring the original source's
// NodeMessage enum (p2p/net/message.rs).
type EventKind int

const (
	EventListFiles EventKind = iota
	EventFilesAvailable
	EventAskForFile
	EventReceivedMetadata
	EventPeerNotConnected
	EventRequestFileChunks
	EventReceivedFileChunks
)

// Event carries one Node-to-Manager notification. Only the fields relevant
// to Kind are populated.
type Event struct {
	Kind EventKind

	Peer wire.PeerAddress
	Name string

	Files []string // EventFilesAvailable

	FileSize uint64        // EventReceivedMetadata
	Manifest wire.Manifest // EventReceivedMetadata

	ChunksRequested []wire.ChunkRequest // EventRequestFileChunks
	ChunksReceived  []wire.ChunkData    // EventReceivedFileChunks
}

// CommandKind selects which fields of a Command are meaningful.
type CommandKind int

const (
	CommandAskForFiles CommandKind = iota
	CommandAskPeerForFile
	CommandAskPeersForFileExcept
	CommandFilesAvailable
	CommandSendMetadata
	CommandRequestFileChunks
	CommandSendFileChunks
)

// Command is a message the Manager delivers to the Node, corresponding to
// the "Manager -> Node" arrows in spec.md §4.2; the Node maps each 1:1 onto
// a NetworkMessage sent to one or all connected peers.
type Command struct {
	Kind CommandKind

	Peer    wire.PeerAddress
	Name    string
	Names   []string
	Except  map[wire.PeerAddress]struct{}

	FileSize uint64
	Manifest wire.Manifest

	ChunksRequested []wire.ChunkRequest
	ChunksToSend    []wire.ChunkData
}
