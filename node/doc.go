// Package node implements the networking side of the file-sharing peer:
// Connection drives one TCP session's handshake and steady-state message
// loop (spec.md §4.3), Status holds the peer bookkeeping shared between
// connections and the Node, and Node itself listens for inbound TCP, runs
// seed/broadcast discovery, gossips newly joined peers, and routes
// messages between Connections and the Storage Manager (spec.md §4.4).
// The package is grounded on modules/gateway's Gateway/peer split, with the
// handshake generalized into an explicit state machine per the spec.
package node
