package node

import (
	"github.com/NebulousLabs/demotemutex"
	"github.com/andrewalmighty/sharenode/wire"
)

// outbound is the sole cross-task path for posting wire messages to a
// connected peer after its handshake completes.
type outbound chan<- wire.NetworkMessage

// Status holds every piece of state the Node and its Connections share:
// who we're connected to, who we're mid-handshake with, and who we'd like
// to connect to next. It is guarded by a single demotemutex.DemoteMutex so
// that a writer which just finished mutating connected_peers can demote to
// a read lock before copying a peer snapshot out, letting readers (other
// Connections checking whether they're still wanted) through without
// waiting on the writer's full critical section. Grounded on
// modules/gateway.Gateway's single `mu sync.RWMutex` guarding `peers`/
// `nodes`, generalized to the demote pattern per SPEC_FULL.md §B.
type Status struct {
	mu demotemutex.DemoteMutex

	self wire.PeerAddress

	connectedPeers   map[wire.PeerAddress]outbound
	peersInHandshake map[wire.PeerAddress]struct{}
	potentialPeers   map[wire.PeerAddress]struct{}
}

// NewStatus returns an empty Status for a node listening at self.
func NewStatus(self wire.PeerAddress) *Status {
	return &Status{
		self:             self,
		connectedPeers:   map[wire.PeerAddress]outbound{},
		peersInHandshake: map[wire.PeerAddress]struct{}{},
		potentialPeers:   map[wire.PeerAddress]struct{}{},
	}
}

// Self returns the node's own address.
func (s *Status) Self() wire.PeerAddress { return s.self }

// ConnectedCount returns the number of currently connected peers.
func (s *Status) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connectedPeers)
}

// IsConnected reports whether peer is in connected_peers.
func (s *Status) IsConnected(peer wire.PeerAddress) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connectedPeers[peer]
	return ok
}

// ConnectedPeers returns a snapshot of every currently connected peer.
func (s *Status) ConnectedPeers() []wire.PeerAddress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]wire.PeerAddress, 0, len(s.connectedPeers))
	for p := range s.connectedPeers {
		peers = append(peers, p)
	}
	return peers
}

// BeginHandshake registers peer in peers_in_handshake. It reports false if
// the peer is already connected or already mid-handshake, per the
// invariant that a PeerAddress occupies at most one of the two sets.
func (s *Status) BeginHandshake(peer wire.PeerAddress) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, connected := s.connectedPeers[peer]; connected {
		return false
	}
	if _, handshaking := s.peersInHandshake[peer]; handshaking {
		return false
	}
	s.peersInHandshake[peer] = struct{}{}
	return true
}

// AbandonHandshake removes peer from peers_in_handshake without admitting
// it, used whenever a Connection reaches Dead before completing admission.
func (s *Status) AbandonHandshake(peer wire.PeerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peersInHandshake, peer)
}

// AdmitResult reports the outcome of an admission decision.
type AdmitResult int

const (
	// AdmitAccepted means the peer was added to connected_peers.
	AdmitAccepted AdmitResult = iota
	// AdmitRejectedAlreadyConnected means the peer is already in connected_peers.
	AdmitRejectedAlreadyConnected
	// AdmitRejectedFull means the connected set is full and make_room was false.
	AdmitRejectedFull
)

// Admit moves peer from peers_in_handshake into connected_peers, evicting
// a random existing peer first if the set is full and makeRoom is true.
// currentPeers is a snapshot of connected_peers taken under the same lock,
// suitable for a ConnectionAccepted/ConnectionRejected reply; evicted is the
// outbound channel of any peer that was kicked to make room, returned only
// so the caller can log it — Admit itself closes it, still under s.mu, so
// the close can never race a concurrent Send/Broadcast's in-flight send on
// the same channel.
func (s *Status) Admit(peer wire.PeerAddress, out outbound, makeRoom bool, evict func(existing map[wire.PeerAddress]outbound) wire.PeerAddress) (result AdmitResult, currentPeers []wire.PeerAddress, evicted outbound) {
	s.mu.Lock()
	delete(s.peersInHandshake, peer)

	if _, already := s.connectedPeers[peer]; already {
		defer s.mu.Unlock()
		return AdmitRejectedAlreadyConnected, s.snapshotLocked(), nil
	}
	if len(s.connectedPeers) >= maxConnectedPeers {
		if !makeRoom {
			defer s.mu.Unlock()
			return AdmitRejectedFull, s.snapshotLocked(), nil
		}
		victim := evict(s.connectedPeers)
		evicted = s.connectedPeers[victim]
		delete(s.connectedPeers, victim)
		delete(s.potentialPeers, victim)
		close(evicted)
	}

	s.connectedPeers[peer] = out
	delete(s.potentialPeers, peer)

	// Demote rather than Unlock: readers (status snapshots, Send/Broadcast)
	// can proceed once currentPeers is captured below, without waiting for
	// Admit's caller to finish writing ConnectionAccepted/Rejected.
	s.mu.Demote()
	defer s.mu.DemotedUnlock()
	return AdmitAccepted, s.snapshotLocked(), evicted
}

// snapshotLocked must be called with mu held (write, read, or demoted).
func (s *Status) snapshotLocked() []wire.PeerAddress {
	peers := make([]wire.PeerAddress, 0, len(s.connectedPeers))
	for p := range s.connectedPeers {
		peers = append(peers, p)
	}
	return peers
}

// Remove drops peer from connected_peers, returning its outbound channel
// (nil if it wasn't connected) so the caller can close it.
func (s *Status) Remove(peer wire.PeerAddress) outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.connectedPeers[peer]
	delete(s.connectedPeers, peer)
	return out
}

// AddPotential adds peer to potential_peers if it isn't already connected
// or in potential_peers.
func (s *Status) AddPotential(peer wire.PeerAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, connected := s.connectedPeers[peer]; connected {
		return
	}
	s.potentialPeers[peer] = struct{}{}
}

// DrainPotential removes and returns up to n entries from potential_peers.
func (s *Status) DrainPotential(n int) []wire.PeerAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	drained := make([]wire.PeerAddress, 0, n)
	for p := range s.potentialPeers {
		if len(drained) >= n {
			break
		}
		drained = append(drained, p)
		delete(s.potentialPeers, p)
	}
	return drained
}

// Send routes msg to peer's outbound channel, reporting false if the peer
// is not currently connected. The send happens under the read lock, held
// for the channel's full buffered capacity rather than released first, so
// it can never land on a channel Admit has since closed out from under an
// eviction: Admit's close happens under the write lock, which cannot
// interleave with a held RLock.
func (s *Status) Send(peer wire.PeerAddress, msg wire.NetworkMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.connectedPeers[peer]
	if !ok {
		return false
	}
	out <- msg
	return true
}

// Broadcast routes msg to every currently connected peer.
func (s *Status) Broadcast(msg wire.NetworkMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, out := range s.connectedPeers {
		out <- msg
	}
}
