package node

import (
	"fmt"
	"net"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/threadgroup"
	"github.com/andrewalmighty/sharenode/logging"
	"github.com/andrewalmighty/sharenode/statuswatch"
	"github.com/andrewalmighty/sharenode/storage"
	"github.com/andrewalmighty/sharenode/wire"
)

// Discovery selects how a Node finds its first peer: exactly one of Seed or
// Broadcast is set, per spec.md §4.4's mutual exclusivity.
type Discovery struct {
	Seed      wire.PeerAddress
	Broadcast *BroadcastConfig
}

// BroadcastConfig names the UDP broadcast address (subnet broadcast IP +
// port) the Node sends DiscoverHello datagrams to, and the local address it
// listens for them on.
type BroadcastConfig struct {
	Target net.Addr
	Listen string
}

// Node listens for inbound TCP, runs peer discovery, owns the Status, and
// multiplexes between every Connection and the Storage Manager. Grounded on
// modules/gateway.Gateway's New/permanentListen/permanentPeerManager
// structure, generalized from Sia's flood-network gossip into the file
// manifest/gossip protocol of spec.md §4.4.
type Node struct {
	self     wire.PeerAddress
	listener net.Listener

	discovery Discovery

	status        *Status
	events        chan ConnEvent
	storageEvents chan<- storage.Event

	log     logging.Logger
	status_ *statuswatch.Watch

	// threads tracks the Node's own background loops (accept/discovery/
	// gossip/route). connThreads is a second, dedicated group for live
	// peer Connections, grounded on Gateway's threads/peerTG split
	// (modules/gateway/gateway.go): peer connections can outlive any
	// single background loop's lifetime and would deadlock threads.Stop
	// if tracked in the same group as those short-lived loops.
	threads     threadgroup.ThreadGroup
	connThreads threadgroup.ThreadGroup
}

// New binds a TCP listener at addr and constructs a Node. storageEvents is
// the send side of the channel the Storage Manager was constructed with
// (the channel's other end is storage.New's events parameter); Start also
// needs the Manager's Command channel to route replies back onto the wire.
// Call Start to begin accepting connections and driving discovery.
func New(addr string, discovery Discovery, storageEvents chan<- storage.Event, log logging.Logger) (*Node, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("node: could not listen on %q: %w", addr, err)
	}
	self, err := wire.ParsePeerAddress(listener.Addr().String())
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("node: could not parse listening address: %w", err)
	}

	return &Node{
		self:          self,
		listener:      listener,
		discovery:     discovery,
		status:        NewStatus(self),
		events:        make(chan ConnEvent, 32),
		storageEvents: storageEvents,
		log:           log,
		status_:       &statuswatch.Watch{},
	}, nil
}

// Address returns the address the Node listens on.
func (n *Node) Address() wire.PeerAddress { return n.self }

// Status returns the latest human-readable summary of peer connectivity.
func (n *Node) Status() (string, bool) { return n.status_.Load() }

// Close stops every background loop and the listener, then joins every
// live Connection's goroutine and socket before returning, composing
// both groups' shutdown errors (mirrors Gateway.Close joining g.threads
// and g.peerTG).
func (n *Node) Close() error {
	return errors.Compose(n.threads.Stop(), n.connThreads.Stop())
}

// Start launches the accept loop, discovery loop, gossip loop, and the
// Manager-command router, each in its own goroutine tracked by the Node's
// ThreadGroup.
func (n *Node) Start(commands <-chan storage.Command) {
	n.spawn(n.acceptLoop)
	n.spawn(n.discoveryLoop)
	n.spawn(n.gossipLoop)
	n.spawn(func() { n.routeLoop(commands) })
}

func (n *Node) spawn(f func()) {
	if err := n.threads.Add(); err != nil {
		return
	}
	go func() {
		defer n.threads.Done()
		f()
	}()
}

func (n *Node) reportStatus() {
	peers := n.status.ConnectedPeers()
	n.status_.Store(fmt.Sprintf("listening on %v, %d/%d peers connected: %v", n.self, len(peers), maxConnectedPeers, peers))
}

// acceptLoop accepts inbound TCP connections and hands each to a new
// Connection, mirroring gateway.permanentListen.
func (n *Node) acceptLoop() {
	go func() {
		<-n.threads.StopChan()
		n.listener.Close()
	}()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		Accept(conn, n.self, n.status, n.events, n.log, &n.connThreads)
	}
}

// discoveryLoop implements spec.md §4.4's discovery step: while
// disconnected, retry the configured seed or broadcast every
// discoveryInterval.
func (n *Node) discoveryLoop() {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n.status.ConnectedCount() > 0 {
				continue
			}
			switch {
			case n.discovery.Seed != (wire.PeerAddress{}):
				if err := Dial(n.self, n.discovery.Seed, n.status, n.events, n.log, &n.connThreads, true, true); err != nil {
					n.log.Debugf("discovery dial to seed %v failed: %v", n.discovery.Seed, err)
				}
			case n.discovery.Broadcast != nil:
				n.sendDiscoverHello()
			}
		case <-n.threads.StopChan():
			return
		}
	}
}

func (n *Node) sendDiscoverHello() {
	_, portStr, err := net.SplitHostPort(n.listener.Addr().String())
	if err != nil {
		return
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)

	conn, err := net.Dial("udp", n.discovery.Broadcast.Target.String())
	if err != nil {
		n.log.Debugf("could not dial broadcast address: %v", err)
		return
	}
	defer conn.Close()
	if _, err := conn.Write(wire.EncodeDiscoverHello(wire.DiscoverHello{ListeningPort: port})); err != nil {
		n.log.Debugf("could not send discover hello: %v", err)
	}
}

// ListenBroadcast listens for inbound DiscoverHello datagrams on the
// broadcast listen address and attempts outbound connects to whoever sent
// one, per spec.md §4.4. It is only meaningful when Discovery.Broadcast is
// set, and is started separately from Start since it needs its own UDP
// socket.
func (n *Node) ListenBroadcast() error {
	if n.discovery.Broadcast == nil {
		return nil
	}
	packetConn, err := net.ListenPacket("udp", n.discovery.Broadcast.Listen)
	if err != nil {
		return fmt.Errorf("node: could not listen for discovery datagrams: %w", err)
	}
	n.spawn(func() {
		go func() {
			<-n.threads.StopChan()
			packetConn.Close()
		}()
		buf := make([]byte, 64)
		for {
			size, src, err := packetConn.ReadFrom(buf)
			if err != nil {
				return
			}
			hello, err := wire.DecodeDiscoverHello(buf[:size])
			if err != nil {
				continue
			}
			host, _, err := net.SplitHostPort(src.String())
			if err != nil {
				continue
			}
			addr, err := wire.ParsePeerAddress(net.JoinHostPort(host, fmt.Sprint(hello.ListeningPort)))
			if err != nil || addr == n.self || n.status.IsConnected(addr) {
				continue
			}
			if err := Dial(n.self, addr, n.status, n.events, n.log, &n.connThreads, false, true); err != nil {
				n.log.Debugf("dial to discovered peer %v failed: %v", addr, err)
			}
		}
	})
	return nil
}

// gossipLoop implements the 60 s peer solicitation and the potential-peer
// pump from spec.md §4.4.
func (n *Node) gossipLoop() {
	ticker := time.NewTicker(gossipInterval)
	defer ticker.Stop()
	pump := time.NewTicker(discoveryInterval)
	defer pump.Stop()
	for {
		select {
		case <-ticker.C:
			if n.status.ConnectedCount() < maxConnectedPeers {
				n.status.Broadcast(wire.ListPeers{})
			}
		case <-pump.C:
			n.pumpPotentialPeers()
		case <-n.threads.StopChan():
			return
		}
	}
}

func (n *Node) pumpPotentialPeers() {
	free := maxConnectedPeers - n.status.ConnectedCount()
	for _, addr := range n.status.DrainPotential(free) {
		if err := Dial(n.self, addr, n.status, n.events, n.log, &n.connThreads, false, false); err != nil {
			n.log.Debugf("potential-peer dial to %v failed: %v", addr, err)
		}
	}
}

// routeLoop is the Node's central multiplexer: ConnEvents from every
// Connection are translated into storage.Events (or handled internally for
// NewPeer), and storage.Commands from the Manager are translated onto the
// wire, per the routing table in spec.md §4.4.
func (n *Node) routeLoop(commands <-chan storage.Command) {
	for {
		select {
		case ev := <-n.events:
			n.handleConnEvent(ev)
			n.reportStatus()
		case cmd := <-commands:
			n.handleCommand(cmd)
		case <-n.threads.StopChan():
			return
		}
	}
}

func (n *Node) handleConnEvent(ev ConnEvent) {
	if ev.Msg == nil {
		n.storageEvents <- storage.Event{Kind: storage.EventPeerNotConnected, Peer: ev.Peer}
		return
	}
	switch m := ev.Msg.(type) {
	case wire.NewPeer:
		n.handleGossip(ev.Peer, m)
	case wire.ListFiles:
		if !m.Files.Present {
			n.storageEvents <- storage.Event{Kind: storage.EventListFiles, Peer: ev.Peer}
		} else {
			n.storageEvents <- storage.Event{Kind: storage.EventFilesAvailable, Peer: ev.Peer, Files: m.Files.Names}
		}
	case wire.AskForFile:
		n.storageEvents <- storage.Event{Kind: storage.EventAskForFile, Peer: m.Requester, Name: m.Name}
	case wire.SendMetadata:
		n.storageEvents <- storage.Event{Kind: storage.EventReceivedMetadata, Peer: m.Sender, Name: m.Name, FileSize: m.FileSize, Manifest: m.Manifest}
	case wire.RequestFileChunks:
		n.storageEvents <- storage.Event{Kind: storage.EventRequestFileChunks, Peer: m.Requester, Name: m.Name, ChunksRequested: m.Chunks}
	case wire.SendFileChunks:
		n.storageEvents <- storage.Event{Kind: storage.EventReceivedFileChunks, Peer: ev.Peer, Name: m.Name, ChunksReceived: m.Chunks}
	}
}

// handleGossip implements the NewPeer fanout from spec.md §4.4: forward to
// every connected peer not already informed, and learn of a new potential
// peer if we aren't already connected to it and our own address is not in
// its Tried set.
func (n *Node) handleGossip(from wire.PeerAddress, m wire.NewPeer) {
	informed := map[wire.PeerAddress]struct{}{}
	for _, p := range m.Informed {
		informed[p] = struct{}{}
	}

	for _, peer := range n.status.ConnectedPeers() {
		if peer == from {
			continue
		}
		if _, already := informed[peer]; already {
			continue
		}
		forward := wire.NewPeer{New: m.New, Tried: m.Tried, Informed: append(append([]wire.PeerAddress{}, m.Informed...), peer)}
		n.status.Send(peer, forward)
	}

	triedSelf := false
	for _, p := range m.Tried {
		if p == n.self {
			triedSelf = true
			break
		}
	}
	if !triedSelf && !n.status.IsConnected(m.New) {
		n.status.AddPotential(m.New)
	}
}

func (n *Node) handleCommand(cmd storage.Command) {
	switch cmd.Kind {
	case storage.CommandAskForFiles:
		n.status.Broadcast(wire.ListFiles{Sender: n.self, Files: wire.FileNameList{Present: false}})
	case storage.CommandAskPeerForFile:
		n.sendOrReport(cmd.Peer, cmd.Name, wire.AskForFile{Name: cmd.Name, Requester: n.self})
	case storage.CommandAskPeersForFileExcept:
		for _, peer := range n.status.ConnectedPeers() {
			if _, excluded := cmd.Except[peer]; excluded {
				continue
			}
			n.sendOrReport(peer, cmd.Name, wire.AskForFile{Name: cmd.Name, Requester: n.self})
		}
	case storage.CommandFilesAvailable:
		n.sendOrReport(cmd.Peer, "", wire.ListFiles{Sender: n.self, Files: wire.FileNameList{Present: true, Names: cmd.Names}})
	case storage.CommandSendMetadata:
		n.sendOrReport(cmd.Peer, cmd.Name, wire.SendMetadata{Name: cmd.Name, Sender: n.self, FileSize: cmd.FileSize, Manifest: cmd.Manifest})
	case storage.CommandRequestFileChunks:
		n.sendOrReport(cmd.Peer, cmd.Name, wire.RequestFileChunks{Requester: n.self, Name: cmd.Name, Chunks: cmd.ChunksRequested})
	case storage.CommandSendFileChunks:
		n.sendOrReport(cmd.Peer, cmd.Name, wire.SendFileChunks{Name: cmd.Name, Chunks: cmd.ChunksToSend})
	}
}

// sendOrReport sends msg to peer, and if the peer has since disconnected,
// tells the Manager so it can drop the peer from every file's source set.
func (n *Node) sendOrReport(peer wire.PeerAddress, name string, msg wire.NetworkMessage) {
	if !n.status.Send(peer, msg) {
		n.storageEvents <- storage.Event{Kind: storage.EventPeerNotConnected, Peer: peer}
	}
}
