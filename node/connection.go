package node

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/NebulousLabs/fastrand"
	"github.com/NebulousLabs/threadgroup"
	"github.com/andrewalmighty/sharenode/logging"
	"github.com/andrewalmighty/sharenode/wire"
)

// connState is a Connection's position in the handshake state machine from
// spec.md §4.3.
type connState int

const (
	stateNew connState = iota
	stateSentHello
	stateGotHello
	stateGotAck
	stateUp
	stateDead
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "New"
	case stateSentHello:
		return "SentHello"
	case stateGotHello:
		return "GotHello"
	case stateGotAck:
		return "GotAck"
	case stateUp:
		return "Up"
	case stateDead:
		return "Dead"
	default:
		return "unknown"
	}
}

var errProtocolViolation = errors.New("node: protocol violation")

// ConnEvent is what a Connection posts to the Node: an inbound message from
// Peer, or (Msg == nil) a notice that the connection has gone Dead.
type ConnEvent struct {
	Peer wire.PeerAddress
	Msg  wire.NetworkMessage
}

// Connection owns one TCP session: it drives the handshake, keeps the
// liveness timers, and forwards messages between the wire and the Node.
// Grounded on modules/gateway's threadedAcceptConn/managedConnect
// handshake sequencing and permanentListen/threadedListenPeer's
// one-goroutine-per-peer-connection shape, generalized into an explicit
// state machine per spec.md §4.3 rather than Sia's inline accept/connect
// functions.
type Connection struct {
	conn net.Conn

	self wire.PeerAddress
	peer wire.PeerAddress

	state connState

	askForPeers bool
	makeRoom    bool

	status *Status
	toNode chan<- ConnEvent
	out    chan wire.NetworkMessage

	threads *threadgroup.ThreadGroup
	log     logging.Logger
}

// Dial opens an outbound connection to addr and runs its handshake and
// steady-state loop in the current goroutine; call it in a new goroutine.
// askForPeers and makeRoom are passed through to Hello and to the local
// admission decision, per the discovery and gossip call sites in
// spec.md §4.4. threads is the Node's connThreads group (Gateway.peerTG in
// the teacher): run blocks Add()/Done() against it so Node.Close can join
// every live Connection, and a StopChan watcher closes conn to unblock it.
func Dial(self wire.PeerAddress, addr wire.PeerAddress, status *Status, toNode chan<- ConnEvent, log logging.Logger, threads *threadgroup.ThreadGroup, askForPeers, makeRoom bool) error {
	if err := threads.Add(); err != nil {
		return fmt.Errorf("node: not dialing %v, shutting down: %w", addr, err)
	}
	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		threads.Done()
		return fmt.Errorf("node: could not dial %v: %w", addr, err)
	}
	c := &Connection{
		conn: conn, self: self, peer: addr,
		askForPeers: askForPeers, makeRoom: makeRoom,
		status: status, toNode: toNode,
		out:     make(chan wire.NetworkMessage, 16),
		threads: threads,
		log:     log,
	}
	go c.run()
	return nil
}

// Accept runs the handshake and steady-state loop for an inbound
// connection. The acceptor never forces eviction to make room for an
// unprompted inbound peer, unlike a discovery-driven outbound Dial. If
// threads is already stopping, the connection is closed immediately
// instead of starting a handshake doomed to outlive the Node.
func Accept(conn net.Conn, self wire.PeerAddress, status *Status, toNode chan<- ConnEvent, log logging.Logger, threads *threadgroup.ThreadGroup) {
	if err := threads.Add(); err != nil {
		conn.Close()
		return
	}
	remote, _ := wire.ParsePeerAddress(conn.RemoteAddr().String())
	c := &Connection{
		conn: conn, self: self, peer: remote,
		askForPeers: false, makeRoom: false,
		status: status, toNode: toNode,
		out:     make(chan wire.NetworkMessage, 16),
		threads: threads,
		log:     log,
	}
	go c.run()
}

func (c *Connection) run() {
	defer c.threads.Done()
	defer c.conn.Close()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-c.threads.StopChan():
			c.conn.Close()
		case <-stopped:
		}
	}()

	if err := c.handshake(); err != nil {
		c.log.Debugf("connection to %v failed handshake: %v", c.peer, err)
		c.state = stateDead
		c.status.AbandonHandshake(c.peer)
		return
	}
	c.state = stateUp
	c.steadyState()

	c.status.Remove(c.peer)
	c.toNode <- ConnEvent{Peer: c.peer, Msg: nil}
}

// handshake drives New -> Up (or an error that implies Dead), following
// the symmetric exchange in spec.md §4.3: both sides send Hello first,
// then each independently decides whether to admit the other, then both
// await the peer's verdict before calling the connection Up.
func (c *Connection) handshake() error {
	if !c.status.BeginHandshake(c.peer) {
		return fmt.Errorf("already connected or handshaking with %v", c.peer)
	}

	if err := wire.WriteMessage(c.conn, wire.Hello{SenderListening: c.self, AskForPeers: c.askForPeers}); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	c.state = stateSentHello

	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := wire.ReadMessage(c.conn)
	if err != nil {
		return fmt.Errorf("awaiting peer hello: %w", err)
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		return fmt.Errorf("expected Hello, got %v", msg.Tag())
	}
	c.peer = hello.SenderListening
	c.state = stateGotHello

	priorPeerCount := c.status.ConnectedCount()

	result, currentPeers, evicted := c.status.Admit(c.peer, c.out, c.makeRoom, randomVictim)
	if evicted != nil {
		c.log.Debugf("evicted a peer to admit %v", c.peer)
	}

	switch result {
	case AdmitRejectedAlreadyConnected, AdmitRejectedFull:
		wire.WriteMessage(c.conn, wire.ConnectionRejected{Peers: currentPeers})
		return fmt.Errorf("locally rejected %v (%v)", c.peer, result)
	}

	var reply wire.NetworkMessage = wire.ConnectionAccepted{Peers: currentPeers}
	if !hello.AskForPeers {
		reply = wire.ConnectionAccepted{}
	}
	if err := wire.WriteMessage(c.conn, reply); err != nil {
		c.status.Remove(c.peer)
		return fmt.Errorf("sending accept: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	ackMsg, err := wire.ReadMessage(c.conn)
	if err != nil {
		c.status.Remove(c.peer)
		return fmt.Errorf("awaiting peer verdict: %w", err)
	}
	switch ack := ackMsg.(type) {
	case wire.ConnectionAccepted:
		// fall through to Up below
	case wire.ConnectionRejected:
		c.status.Remove(c.peer)
		for _, p := range ack.Peers {
			c.status.AddPotential(p)
		}
		return fmt.Errorf("peer rejected us")
	default:
		c.status.Remove(c.peer)
		return fmt.Errorf("expected ConnectionAccepted/Rejected, got %v", ackMsg.Tag())
	}
	c.state = stateGotAck

	if hello.AskForPeers && priorPeerCount > 0 {
		c.toNode <- ConnEvent{Peer: c.peer, Msg: wire.NewPeer{
			New:      c.peer,
			Tried:    currentPeers,
			Informed: []wire.PeerAddress{c.peer, c.self},
		}}
	}

	return nil
}

func randomVictim(existing map[wire.PeerAddress]outbound) wire.PeerAddress {
	victims := make([]wire.PeerAddress, 0, len(existing))
	for p := range existing {
		victims = append(victims, p)
	}
	return victims[fastrand.Intn(len(victims))]
}

// steadyState implements the Up behavior from spec.md §4.3: an initial
// ListFiles query, a keepalive timer, an inactivity timer, and message
// routing, all multiplexed with the outbound channel via a background
// reader goroutine.
func (c *Connection) steadyState() {
	wire.WriteMessage(c.conn, wire.ListFiles{Sender: c.self, Files: wire.FileNameList{Present: false}})

	inbound := make(chan wire.NetworkMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			c.conn.SetReadDeadline(time.Time{})
			msg, err := wire.ReadMessage(c.conn)
			if err != nil {
				readErr <- err
				return
			}
			inbound <- msg
		}
	}()

	keepalive := time.NewTimer(keepaliveInterval)
	inactivity := time.NewTimer(inactivityTimeout)
	defer keepalive.Stop()
	defer inactivity.Stop()

	write := func(msg wire.NetworkMessage) error {
		if err := wire.WriteMessage(c.conn, msg); err != nil {
			return err
		}
		keepalive.Reset(keepaliveInterval)
		return nil
	}

	for {
		select {
		case msg := <-inbound:
			inactivity.Reset(inactivityTimeout)
			if err := c.handleInbound(msg, write); err != nil {
				c.log.Debugf("closing connection to %v: %v", c.peer, err)
				return
			}

		case err := <-readErr:
			c.log.Debugf("connection to %v closed: %v", c.peer, err)
			return

		case out, ok := <-c.out:
			if !ok {
				return
			}
			if err := write(out); err != nil {
				c.log.Debugf("write to %v failed: %v", c.peer, err)
				return
			}

		case <-keepalive.C:
			if err := write(wire.ImAlive{}); err != nil {
				return
			}

		case <-inactivity.C:
			c.log.Debugf("connection to %v timed out", c.peer)
			return
		}
	}
}

// handleInbound processes one message received while Up, per the case
// list in spec.md §4.3. write sends a message back on this same
// connection, resetting the keepalive timer as a side effect.
func (c *Connection) handleInbound(msg wire.NetworkMessage, write func(wire.NetworkMessage) error) error {
	switch m := msg.(type) {
	case wire.Hello, wire.ConnectionAccepted, wire.ConnectionRejected:
		return errProtocolViolation
	case wire.ImAlive:
		return nil
	case wire.ListPeers:
		if len(m.Peers) == 0 {
			return write(wire.ListPeers{Peers: c.status.ConnectedPeers()})
		}
		for _, p := range m.Peers {
			c.status.AddPotential(p)
		}
		return nil
	default:
		c.toNode <- ConnEvent{Peer: c.peer, Msg: msg}
		return nil
	}
}
