package node

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/NebulousLabs/threadgroup"
	"github.com/andrewalmighty/sharenode/logging"
	"github.com/andrewalmighty/sharenode/wire"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func dialAcceptPair(t *testing.T) (dialerSelf, acceptorSelf wire.PeerAddress, dialerStatus, acceptorStatus *Status, dialerEvents, acceptorEvents chan ConnEvent) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	acceptorSelf = mustAddr(t, ln.Addr().String())
	dialerSelf = mustAddr(t, "127.0.0.1:1")

	dialerStatus = NewStatus(dialerSelf)
	acceptorStatus = NewStatus(acceptorSelf)
	dialerEvents = make(chan ConnEvent, 16)
	acceptorEvents = make(chan ConnEvent, 16)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		Accept(conn, acceptorSelf, acceptorStatus, acceptorEvents, logging.New("acceptor", nil), &threadgroup.ThreadGroup{})
	}()

	if err := Dial(dialerSelf, acceptorSelf, dialerStatus, dialerEvents, logging.New("dialer", nil), &threadgroup.ThreadGroup{}, true, true); err != nil {
		t.Fatal(err)
	}
	return
}

func TestHandshakeAdmitsBothSidesAndExchangesListFiles(t *testing.T) {
	dialerSelf, acceptorSelf, dialerStatus, acceptorStatus, dialerEvents, acceptorEvents := dialAcceptPair(t)

	waitUntil(t, time.Second, func() bool {
		return dialerStatus.IsConnected(acceptorSelf) && acceptorStatus.IsConnected(dialerSelf)
	})

	select {
	case ev := <-dialerEvents:
		if _, ok := ev.Msg.(wire.ListFiles); !ok {
			t.Fatalf("expected a ListFiles ConnEvent from the acceptor, got %T", ev.Msg)
		}
		if ev.Peer != acceptorSelf {
			t.Fatalf("expected the event peer to be the acceptor, got %v", ev.Peer)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the acceptor's initial ListFiles")
	}

	select {
	case ev := <-acceptorEvents:
		if _, ok := ev.Msg.(wire.ListFiles); !ok {
			t.Fatalf("expected a ListFiles ConnEvent from the dialer, got %T", ev.Msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the dialer's initial ListFiles")
	}
}

func TestHandshakeRejectionRollsBackOptimisticAdmission(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	acceptorSelf := mustAddr(t, ln.Addr().String())
	dialerSelf := mustAddr(t, "127.0.0.1:1")

	acceptorStatus := NewStatus(acceptorSelf)
	for i := 0; i < maxConnectedPeers; i++ {
		out := make(chan wire.NetworkMessage, 1)
		peer := mustAddr(t, fmt.Sprintf("10.0.9.%d:9000", i))
		if result, _, _ := acceptorStatus.Admit(peer, out, false, firstVictim); result != AdmitAccepted {
			t.Fatalf("expected filler peer %d admitted", i)
		}
	}
	acceptorEvents := make(chan ConnEvent, 16)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		Accept(conn, acceptorSelf, acceptorStatus, acceptorEvents, logging.New("acceptor", nil), &threadgroup.ThreadGroup{})
	}()

	dialerStatus := NewStatus(dialerSelf)
	dialerEvents := make(chan ConnEvent, 16)
	if err := Dial(dialerSelf, acceptorSelf, dialerStatus, dialerEvents, logging.New("dialer", nil), &threadgroup.ThreadGroup{}, true, true); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, time.Second, func() bool {
		return !dialerStatus.IsConnected(acceptorSelf)
	})
	if acceptorStatus.ConnectedCount() != maxConnectedPeers {
		t.Fatalf("expected the acceptor's connected count unchanged, got %d", acceptorStatus.ConnectedCount())
	}

	select {
	case ev := <-dialerEvents:
		t.Fatalf("expected no Up-state ConnEvent after a rejected handshake, got %+v", ev)
	default:
	}
}
