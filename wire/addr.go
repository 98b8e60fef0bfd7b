package wire

import (
	"errors"
	"net/netip"
)

// PeerAddress identifies a remote node: an IP address plus the TCP port it
// listens on. It is the comparable key used throughout the node package for
// connected_peers, peers_in_handshake, and potential_peers.
//
// Sia-era code keyed peers by modules.NetAddress, a bare string. net/netip
// postdates that codebase; it is used here instead because it gives a
// comparable, allocation-free value type that is exactly the shape this
// domain needs (no hostname resolution, no path component), without
// reaching for a third-party address type that no example in this corpus
// vendors.
type PeerAddress = netip.AddrPort

// ErrInvalidAddress is returned when a string cannot be parsed as a
// PeerAddress.
var ErrInvalidAddress = errors.New("wire: invalid peer address")

// ParsePeerAddress parses "host:port" into a PeerAddress.
func ParsePeerAddress(s string) (PeerAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return PeerAddress{}, ErrInvalidAddress
	}
	return ap, nil
}
