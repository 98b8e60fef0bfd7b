package wire

import "net/netip"

// addrPortFromBytes builds a PeerAddress from raw IP bytes (4 or 16) and a
// port, as read off the wire by Decoder.ReadAddr.
func addrPortFromBytes(ip []byte, port uint16) PeerAddress {
	var addr netip.Addr
	switch len(ip) {
	case 4:
		addr = netip.AddrFrom4([4]byte(ip))
	case 16:
		addr = netip.AddrFrom16([16]byte(ip))
	default:
		return PeerAddress{}
	}
	return netip.AddrPortFrom(addr, port)
}
