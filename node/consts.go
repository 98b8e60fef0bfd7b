package node

import (
	"time"

	"github.com/andrewalmighty/sharenode/build"
)

// maxConnectedPeers is C_MAX: the number of peers a Node keeps connected at
// once.
var maxConnectedPeers = build.Select(build.Var{
	Standard: 5,
	Dev:      5,
	Testing:  3,
}).(int)

var (
	// handshakeTimeout bounds each half of the handshake (SentHello->GotHello
	// and GotHello->GotAck).
	handshakeTimeout = build.Select(build.Var{
		Standard: 15 * time.Second,
		Dev:      15 * time.Second,
		Testing:  300 * time.Millisecond,
	}).(time.Duration)

	// keepaliveInterval is how often an idle Up connection sends ImAlive.
	keepaliveInterval = build.Select(build.Var{
		Standard: 60 * time.Second,
		Dev:      60 * time.Second,
		Testing:  500 * time.Millisecond,
	}).(time.Duration)

	// inactivityTimeout closes a connection that receives nothing for this
	// long.
	inactivityTimeout = build.Select(build.Var{
		Standard: 120 * time.Second,
		Dev:      120 * time.Second,
		Testing:  1500 * time.Millisecond,
	}).(time.Duration)

	// gossipInterval is how often the Node solicits ListPeers from everyone
	// it's connected to, when below maxConnectedPeers.
	gossipInterval = build.Select(build.Var{
		Standard: 60 * time.Second,
		Dev:      60 * time.Second,
		Testing:  500 * time.Millisecond,
	}).(time.Duration)

	// discoveryInterval is how often the Node retries its seed/broadcast
	// discovery step while disconnected.
	discoveryInterval = build.Select(build.Var{
		Standard: 1 * time.Second,
		Dev:      1 * time.Second,
		Testing:  50 * time.Millisecond,
	}).(time.Duration)

	// dialTimeout bounds an outbound TCP connect attempt.
	dialTimeout = build.Select(build.Var{
		Standard: 10 * time.Second,
		Dev:      10 * time.Second,
		Testing:  500 * time.Millisecond,
	}).(time.Duration)
)
