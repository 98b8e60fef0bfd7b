// Command sharenode runs one peer of the file-sharing network: it watches a
// local directory, shares whatever it finds there, and downloads whatever
// its peers have that it lacks. Flag parsing and the log sink are the only
// things this package owns; everything else is wired straight into node.Node
// and storage.Manager, grounded on cmd/siad's role as a thin wiring layer
// over the daemon's modules.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/NebulousLabs/errors"
	"github.com/andrewalmighty/sharenode/logging"
	"github.com/andrewalmighty/sharenode/node"
	"github.com/andrewalmighty/sharenode/storage"
	"github.com/andrewalmighty/sharenode/wire"
)

// stdoutSink is the trivial log sink cmd/ wires in so the binary is
// runnable; it writes every record to os.Stderr. The core packages never
// import it directly (spec.md §6).
type stdoutSink struct{ verbose bool }

func (s stdoutSink) Log(r logging.Record) {
	if r.Level == logging.Debug && !s.verbose {
		return
	}
	fmt.Fprintf(os.Stderr, "%s [%s] %s: %s\n", r.Time.Format("15:04:05"), r.Level, r.Module, r.Text)
}

func main() {
	var (
		dir           = flag.String("dir", ".", "directory to share and download into")
		listen        = flag.String("listen", ":9580", "local address to listen on")
		seed          = flag.String("seed", "", "address of a seed peer to dial on startup")
		broadcastAddr = flag.String("broadcast-addr", "", "subnet broadcast address for UDP peer discovery, e.g. 10.0.0.255:9580")
		broadcastBind = flag.String("broadcast-listen", ":9580", "local address to listen for discovery datagrams on")
		verbose       = flag.Bool("v", false, "log debug-level records")
	)
	flag.Parse()

	if *seed != "" && *broadcastAddr != "" {
		fmt.Fprintln(os.Stderr, "sharenode: -seed and -broadcast-addr are mutually exclusive")
		os.Exit(1)
	}

	log := logging.New("sharenode", stdoutSink{verbose: *verbose})

	discovery, err := buildDiscovery(*seed, *broadcastAddr, *broadcastBind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sharenode: %v\n", err)
		os.Exit(1)
	}

	events := make(chan storage.Event, 64)
	commands := make(chan storage.Command, 64)

	mgr, err := storage.New(*dir, events, commands, logging.New("storage", stdoutSink{verbose: *verbose}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sharenode: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(*listen, discovery, events, logging.New("node", stdoutSink{verbose: *verbose}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sharenode: %v\n", err)
		os.Exit(1)
	}

	if discovery.Broadcast != nil {
		if err := n.ListenBroadcast(); err != nil {
			fmt.Fprintf(os.Stderr, "sharenode: %v\n", err)
			os.Exit(1)
		}
	}

	mgr.Start()
	n.Start(commands)
	log.Infof("listening on %v, sharing %s", n.Address(), *dir)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan
	fmt.Fprintln(os.Stderr, "\rcaught stop signal, shutting down...")

	if err := errors.Compose(n.Close(), mgr.Close()); err != nil {
		fmt.Fprintf(os.Stderr, "sharenode: shutdown: %v\n", err)
		os.Exit(1)
	}
}

func buildDiscovery(seed, broadcastAddr, broadcastBind string) (node.Discovery, error) {
	if seed != "" {
		addr, err := net.ResolveTCPAddr("tcp", seed)
		if err != nil {
			return node.Discovery{}, fmt.Errorf("invalid seed address %q: %w", seed, err)
		}
		peer, err := wire.ParsePeerAddress(addr.String())
		if err != nil {
			return node.Discovery{}, err
		}
		return node.Discovery{Seed: peer}, nil
	}
	if broadcastAddr != "" {
		target, err := net.ResolveUDPAddr("udp", broadcastAddr)
		if err != nil {
			return node.Discovery{}, fmt.Errorf("invalid broadcast address %q: %w", broadcastAddr, err)
		}
		return node.Discovery{Broadcast: &node.BroadcastConfig{Target: target, Listen: broadcastBind}}, nil
	}
	return node.Discovery{}, fmt.Errorf("one of -seed or -broadcast-addr is required")
}
