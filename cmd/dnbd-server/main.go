// Command dnbd-server serves READ/INIT/HB requests for one replica id
// against a single backing file (spec.md §6, "Server CLI").
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/netblockd/dnbd/pkg/server"
	"github.com/netblockd/dnbd/pkg/transport"
	"github.com/netblockd/dnbd/pkg/wire"
)

func main() {
	log.SetLevel(log.InfoLevel)

	mcast := flag.String("m", "", "multicast group address, host:port")
	backing := flag.String("d", "", "backing file path")
	id := flag.Int("i", 1, "replica id, 1..8")
	workers := flag.Int("t", 4, "worker count")
	flag.Parse()

	if *mcast == "" || *backing == "" {
		fmt.Println("usage: dnbd-server -m <mcast> -d <backing path> -i <id 1..8> -t <workers>")
		os.Exit(1)
	}
	if *id < 1 || *id > 8 {
		fmt.Printf("id must be in 1..8, got %d\n", *id)
		os.Exit(1)
	}

	sock, err := transport.Join(*mcast, nil, transport.DefaultTTL)
	if err != nil {
		fmt.Printf("could not join %s: %v\n", *mcast, err)
		os.Exit(1)
	}

	h, err := server.New(uint8(*id), sock, *backing, wire.MaxBlockSize, *workers)
	if err != nil {
		fmt.Printf("could not open backing file %s: %v\n", *backing, err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("[SERVER][%d] shutdown signal received", *id)
		h.Shutdown()
	}()

	log.Infof("[SERVER][%d] listening on %s", *id, *mcast)
	h.Serve()
	os.Exit(0)
}
