// Command dnbd-client binds, unbinds, or reconfigures the cache of a
// distributed block device (spec.md §6, "Client CLI").
//
// There is no kernel block-device integration here (out of scope per
// spec.md §1): "-d <device> -b <mcast>" runs the pipeline in the
// foreground and exposes a small local control socket other dnbd-client
// invocations use to unbind it or change its cache file, standing in for
// the ioctl/local-socket control channel spec.md §6 describes in the
// abstract.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netblockd/dnbd/pkg/client"
	"github.com/netblockd/dnbd/pkg/queue"
)

func controlSocketPath(device string) string {
	return filepath.Join(os.TempDir(), "dnbd-"+filepath.Base(device)+".sock")
}

func main() {
	log.SetLevel(log.InfoLevel)

	device := flag.String("d", "", "device name")
	mcast := flag.String("b", "", "multicast group address, host:port, to bind")
	unbind := flag.Bool("u", false, "unbind the device")
	cachePath := flag.String("c", "", "cache file path")
	readSpec := flag.String("r", "", "demo read request sector:count, issued once after binding")
	flag.Parse()

	if *device == "" {
		fmt.Println("usage: dnbd-client -d <device> -b <mcast> [-c <cachefile>] | -d <device> -u | -d <device> -c <cachefile>")
		os.Exit(1)
	}

	switch {
	case *mcast != "":
		runBind(*device, *mcast, *cachePath, *readSpec)
	case *unbind:
		sendControl(*device, "unbind")
	case *cachePath != "":
		sendControl(*device, "setcache "+*cachePath)
	default:
		fmt.Println("one of -b, -u, -c is required")
		os.Exit(1)
	}
}

func runBind(device, mcast, cachePath, readSpec string) {
	p := client.New()
	if err := p.SetGroup(mcast, nil, 0); err != nil {
		fmt.Printf("set_group failed: %v\n", err)
		os.Exit(1)
	}
	if err := p.Bind(); err != nil {
		fmt.Printf("bind failed: %v\n", err)
		os.Exit(1)
	}
	if cachePath != "" {
		p.SetBlockSize(defaultClientBlockSize)
		if err := p.SetCache(cachePath); err != nil {
			fmt.Printf("set_cache failed: %v\n", err)
			os.Exit(1)
		}
	}

	sockPath := controlSocketPath(device)
	os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		fmt.Printf("could not open control socket: %v\n", err)
		os.Exit(1)
	}
	go serveControl(listener, p)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("[CLIENT][%s] shutdown signal received", device)
		p.Disconnect()
		listener.Close()
		os.Remove(sockPath)
	}()

	if readSpec != "" {
		go runDemoRead(p, readSpec)
	}

	log.Infof("[CLIENT][%s] bound to %s", device, mcast)
	if err := p.DoIt(); err != nil {
		fmt.Printf("do_it failed: %v\n", err)
		os.Remove(sockPath)
		os.Exit(1)
	}
	os.Remove(sockPath)
	os.Exit(0)
}

// defaultClientBlockSize is used only when a cache is requested before
// the handshake has populated the real device geometry; the handshake
// reply overwrites it once the pipeline starts running.
const defaultClientBlockSize = 4096

// runDemoRead exercises the host-facing request-source interface once,
// standing in for the real block-device I/O path spec.md §6 leaves
// external (spec.md §11, "Supplemented Features").
func runDemoRead(p *client.Pipeline, spec string) {
	sector, count, err := parseReadSpec(spec)
	if err != nil {
		log.Warnf("[CLIENT] invalid -r spec %q: %v", spec, err)
		return
	}

	time.Sleep(client.HandshakeTimeout + time.Second) // let do_it() finish its handshake first

	buf := make([]byte, count*512)
	done := make(chan struct{})
	served := 0
	req := client.ReadRequest{
		Sector:   sector,
		Sectors:  count,
		Segments: []queue.Segment{{Buf: buf}},
		OnComplete: func(ok bool, n int) {
			served += n
			if ok && served < count {
				return // a residual of the request is still outstanding
			}
			log.Infof("[CLIENT] demo read sector=%d count=%d ok=%v served=%d", sector, count, ok, served)
			close(done)
		},
	}
	if err := p.Submit(req); err != nil {
		log.Warnf("[CLIENT] demo read submit failed: %v", err)
		return
	}
	<-done
}

func parseReadSpec(spec string) (sector uint64, count int, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected sector:count")
	}
	s, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	c, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return s, c, nil
}

func serveControl(listener net.Listener, p *client.Pipeline) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		handleControlConn(conn, p)
	}
}

func handleControlConn(conn net.Conn, p *client.Pipeline) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	line = strings.TrimSpace(line)

	switch {
	case line == "unbind":
		p.Disconnect()
		fmt.Fprintln(conn, "ok")
	case strings.HasPrefix(line, "setcache "):
		path := strings.TrimPrefix(line, "setcache ")
		if err := p.SetCache(path); err != nil {
			fmt.Fprintf(conn, "error: %v\n", err)
			return
		}
		fmt.Fprintln(conn, "ok")
	default:
		fmt.Fprintln(conn, "error: unknown command")
	}
}

func sendControl(device, cmd string) {
	conn, err := net.Dial("unix", controlSocketPath(device))
	if err != nil {
		fmt.Printf("device %s is not bound: %v\n", device, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Fprintln(conn, cmd)
	reply, _ := bufio.NewReader(conn).ReadString('\n')
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "error") {
		fmt.Println(reply)
		os.Exit(1)
	}
	fmt.Println(reply)
}
