package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"time"

	"storj.io/raknet-go/protocol"
)

// raknet_ping sends an unconnected ping to a RakNet server and prints
// the pong announcement, the way a Pocket Edition client populates its
// server list.

func main() {
	if len(os.Args) < 2 {
		_, _ = fmt.Fprintf(os.Stderr, `usage: %s dest-addr

   dest-addr: server to ping, in the form <host>:<port>

`, os.Args[0])
		os.Exit(1)
	}
	dest := os.Args[1]

	udpAddr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		log.Fatalf("could not resolve destination %q: %v", dest, err)
	}
	conn, err := net.DialUDP("udp4", nil, udpAddr)
	if err != nil {
		log.Fatalf("failed to open socket: %v", err)
	}
	defer func() { _ = conn.Close() }()

	ping := protocol.UnconnectedPing{
		SendTime:   time.Now().UnixMilli(),
		ClientGUID: int64(os.Getpid()),
	}
	if _, err := conn.Write(protocol.MarshalUnconnectedPing(nil, &ping)); err != nil {
		log.Fatalf("failed to send ping: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		log.Fatalf("failed to arm read deadline: %v", err)
	}
	buf := make([]byte, protocol.MaxMTUSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Fatalf("no pong: %v", err)
		}
		if n < 1 || buf[0] != protocol.IDUnconnectedPong {
			continue
		}
		pong, err := protocol.UnmarshalUnconnectedPong(buf[1:n])
		if err != nil {
			log.Fatalf("bad pong: %v", err)
		}
		rtt := time.Now().UnixMilli() - pong.SendTime
		fmt.Printf("%s\n  guid=%d rtt=%dms\n", pong.MOTD, pong.ServerGUID, rtt)
		return
	}
}
