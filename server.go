// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"storj.io/raknet-go/buffers"
	"storj.io/raknet-go/protocol"
)

const (
	// receiveQueueSize bounds the packets parked between the UDP reader
	// and the workers. Overflow is dropped and counted; the reader
	// never blocks.
	receiveQueueSize = 4096

	// deliveryQueueSize bounds sessions queued for off-pool ordered
	// delivery.
	deliveryQueueSize = 1024

	ackFlushInterval = 10 * time.Millisecond
	cleanerInterval  = time.Second
)

// Server is one RakNet transport endpoint bound to a UDP socket. Create
// it with NewServer and shut it down with Close.
type Server struct {
	cfg    Config
	logger logr.Logger
	tracer *packetTracer

	guid  int64
	epoch time.Time

	handler   Handler
	codec     MessageCodec
	motd      MOTDProvider
	admission AdmissionController
	query     QueryResponder

	conn     *net.UDPConn
	sessions *sessionTable
	queue    *buffers.SyncPacketQueue

	inProgressMu sync.Mutex
	inProgress   map[string]int64

	deliveryJobs chan *Session

	stats stats

	cancel  context.CancelFunc
	group   *errgroup.Group
	closing int32 // atomic
}

// NewServer binds the configured UDP address and starts the receive,
// delivery, and maintenance goroutines. The handler and codec are
// mandatory; everything else has a default (discard logger, static MOTD,
// allow-all admission).
func NewServer(handler Handler, codec MessageCodec, opts ...Option) (*Server, error) {
	if handler == nil || codec == nil {
		return nil, errors.New("raknet: handler and codec are required")
	}
	o := serverOptions{
		logger: logr.Discard(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.config.MaxConcurrentConnects <= 0 {
		o.config.MaxConcurrentConnects = o.config.MaxPlayers
	}
	if o.guid == 0 {
		o.guid = randomInt64()
	}
	if o.motd == nil {
		o.motd = StaticMOTD("RakNet server")
	}
	if o.admission == nil {
		o.admission = allowAll{}
	}

	addr := &net.UDPAddr{IP: net.ParseIP(o.config.IP), Port: o.config.Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}

	srv := &Server{
		cfg:          o.config,
		logger:       o.logger,
		tracer:       newPacketTracer(o.config.TracePackets, o.logger),
		guid:         o.guid,
		epoch:        time.Now(),
		handler:      handler,
		codec:        codec,
		motd:         o.motd,
		admission:    o.admission,
		query:        o.query,
		conn:         conn,
		queue:        buffers.NewSyncPacketQueue(receiveQueueSize),
		inProgress:   make(map[string]int64),
		deliveryJobs: make(chan *Session, deliveryQueueSize),
	}
	srv.sessions = newSessionTable(randomUint64(), randomUint64())

	if err := systemSetupUDPSocket(srv); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tuning UDP socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	srv.group = group

	group.Go(func() error { return srv.readLoop() })
	workers := runtime.GOMAXPROCS(0)
	if workers < 2 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error { return srv.receiveWorker(ctx) })
		group.Go(func() error { return srv.deliveryWorker(ctx) })
	}
	group.Go(func() error { return srv.ackFlusher(ctx) })
	group.Go(func() error { return srv.cleaner(ctx) })

	srv.logger.Info("listening", "addr", conn.LocalAddr().String(), "guid", srv.guid)
	return srv, nil
}

// Addr returns the bound local address.
func (srv *Server) Addr() *net.UDPAddr {
	return srv.conn.LocalAddr().(*net.UDPAddr)
}

// GUID returns the server's RakNet GUID.
func (srv *Server) GUID() int64 { return srv.guid }

// Stats returns a snapshot of the server counters.
func (srv *Server) Stats() Stats { return srv.stats.snapshot() }

// Info returns the identity snapshot handed to the MOTD provider.
func (srv *Server) Info() ServerInfo {
	return ServerInfo{
		GUID:       srv.guid,
		Addr:       srv.Addr(),
		Players:    srv.sessions.Len(),
		MaxPlayers: srv.cfg.MaxPlayers,
	}
}

// Session returns the live session for a peer address, or nil.
func (srv *Server) Session(addr *net.UDPAddr) *Session {
	return srv.sessions.Get(addr.String())
}

// Close disconnects every session, releases the socket, and waits for
// the server goroutines to drain. Only the first call does anything.
func (srv *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&srv.closing, 0, 1) {
		return net.ErrClosed
	}
	for _, sess := range srv.sessions.Snapshot() {
		sess.Disconnect(DisconnectServerShutdown, true)
		srv.sessions.Remove(sess.key, sess)
	}
	err := srv.conn.Close()
	srv.queue.Close()
	srv.cancel()
	if waitErr := srv.group.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		if err == nil {
			err = waitErr
		}
	}
	return err
}

// nowMS is the server's monotonic millisecond clock; all RTT and timeout
// arithmetic uses it, never the wall clock.
func (srv *Server) nowMS() int64 {
	return time.Since(srv.epoch).Milliseconds()
}

func (srv *Server) writeTo(data []byte, addr *net.UDPAddr) error {
	srv.stats.countOut(len(data))
	_, err := srv.conn.WriteToUDP(data, addr)
	return err
}

// readLoop is the dedicated receive goroutine: blocking reads, one copy,
// and a non-blocking enqueue toward the workers.
func (srv *Server) readLoop() error {
	buf := make([]byte, protocol.MaxMTUSize)
	for {
		n, addr, err := srv.conn.ReadFromUDP(buf)
		if err != nil {
			if atomic.LoadInt32(&srv.closing) != 0 {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() {
				srv.logger.V(1).Info("transient UDP read error", "err", err.Error())
				continue
			}
			srv.queue.Close()
			return fmt.Errorf("UDP receive: %w", err)
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !srv.queue.TryAppend(buffers.Packet{Data: data, Addr: addr}) {
			atomic.AddUint64(&srv.stats.droppedPackets, 1)
		}
	}
}

func (srv *Server) receiveWorker(ctx context.Context) error {
	for {
		pkt, err := srv.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, buffers.ErrIsClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		srv.processPacket(pkt.Data, pkt.Addr)
	}
}

// processPacket classifies one received packet: query, offline, or
// connected traffic for an existing session.
func (srv *Server) processPacket(data []byte, addr *net.UDPAddr) {
	srv.stats.countIn(len(data))
	if len(data) == 0 {
		return
	}

	if data[0] == protocol.QueryMagic {
		if srv.cfg.EnableQuery && srv.query != nil {
			if resp := srv.query.Respond(data, addr); resp != nil {
				if err := srv.writeTo(resp, addr); err != nil {
					srv.logger.V(1).Info("query reply failed", "peer", addr.String(), "err", err.Error())
				}
			}
		}
		return
	}

	// Connected datagrams always carry the valid flag; offline message
	// ids never reach 0x80.
	if data[0]&protocol.FlagValid == 0 {
		srv.handleOffline(data, addr)
		return
	}

	sess := srv.sessions.Get(addr.String())
	if sess == nil || sess.evicted() {
		atomic.AddUint64(&srv.stats.droppedPackets, 1)
		return
	}
	sess.touch()

	header := protocol.ParseHeader(data[0])
	switch {
	case header.IsACK:
		ranges, err := protocol.UnmarshalAcks(data[1:])
		if err != nil {
			srv.blacklistMalformed(sess, err)
			return
		}
		sess.handleAck(ranges)
	case header.IsNAK:
		ranges, err := protocol.UnmarshalAcks(data[1:])
		if err != nil {
			srv.blacklistMalformed(sess, err)
			return
		}
		sess.handleNak(ranges)
	default:
		d, err := protocol.UnmarshalDatagram(data)
		if err != nil {
			srv.blacklistMalformed(sess, err)
			return
		}
		sess.handleConnectedDatagram(d)
	}
}

// blacklistMalformed applies the malformed-datagram policy: drop it,
// blacklist the peer, leave every other session alone.
func (srv *Server) blacklistMalformed(sess *Session, err error) {
	srv.logger.V(1).Info("malformed datagram; blacklisting peer",
		"peer", sess.key, "err", err.Error())
	srv.admission.Blacklist(sess.addr.IP)
	atomic.AddUint64(&srv.stats.droppedPackets, 1)
	sess.Disconnect(DisconnectProtocolError, false)
}

func (srv *Server) scheduleDelivery(s *Session) {
	select {
	case srv.deliveryJobs <- s:
	default:
		// Delivery pool saturated; drain inline rather than drop. The
		// FIFO discipline inside the session still holds.
		s.drainDelivery()
	}
}

func (srv *Server) deliveryWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sess := <-srv.deliveryJobs:
			sess.drainDelivery()
		}
	}
}

// ackFlusher drains every session's pending ACK/NAK queues on a 10ms
// cadence.
func (srv *Server) ackFlusher(ctx context.Context) error {
	ticker := time.NewTicker(ackFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, sess := range srv.sessions.Snapshot() {
				sess.flushAcks()
			}
		}
	}
}

// cleaner is the coarse maintenance pass: inactivity eviction, RTO
// resends, evicted-session removal, handshake expiry, and the player
// gauge.
func (srv *Server) cleaner(ctx context.Context) error {
	ticker := time.NewTicker(cleanerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := srv.nowMS()
			timeout := srv.cfg.inactivityTimeout()
			for _, sess := range srv.sessions.Snapshot() {
				if sess.evicted() {
					srv.sessions.Remove(sess.key, sess)
					continue
				}
				if sess.idleFor(now) > timeout {
					srv.logger.V(1).Info("evicting idle session", "peer", sess.key)
					sess.Disconnect(DisconnectTimeout, true)
					srv.sessions.Remove(sess.key, sess)
					continue
				}
				sess.resendExpired(now)
			}
			srv.expireHandshakes(now)
			atomic.StoreUint64(&srv.stats.players, uint64(srv.sessions.Len()))
		}
	}
}

func randomInt64() int64 {
	return int64(randomUint64())
}

func randomUint64() uint64 {
	var buf [8]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		panic("can't read from random source: " + err.Error())
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// StaticMOTD is the default MOTDProvider: the same string for every
// peer, with "(EDU)" appended for the EDU variant.
type StaticMOTD string

// MOTD implements MOTDProvider.
func (m StaticMOTD) MOTD(info ServerInfo, peer *net.UDPAddr, edu bool) string {
	if edu {
		return string(m) + " (EDU)"
	}
	return string(m)
}

// allowAll is the default AdmissionController: every peer may connect
// and Blacklist is a no-op.
type allowAll struct{}

func (allowAll) IsBlacklisted(net.IP) bool    { return false }
func (allowAll) IsWhitelisted(net.IP) bool    { return false }
func (allowAll) IsGreylisted(net.IP) bool     { return false }
func (allowAll) AcceptConnection(net.IP) bool { return true }
func (allowAll) Blacklist(net.IP)             {}
