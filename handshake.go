// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"net"
	"sync/atomic"

	"storj.io/raknet-go/protocol"
)

// openWindowMS is the idempotency window for OpenConnectionRequest1: a
// repeat within it is the client retrying over loss and gets no second
// reply.
const openWindowMS = 3000

// handleOffline dispatches a packet whose leading byte lacks the
// valid-datagram flag, whether or not the peer has a session: unconnected
// pings and the two-step open-connection exchange.
func (srv *Server) handleOffline(data []byte, addr *net.UDPAddr) {
	id := data[0]
	if id > protocol.IDUserPacketEnum {
		atomic.AddUint64(&srv.stats.droppedPackets, 1)
		return
	}
	srv.tracer.trace("recv", id, data, addr)
	body := data[1:]

	switch id {
	case protocol.IDUnconnectedPing, protocol.IDUnconnectedPingOpenConnection:
		ping, err := protocol.UnmarshalUnconnectedPing(body)
		if err != nil {
			srv.dropMalformed(err, addr)
			return
		}
		srv.handleUnconnectedPing(ping, addr)

	case protocol.IDOpenConnectionRequest1:
		req, err := protocol.UnmarshalOpenConnectionRequest1(body, len(data))
		if err != nil {
			srv.dropMalformed(err, addr)
			return
		}
		srv.handleOpenConnectionRequest1(req, addr)

	case protocol.IDOpenConnectionRequest2:
		req, err := protocol.UnmarshalOpenConnectionRequest2(body)
		if err != nil {
			srv.dropMalformed(err, addr)
			return
		}
		srv.handleOpenConnectionRequest2(req, addr)

	default:
		srv.logger.V(1).Info("ignoring offline message", "id", id, "peer", addr.String())
	}
}

func (srv *Server) handleUnconnectedPing(ping *protocol.UnconnectedPing, addr *net.UDPAddr) {
	info := srv.Info()
	pong := protocol.UnconnectedPong{
		SendTime:   ping.SendTime,
		ServerGUID: srv.guid,
		MOTD:       srv.motd.MOTD(info, addr, false),
	}
	srv.sendOffline(protocol.MarshalUnconnectedPong(nil, &pong), protocol.IDUnconnectedPong, addr)

	if srv.cfg.EnableEdu {
		pong.MOTD = srv.motd.MOTD(info, addr, true)
		srv.sendOffline(protocol.MarshalUnconnectedPong(nil, &pong), protocol.IDUnconnectedPong, addr)
	}
}

func (srv *Server) handleOpenConnectionRequest1(req *protocol.OpenConnectionRequest1, addr *net.UDPAddr) {
	ip := addr.IP

	if srv.admission.IsBlacklisted(ip) {
		atomic.AddUint64(&srv.stats.droppedPackets, 1)
		return
	}
	if req.Protocol != protocol.Version {
		reply := protocol.IncompatibleProtocolVersion{
			Protocol:   protocol.Version,
			ServerGUID: srv.guid,
		}
		srv.sendOffline(protocol.MarshalIncompatibleProtocolVersion(nil, &reply),
			protocol.IDIncompatibleProtocolVersion, addr)
		return
	}

	denied := false
	switch {
	case srv.admission.IsGreylisted(ip) && !srv.admission.IsWhitelisted(ip):
		denied = true
	case !srv.admission.AcceptConnection(ip):
		denied = true
	case srv.sessions.Len() >= srv.cfg.MaxPlayers:
		denied = true
	}
	if denied {
		atomic.AddUint64(&srv.stats.denied, 1)
		reply := protocol.NoFreeIncomingConnections{ServerGUID: srv.guid}
		srv.sendOffline(protocol.MarshalNoFreeIncomingConnections(nil, &reply),
			protocol.IDNoFreeIncomingConnections, addr)
		return
	}

	if !srv.openInProgress(addr.String()) {
		// Retry inside the idempotency window (the first reply is
		// either still in flight or already lost along with this
		// client's interest), or too many handshakes in flight.
		return
	}

	reply := protocol.OpenConnectionReply1{
		ServerGUID: srv.guid,
		MTU:        req.MTU,
	}
	srv.sendOffline(protocol.MarshalOpenConnectionReply1(nil, &reply),
		protocol.IDOpenConnectionReply1, addr)
}

// openInProgress records an open-connection attempt, reporting whether it
// is the first one inside the window. The table also enforces the
// concurrent-connect ceiling.
func (srv *Server) openInProgress(key string) bool {
	now := srv.nowMS()

	srv.inProgressMu.Lock()
	defer srv.inProgressMu.Unlock()

	if deadline, ok := srv.inProgress[key]; ok && now < deadline {
		return false
	}
	if len(srv.inProgress) >= srv.cfg.MaxConcurrentConnects {
		return false
	}
	srv.inProgress[key] = now + openWindowMS
	return true
}

func (srv *Server) handleOpenConnectionRequest2(req *protocol.OpenConnectionRequest2, addr *net.UDPAddr) {
	key := addr.String()

	srv.inProgressMu.Lock()
	delete(srv.inProgress, key)
	srv.inProgressMu.Unlock()

	mtu := req.MTU
	if mtu < protocol.MinMTUSize {
		mtu = protocol.MinMTUSize
	}
	if mtu > protocol.MaxMTUSize {
		mtu = protocol.MaxMTUSize
	}

	if existing := srv.sessions.Get(key); existing != nil {
		if existing.State() == StateConnecting {
			// The client retried request 2; the session is already
			// there and the first reply may still arrive.
			return
		}
		// A new handshake from an address with a live session replaces
		// it; the old incarnation is gone as far as the peer cares.
		existing.Disconnect(DisconnectByPeer, false)
		srv.sessions.Remove(key, existing)
	}

	sess := newSession(srv, addr, req.ClientGUID, mtu)
	if _, inserted := srv.sessions.InsertIfAbsent(key, sess); !inserted {
		// Lost a race with a concurrent request 2 from the same peer.
		return
	}

	reply := protocol.OpenConnectionReply2{
		ServerGUID:    srv.guid,
		ClientAddress: addr,
		MTU:           mtu,
	}
	srv.sendOffline(protocol.MarshalOpenConnectionReply2(nil, &reply),
		protocol.IDOpenConnectionReply2, addr)

	srv.logger.V(1).Info("session created",
		"peer", key, "mtu", mtu, "client-guid", req.ClientGUID)
	srv.handler.HandleConnect(sess)
}

func (srv *Server) sendOffline(data []byte, id byte, addr *net.UDPAddr) {
	srv.tracer.trace("send", id, data, addr)
	if err := srv.writeTo(data, addr); err != nil {
		srv.logger.V(1).Info("offline reply failed",
			"id", id, "peer", addr.String(), "err", err.Error())
	}
}

func (srv *Server) dropMalformed(err error, addr *net.UDPAddr) {
	srv.logger.V(1).Info("malformed offline message; blacklisting peer",
		"peer", addr.String(), "err", err.Error())
	srv.admission.Blacklist(addr.IP)
	atomic.AddUint64(&srv.stats.droppedPackets, 1)
}

// expireHandshakes drops in-progress entries past their window; run from
// the cleaner.
func (srv *Server) expireHandshakes(nowMS int64) {
	srv.inProgressMu.Lock()
	defer srv.inProgressMu.Unlock()
	for key, deadline := range srv.inProgress {
		if nowMS >= deadline {
			delete(srv.inProgress, key)
		}
	}
}
