// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"storj.io/raknet-go/protocol"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState int32

const (
	// StateConnecting: the open-connection exchange finished; the upper
	// layer has not completed its login yet.
	StateConnecting SessionState = iota
	// StateConnected: the upper layer completed login.
	StateConnected
	// StateDisconnecting: a disconnect was requested; traffic still
	// drains.
	StateDisconnecting
	// StateEvicted: the session is dead. Further datagrams from the
	// peer are dropped; the cleaner removes the table entry.
	StateEvicted
)

const (
	// maxDatagramWindow bounds how far ahead of the next expected
	// datagram sequence number a peer may run before we drop its
	// traffic instead of buffering state for it.
	maxDatagramWindow = 2048

	// maxSplitPartCount and maxConcurrentSplits bound split-reassembly
	// memory per session; a peer exceeding either is disconnected.
	maxSplitPartCount   = 512
	maxConcurrentSplits = 64

	// resendCap is the per-datagram transmission limit; past it the
	// datagram is given up on.
	resendCap = 10

	// givenUpLimit is the number of given-up datagrams after which the
	// whole session is disconnected.
	givenUpLimit = 16
)

type splitBuffer struct {
	parts    [][]byte
	received uint32
	size     int
}

// retainedDatagram is a sent datagram kept until acknowledged, for NAK-
// and RTO-driven retransmission.
type retainedDatagram struct {
	seq           uint32
	data          []byte
	sendTime      int64 // monotonic ms of the most recent transmission
	firstSendTime int64
	transmissions int
}

// Session is the per-peer reliability state. All exported methods are
// safe for concurrent use.
type Session struct {
	server     *Server
	addr       *net.UDPAddr
	key        string
	clientGUID int64
	mtu        uint16

	state        int32 // SessionState, atomic
	lastActivity int64 // monotonic ms, atomic

	disconnectOnce sync.Once

	// Incoming reliability state. recvMu serializes the reliability
	// path: a session is processed by at most one worker at a time.
	recvMu      sync.Mutex
	expectedSeq uint32
	highestSeq  uint32
	seenAhead   map[uint32]struct{}
	pendingAcks []uint32
	pendingNaks []uint32
	splits      map[uint16]*splitBuffer

	orderingExpected [protocol.MaxOrderingChannels]uint32
	orderingBuffers  [protocol.MaxOrderingChannels]map[uint32][]byte
	sequencedNext    [protocol.MaxOrderingChannels]uint32

	// Off-pool delivery FIFO (ForceOrderingForAll).
	deliverMu         sync.Mutex
	pendingDelivery   []Message
	deliveryScheduled bool

	// Outgoing reliability state, guarded by sendMu; also serializes
	// writes to the UDP socket for this session so the encoded bytes
	// and the unacked insertion are atomic.
	sendMu         sync.Mutex
	nextSeq        uint32
	nextReliable   uint32
	nextOrdering   [protocol.MaxOrderingChannels]uint32
	nextSequencing [protocol.MaxOrderingChannels]uint32
	nextSplitID    uint16
	unacked        map[uint32]*retainedDatagram

	rttMS    int64
	rttVarMS int64
	rtoMS    int64

	consecutiveResends int
	givenUp            int
}

func newSession(srv *Server, addr *net.UDPAddr, clientGUID int64, mtu uint16) *Session {
	s := &Session{
		server:     srv,
		addr:       addr,
		key:        addr.String(),
		clientGUID: clientGUID,
		mtu:        mtu,
		// One before zero on the 24-bit circle, so the first datagram
		// exposes any gap below its sequence number.
		highestSeq: 0xFFFFFF,
		seenAhead:  make(map[uint32]struct{}),
		splits:     make(map[uint16]*splitBuffer),
		unacked:    make(map[uint32]*retainedDatagram),
		rtoMS:      defaultRTO,
	}
	s.touch()
	return s
}

// Addr returns the peer address identifying this session.
func (s *Session) Addr() *net.UDPAddr { return s.addr }

// GUID returns the client GUID announced during the handshake.
func (s *Session) GUID() int64 { return s.clientGUID }

// MTU returns the negotiated maximum datagram size in bytes, UDP
// overhead included.
func (s *Session) MTU() uint16 { return s.mtu }

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

// SetConnected marks the upper layer's login as complete. It is a no-op
// unless the session is still Connecting.
func (s *Session) SetConnected() {
	atomic.CompareAndSwapInt32(&s.state, int32(StateConnecting), int32(StateConnected))
}

// RTT returns the smoothed round-trip estimate.
func (s *Session) RTT() time.Duration {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return time.Duration(s.rttMS) * time.Millisecond
}

// RTO returns the current retransmission timeout.
func (s *Session) RTO() time.Duration {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return time.Duration(s.rtoMS) * time.Millisecond
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, s.server.nowMS())
}

func (s *Session) idleFor(nowMS int64) time.Duration {
	return time.Duration(nowMS-atomic.LoadInt64(&s.lastActivity)) * time.Millisecond
}

// Disconnect ends the session. With notifyPeer set, a disconnection
// notification is sent (unreliably; a lost notification just means the
// peer times out instead).
func (s *Session) Disconnect(reason DisconnectReason, notifyPeer bool) {
	for {
		old := atomic.LoadInt32(&s.state)
		if old == int32(StateEvicted) {
			return
		}
		if atomic.CompareAndSwapInt32(&s.state, old, int32(StateEvicted)) {
			break
		}
	}
	if notifyPeer {
		s.sendDisconnectNotification()
	}
	s.disconnectOnce.Do(func() {
		s.server.logger.V(1).Info("session closed", "peer", s.key, "reason", reason.String())
		s.server.handler.HandleDisconnect(s, reason)
	})
}

func (s *Session) evicted() bool {
	return s.State() == StateEvicted
}

// handleConnectedDatagram is the connected-data path of the reliability
// engine: duplicate suppression, ACK scheduling, split reassembly,
// ordered delivery.
func (s *Session) handleConnectedDatagram(d *protocol.Datagram) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	switch s.noteReceived(d.Seq) {
	case receiveFresh:
	case receiveDuplicate:
		// The ACK was re-scheduled by noteReceived; the payload was
		// already delivered once and must not be delivered again.
		return
	case receiveOutOfWindow:
		return
	}

	for i := range d.Frames {
		s.handleFrame(&d.Frames[i])
	}
}

type receiveVerdict int

const (
	receiveFresh receiveVerdict = iota
	receiveDuplicate
	receiveOutOfWindow
)

// noteReceived updates the datagram window for seq, schedules the ACK,
// and schedules NAKs for any gap the arrival reveals. Duplicates are
// still ACKed so that a peer that lost our ACK stops resending.
func (s *Session) noteReceived(seq uint32) receiveVerdict {
	if protocol.SeqLess(seq, s.expectedSeq) {
		s.pendingAcks = append(s.pendingAcks, seq)
		return receiveDuplicate
	}
	if _, dup := s.seenAhead[seq]; dup {
		s.pendingAcks = append(s.pendingAcks, seq)
		return receiveDuplicate
	}
	if protocol.SeqDiff(s.expectedSeq, seq) > maxDatagramWindow {
		return receiveOutOfWindow
	}

	s.pendingAcks = append(s.pendingAcks, seq)

	// A jump past the highest sequence seen so far exposes a gap; ask
	// for the missing datagrams right away rather than waiting for the
	// peer's RTO.
	if protocol.SeqLess(s.highestSeq, seq) {
		for missing := protocol.SeqNext(s.highestSeq); protocol.SeqLess(missing, seq); missing = protocol.SeqNext(missing) {
			s.pendingNaks = append(s.pendingNaks, missing)
		}
		s.highestSeq = seq
	} else {
		// A hole is being filled; retract any pending NAK for it.
		for i, n := range s.pendingNaks {
			if n == seq {
				s.pendingNaks = append(s.pendingNaks[:i], s.pendingNaks[i+1:]...)
				break
			}
		}
	}

	if seq == s.expectedSeq {
		s.expectedSeq = protocol.SeqNext(s.expectedSeq)
		for {
			if _, ok := s.seenAhead[s.expectedSeq]; !ok {
				break
			}
			delete(s.seenAhead, s.expectedSeq)
			s.expectedSeq = protocol.SeqNext(s.expectedSeq)
		}
	} else {
		s.seenAhead[seq] = struct{}{}
	}
	return receiveFresh
}

// handleFrame runs one encapsulated frame through split reassembly and
// the ordering stage. Called with recvMu held.
func (s *Session) handleFrame(f *protocol.Frame) {
	payload := f.Payload
	if f.HasSplit() {
		complete, err := s.reassemble(f)
		if err != nil {
			s.server.logger.Error(err, "split reassembly failed", "peer", s.key)
			s.Disconnect(DisconnectProtocolError, false)
			return
		}
		if complete == nil {
			return
		}
		payload = complete
	}

	switch {
	case f.Reliability.IsOrdered():
		s.deliverOrdered(f.OrderingChannel, f.OrderingIndex, payload)
	case f.Reliability.IsSequenced():
		// Sequenced frames deliver only if nothing newer on the channel
		// got there first.
		ch := f.OrderingChannel
		if protocol.SeqLess(f.SequencingIndex, s.sequencedNext[ch]) {
			return
		}
		s.sequencedNext[ch] = protocol.SeqNext(f.SequencingIndex)
		s.deliver(payload, false)
	default:
		s.deliver(payload, false)
	}
}

// reassemble files one split part, returning the whole payload once every
// part is present. Called with recvMu held.
func (s *Session) reassemble(f *protocol.Frame) ([]byte, error) {
	if f.SplitCount > maxSplitPartCount {
		return nil, fmt.Errorf("split count %d exceeds limit %d", f.SplitCount, maxSplitPartCount)
	}
	if f.SplitIndex >= f.SplitCount {
		return nil, fmt.Errorf("split index %d outside count %d", f.SplitIndex, f.SplitCount)
	}

	buf, ok := s.splits[f.SplitID]
	if !ok {
		if len(s.splits) >= maxConcurrentSplits {
			return nil, fmt.Errorf("more than %d split messages in flight", maxConcurrentSplits)
		}
		buf = &splitBuffer{parts: make([][]byte, f.SplitCount)}
		s.splits[f.SplitID] = buf
	}
	if uint32(len(buf.parts)) != f.SplitCount {
		return nil, fmt.Errorf("part count changed on split id %d: %d != %d",
			f.SplitID, f.SplitCount, len(buf.parts))
	}
	if buf.parts[f.SplitIndex] != nil {
		// Re-sent part; the slot is already filled.
		return nil, nil
	}
	part := make([]byte, len(f.Payload))
	copy(part, f.Payload)
	buf.parts[f.SplitIndex] = part
	buf.received++
	buf.size += len(part)

	if buf.received < f.SplitCount {
		return nil, nil
	}
	whole := make([]byte, 0, buf.size)
	for _, part := range buf.parts {
		whole = append(whole, part...)
	}
	delete(s.splits, f.SplitID)
	return whole, nil
}

// deliverOrdered feeds the per-channel reorder buffer and drains every
// message that is now in order. Called with recvMu held.
func (s *Session) deliverOrdered(ch uint8, index uint32, payload []byte) {
	if protocol.SeqLess(index, s.orderingExpected[ch]) {
		// Already delivered on this channel.
		return
	}
	if index == s.orderingExpected[ch] {
		s.deliver(payload, true)
		s.orderingExpected[ch] = protocol.SeqNext(index)
		buf := s.orderingBuffers[ch]
		for buf != nil {
			next, ok := buf[s.orderingExpected[ch]]
			if !ok {
				break
			}
			delete(buf, s.orderingExpected[ch])
			s.deliver(next, true)
			s.orderingExpected[ch] = protocol.SeqNext(s.orderingExpected[ch])
		}
		return
	}
	if s.orderingBuffers[ch] == nil {
		s.orderingBuffers[ch] = make(map[uint32][]byte)
	}
	if _, dup := s.orderingBuffers[ch][index]; !dup {
		held := make([]byte, len(payload))
		copy(held, payload)
		s.orderingBuffers[ch][index] = held
	}
}

// deliver decodes a complete payload and hands it to the upper layer,
// inline or through the delivery pool for ordered traffic when the
// configuration demands it.
func (s *Session) deliver(payload []byte, ordered bool) {
	if len(payload) == 0 {
		return
	}
	id := payload[0]
	if id == protocol.IDDisconnectionNotification {
		s.Disconnect(DisconnectByPeer, false)
		return
	}

	msg, err := s.server.codec.Decode(id, payload[1:])
	if err != nil {
		s.server.logger.V(1).Info("dropping undecodable message",
			"peer", s.key, "id", id, "err", err.Error())
		return
	}
	if msg == nil {
		s.server.logger.V(1).Info("dropping message with unknown id",
			"peer", s.key, "id", id)
		return
	}
	s.server.tracer.trace("recv", id, payload, s.addr)

	if ordered && s.server.cfg.ForceOrderingForAll {
		s.enqueueDelivery(msg)
		return
	}
	s.server.handler.HandleMessage(s, msg)
}

// enqueueDelivery appends msg to the session's delivery FIFO and
// schedules a drain on the delivery pool if one is not already pending.
// The single-drain rule keeps per-channel order intact across pool
// workers.
func (s *Session) enqueueDelivery(msg Message) {
	s.deliverMu.Lock()
	s.pendingDelivery = append(s.pendingDelivery, msg)
	scheduled := s.deliveryScheduled
	s.deliveryScheduled = true
	s.deliverMu.Unlock()

	if !scheduled {
		s.server.scheduleDelivery(s)
	}
}

// drainDelivery runs on the delivery pool and empties the FIFO batch by
// batch.
func (s *Session) drainDelivery() {
	for {
		s.deliverMu.Lock()
		batch := s.pendingDelivery
		s.pendingDelivery = nil
		if len(batch) == 0 {
			s.deliveryScheduled = false
			s.deliverMu.Unlock()
			return
		}
		s.deliverMu.Unlock()

		for _, msg := range batch {
			if s.evicted() {
				return
			}
			s.server.handler.HandleMessage(s, msg)
		}
	}
}
