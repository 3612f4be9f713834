// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"sort"
	"sync/atomic"

	"storj.io/raknet-go/protocol"
)

const (
	// defaultRTO is used before the first RTT sample.
	defaultRTO = 1000
	// rtoFloorPad is the constant term of the RTO formula, in ms.
	rtoFloorPad = 100
)

// updateRTT folds one sample into the smoothed estimators and derives
// the retransmission timeout. Called with sendMu held. Standard
// exponential smoothing with 1/8 gain, all integer milliseconds:
//
//	rtt    <- 7/8*rtt + 1/8*sample
//	rttVar <- 7/8*rttVar + 1/8*|rtt - sample|
//	rto     = rtt + 4*rttVar + 100ms
func (s *Session) updateRTT(sampleMS int64) {
	if sampleMS < 0 {
		return
	}
	if s.rttMS == 0 && s.rttVarMS == 0 {
		s.rttMS = sampleMS
		s.rttVarMS = sampleMS / 2
	} else {
		diff := s.rttMS - sampleMS
		if diff < 0 {
			diff = -diff
		}
		s.rttVarMS += (diff - s.rttVarMS) / 8
		s.rttMS += (sampleMS - s.rttMS) / 8
	}
	s.rtoMS = s.rttMS + 4*s.rttVarMS + rtoFloorPad
}

// handleAck removes every acknowledged datagram from the retention map
// and feeds the RTT estimators.
func (s *Session) handleAck(ranges []protocol.AckRange) {
	atomic.AddUint64(&s.server.stats.acksReceived, 1)
	now := s.server.nowMS()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for _, r := range ranges {
		if protocol.SeqDiff(r.Min, r.Max) > maxDatagramWindow {
			// Wider than anything we could have in flight; a peer
			// playing games with the range encoding.
			continue
		}
		for seq := r.Min; ; seq = protocol.SeqNext(seq) {
			if ret, ok := s.unacked[seq]; ok {
				delete(s.unacked, seq)
				// Sample against the most recent transmission; a
				// retransmitted datagram's first send time would
				// poison the estimate high.
				s.updateRTT(now - ret.sendTime)
			}
			if seq == r.Max {
				break
			}
		}
	}
	s.consecutiveResends = 0
}

// handleNak immediately retransmits every still-retained datagram the
// peer reports missing, reusing the stored bytes.
func (s *Session) handleNak(ranges []protocol.AckRange) {
	atomic.AddUint64(&s.server.stats.naksReceived, 1)
	if s.evicted() {
		return
	}
	now := s.server.nowMS()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for _, r := range ranges {
		if protocol.SeqDiff(r.Min, r.Max) > maxDatagramWindow {
			continue
		}
		for seq := r.Min; ; seq = protocol.SeqNext(seq) {
			if ret, ok := s.unacked[seq]; ok {
				// The NAK doubles as a (pessimistic) timing signal,
				// measured from the first transmission.
				s.updateRTT(now - ret.firstSendTime)
				s.retransmit(ret, now)
			}
			if seq == r.Max {
				break
			}
		}
	}
}

// retransmit re-sends a retained datagram. Called with sendMu held; the
// caller has already decided the datagram is worth another try.
func (s *Session) retransmit(ret *retainedDatagram, nowMS int64) {
	ret.transmissions++
	ret.sendTime = nowMS
	s.consecutiveResends++
	atomic.AddUint64(&s.server.stats.resends, 1)
	if err := s.server.writeTo(ret.data, s.addr); err != nil {
		s.server.logger.V(1).Info("retransmit failed",
			"peer", s.key, "seq", ret.seq, "err", err.Error())
	}
}

// resendExpired is the RTO-driven pass over the retention map, run from
// the cleaner. Datagrams past the transmission cap are given up on; a
// session that gives up on too many is disconnected.
func (s *Session) resendExpired(nowMS int64) {
	if s.evicted() {
		return
	}

	s.sendMu.Lock()
	disconnect := false
	for seq, ret := range s.unacked {
		if nowMS-ret.sendTime <= s.rtoMS {
			continue
		}
		if ret.transmissions > resendCap {
			delete(s.unacked, seq)
			s.givenUp++
			atomic.AddUint64(&s.server.stats.failedResends, 1)
			if s.givenUp >= givenUpLimit {
				disconnect = true
			}
			continue
		}
		s.retransmit(ret, nowMS)
	}
	s.sendMu.Unlock()

	if disconnect {
		s.server.logger.Info("disconnecting unresponsive session", "peer", s.key)
		s.Disconnect(DisconnectResendExhausted, false)
	}
}

// flushAcks drains the pending ACK and NAK queues into range-coalesced
// receipt datagrams. Runs on the ack ticker, well under the 10ms cadence
// budget.
func (s *Session) flushAcks() {
	s.recvMu.Lock()
	acks := s.pendingAcks
	naks := s.pendingNaks
	s.pendingAcks = nil
	s.pendingNaks = nil
	s.recvMu.Unlock()

	if len(acks) > 0 {
		s.sendReceipts(acks, false)
	}
	if len(naks) > 0 {
		s.sendReceipts(naks, true)
	}
}

func (s *Session) sendReceipts(seqs []uint32, isNAK bool) {
	sort.Slice(seqs, func(i, j int) bool {
		return protocol.SeqLess(seqs[i], seqs[j])
	})
	ranges := protocol.CoalesceSeqs(seqs)
	for len(ranges) > 0 {
		batch := ranges
		if len(batch) > protocol.MaxAckRanges {
			batch = batch[:protocol.MaxAckRanges]
		}
		ranges = ranges[len(batch):]

		data := protocol.MarshalAcks(nil, batch, isNAK)
		if err := s.server.writeTo(data, s.addr); err != nil {
			s.server.logger.V(1).Info("receipt transmit failed",
				"peer", s.key, "nak", isNAK, "err", err.Error())
			return
		}
		if isNAK {
			atomic.AddUint64(&s.server.stats.naksSent, 1)
		} else {
			atomic.AddUint64(&s.server.stats.acksSent, 1)
		}
	}
}
