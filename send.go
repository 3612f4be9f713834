// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package raknet

import (
	"errors"
	"fmt"

	"storj.io/raknet-go/protocol"
)

// ErrSessionClosed is returned from Send on an evicted session.
var ErrSessionClosed = errors.New("session is closed")

// ErrMessageTooLarge is returned when a message cannot be expressed even
// as a maximal split sequence.
var ErrMessageTooLarge = errors.New("message exceeds maximum split size")

// Send encodes msg and transmits it with the given reliability on the
// given ordering channel. Large messages are fragmented to the session
// MTU; every datagram, whatever its reliability, is retained until
// acknowledged or given up on.
func (s *Session) Send(msg Message, reliability protocol.Reliability, channel uint8) error {
	if channel >= protocol.MaxOrderingChannels {
		return fmt.Errorf("ordering channel %d out of range", channel)
	}
	if s.evicted() {
		return ErrSessionClosed
	}
	payload, err := s.server.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding message id %d: %w", msg.ID(), err)
	}
	s.server.tracer.trace("send", msg.ID(), payload, s.addr)
	return s.sendPayload(payload, reliability, channel)
}

// sendPayload frames and transmits an encoded payload. It takes the send
// lock for the whole operation so that index assignment, retention, and
// the socket write stay atomic per session.
func (s *Session) sendPayload(payload []byte, reliability protocol.Reliability, channel uint8) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	frame := protocol.Frame{
		Reliability:     reliability,
		OrderingChannel: channel,
	}
	if reliability.IsOrdered() {
		frame.OrderingIndex = s.nextOrdering[channel]
		s.nextOrdering[channel] = protocol.SeqNext(frame.OrderingIndex)
	} else if reliability.IsSequenced() {
		frame.SequencingIndex = s.nextSequencing[channel]
		s.nextSequencing[channel] = protocol.SeqNext(frame.SequencingIndex)
		// Sequenced frames ride on the current ordering index without
		// consuming it.
		frame.OrderingIndex = s.nextOrdering[channel]
	}

	maxPayload := int(s.mtu) - protocol.UDPHeaderSize - protocol.DatagramHeaderSize - frame.HeaderSize()
	if len(payload) <= maxPayload {
		frame.Payload = payload
		if reliability.IsReliable() {
			frame.ReliableNumber = s.nextReliable
			s.nextReliable = protocol.SeqNext(s.nextReliable)
		}
		return s.transmitFrame(&frame)
	}

	// Fragment. Every part repeats the ordering metadata and carries
	// its own reliable message number; the shared split id ties the
	// parts back together.
	chunkSize := maxPayload - protocol.SplitHeaderSize
	if chunkSize <= 0 {
		return ErrMessageTooLarge
	}
	count := (len(payload) + chunkSize - 1) / chunkSize
	if count > maxSplitPartCount {
		return ErrMessageTooLarge
	}

	splitID := s.nextSplitID
	s.nextSplitID++

	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		part := frame
		part.SplitCount = uint32(count)
		part.SplitID = splitID
		part.SplitIndex = uint32(i)
		part.Payload = payload[start:end]
		if reliability.IsReliable() {
			part.ReliableNumber = s.nextReliable
			s.nextReliable = protocol.SeqNext(s.nextReliable)
		}
		if err := s.transmitFrame(&part); err != nil {
			return err
		}
	}
	return nil
}

// transmitFrame wraps one frame in a fresh datagram, retains a copy for
// retransmission, and writes it to the socket. Called with sendMu held.
func (s *Session) transmitFrame(f *protocol.Frame) error {
	d := protocol.Datagram{Seq: s.nextSeq, Frames: []protocol.Frame{*f}}
	s.nextSeq = protocol.SeqNext(s.nextSeq)

	data := protocol.MarshalDatagram(nil, &d)
	now := s.server.nowMS()
	s.unacked[d.Seq] = &retainedDatagram{
		seq:           d.Seq,
		data:          data,
		sendTime:      now,
		firstSendTime: now,
		transmissions: 1,
	}

	// Send failures are swallowed here; the RTO pass retransmits, and a
	// permanently dead socket surfaces through the receive loop.
	if err := s.server.writeTo(data, s.addr); err != nil {
		s.server.logger.V(1).Info("datagram transmit failed",
			"peer", s.key, "seq", d.Seq, "err", err.Error())
	}
	return nil
}

// sendDisconnectNotification tells the peer we are going away. Best
// effort and unreliable: the datagram is not retained, because the
// session is already past caring about its ACK.
func (s *Session) sendDisconnectNotification() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	d := protocol.Datagram{
		Seq: s.nextSeq,
		Frames: []protocol.Frame{{
			Reliability: protocol.Unreliable,
			Payload:     []byte{protocol.IDDisconnectionNotification},
		}},
	}
	s.nextSeq = protocol.SeqNext(s.nextSeq)
	data := protocol.MarshalDatagram(nil, &d)
	if err := s.server.writeTo(data, s.addr); err != nil {
		s.server.logger.V(1).Info("disconnect notification failed",
			"peer", s.key, "err", err.Error())
	}
}
