// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var be = binary.BigEndian

// ErrNotDatagram is returned when the leading byte of a packet does not
// carry the valid-datagram flag.
var ErrNotDatagram = errors.New("leading byte is not a datagram header")

// ErrChannelOutOfRange is returned for frames addressing an ordering
// channel at or above MaxOrderingChannels. Such a peer is misbehaving and
// should be blacklisted by the caller.
var ErrChannelOutOfRange = errors.New("ordering channel out of range")

// Header is the decoded first byte of a connected datagram.
type Header struct {
	Valid      bool
	IsACK      bool
	IsNAK      bool
	PacketPair bool
}

// ParseHeader decodes the flag bits of the leading datagram byte.
func ParseHeader(b byte) Header {
	return Header{
		Valid:      b&FlagValid != 0,
		IsACK:      b&FlagACK != 0,
		IsNAK:      b&FlagNAK != 0,
		PacketPair: b&FlagPacketPair != 0,
	}
}

// Frame is one encapsulated message inside a connected datagram.
type Frame struct {
	Reliability Reliability

	// ReliableNumber is set when Reliability.IsReliable(); it drives
	// duplicate suppression and retransmission on the sending side.
	ReliableNumber uint32

	// SequencingIndex is set when Reliability.IsSequenced().
	SequencingIndex uint32

	// OrderingIndex and OrderingChannel are set when
	// Reliability.IsOrderedOrSequenced().
	OrderingIndex   uint32
	OrderingChannel uint8

	// Split describes fragmentation; SplitCount is zero for whole
	// messages.
	SplitCount uint32
	SplitID    uint16
	SplitIndex uint32

	Payload []byte
}

// HasSplit reports whether the frame is one part of a fragmented message.
func (f *Frame) HasSplit() bool { return f.SplitCount > 0 }

// HeaderSize returns the encoded size of the frame's descriptor and
// conditional fields, excluding the payload.
func (f *Frame) HeaderSize() int {
	size := 1 + 2
	if f.Reliability.IsReliable() {
		size += 3
	}
	if f.Reliability.IsSequenced() {
		size += 3
	}
	if f.Reliability.IsOrderedOrSequenced() {
		size += 3 + 1
	}
	if f.HasSplit() {
		size += SplitHeaderSize
	}
	return size
}

// Datagram is a decoded connected datagram: a 24-bit sequence number and
// one or more encapsulated frames.
type Datagram struct {
	Seq    uint32
	Frames []Frame
}

// MarshalDatagram appends the wire encoding of d to buf and returns the
// extended slice.
func MarshalDatagram(buf []byte, d *Datagram) []byte {
	var hdr [4]byte
	hdr[0] = FlagValid
	PutUint24(hdr[1:], d.Seq)
	buf = append(buf, hdr[:]...)
	for i := range d.Frames {
		buf = appendFrame(buf, &d.Frames[i])
	}
	return buf
}

func appendFrame(buf []byte, f *Frame) []byte {
	flags := byte(f.Reliability) << 5
	if f.HasSplit() {
		flags |= FlagSplit
	}
	buf = append(buf, flags)

	var scratch [4]byte
	// Payload length is carried in bits.
	be.PutUint16(scratch[:2], uint16(len(f.Payload))<<3)
	buf = append(buf, scratch[:2]...)

	if f.Reliability.IsReliable() {
		PutUint24(scratch[:3], f.ReliableNumber)
		buf = append(buf, scratch[:3]...)
	}
	if f.Reliability.IsSequenced() {
		PutUint24(scratch[:3], f.SequencingIndex)
		buf = append(buf, scratch[:3]...)
	}
	if f.Reliability.IsOrderedOrSequenced() {
		PutUint24(scratch[:3], f.OrderingIndex)
		buf = append(buf, scratch[:3]...)
		buf = append(buf, f.OrderingChannel)
	}
	if f.HasSplit() {
		be.PutUint32(scratch[:4], f.SplitCount)
		buf = append(buf, scratch[:4]...)
		be.PutUint16(scratch[:2], f.SplitID)
		buf = append(buf, scratch[:2]...)
		be.PutUint32(scratch[:4], f.SplitIndex)
		buf = append(buf, scratch[:4]...)
	}
	return append(buf, f.Payload...)
}

// UnmarshalDatagram decodes a connected datagram. The returned frames
// alias data; the caller must not reuse the backing array while they are
// live.
func UnmarshalDatagram(data []byte) (*Datagram, error) {
	if len(data) < DatagramHeaderSize {
		return nil, fmt.Errorf("datagram header: %w", io.ErrUnexpectedEOF)
	}
	if data[0]&FlagValid == 0 {
		return nil, ErrNotDatagram
	}
	d := &Datagram{Seq: Uint24(data[1:4])}
	rest := data[4:]
	for len(rest) > 0 {
		f, n, err := unmarshalFrame(rest)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", len(d.Frames), err)
		}
		d.Frames = append(d.Frames, f)
		rest = rest[n:]
	}
	if len(d.Frames) == 0 {
		return nil, fmt.Errorf("datagram body: %w", io.ErrUnexpectedEOF)
	}
	return d, nil
}

func unmarshalFrame(data []byte) (f Frame, n int, err error) {
	if len(data) < 3 {
		return f, 0, fmt.Errorf("frame descriptor: %w", io.ErrUnexpectedEOF)
	}
	f.Reliability = Reliability(data[0] >> 5)
	split := data[0]&FlagSplit != 0
	bitLength := be.Uint16(data[1:3])
	payloadLen := (int(bitLength) + 7) >> 3
	n = 3

	need := func(k int) error {
		if len(data) < n+k {
			return io.ErrUnexpectedEOF
		}
		return nil
	}

	if f.Reliability.IsReliable() {
		if err := need(3); err != nil {
			return f, 0, fmt.Errorf("reliable message number: %w", err)
		}
		f.ReliableNumber = Uint24(data[n:])
		n += 3
	}
	if f.Reliability.IsSequenced() {
		if err := need(3); err != nil {
			return f, 0, fmt.Errorf("sequencing index: %w", err)
		}
		f.SequencingIndex = Uint24(data[n:])
		n += 3
	}
	if f.Reliability.IsOrderedOrSequenced() {
		if err := need(4); err != nil {
			return f, 0, fmt.Errorf("ordering fields: %w", err)
		}
		f.OrderingIndex = Uint24(data[n:])
		f.OrderingChannel = data[n+3]
		n += 4
		if f.OrderingChannel >= MaxOrderingChannels {
			return f, 0, fmt.Errorf("channel %d: %w", f.OrderingChannel, ErrChannelOutOfRange)
		}
	}
	if split {
		if err := need(SplitHeaderSize); err != nil {
			return f, 0, fmt.Errorf("split fields: %w", err)
		}
		f.SplitCount = be.Uint32(data[n:])
		f.SplitID = be.Uint16(data[n+4:])
		f.SplitIndex = be.Uint32(data[n+6:])
		n += SplitHeaderSize
		if f.SplitCount == 0 {
			return f, 0, errors.New("split frame with zero part count")
		}
	}
	if err := need(payloadLen); err != nil {
		return f, 0, fmt.Errorf("payload (%d bytes): %w", payloadLen, err)
	}
	f.Payload = data[n : n+payloadLen]
	n += payloadLen
	return f, n, nil
}
