// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

// Package protocol implements the RakNet wire format used by Minecraft
// Pocket Edition clients: datagram headers, ACK/NAK range lists,
// encapsulated frames, and the offline (pre-session) message set.
//
// All encode/decode functions are pure and safe for concurrent use.
package protocol

// Version is the RakNet protocol version spoken by this library. Clients
// announcing a different version in OpenConnectionRequest1 are answered
// with IncompatibleProtocolVersion.
const Version byte = 10

// MTU bounds for a negotiated session, in bytes. Requests outside this
// range are clamped.
const (
	MinMTUSize = 576
	MaxMTUSize = 1500
)

// UDPHeaderSize is the size of the IPv4 + UDP header, counted against the
// MTU when inferring it from a padded OpenConnectionRequest1.
const UDPHeaderSize = 20 + 8

// DatagramHeaderSize is the fixed overhead of a connected datagram:
// 1 header byte plus a 24-bit sequence number.
const DatagramHeaderSize = 1 + 3

// FrameHeaderSize is the worst-case overhead of one encapsulated frame:
// flags byte, 16-bit bit-length, reliable message number, sequencing
// index, ordering index and channel.
const FrameHeaderSize = 1 + 2 + 3 + 3 + 3 + 1

// SplitHeaderSize is the additional frame overhead when a message is
// fragmented: 32-bit split count, 16-bit split id, 32-bit split index.
const SplitHeaderSize = 4 + 2 + 4

// Datagram header flag bits. FlagValid is set on every connected datagram;
// an incoming packet without it (and outside the offline id range) is
// garbage.
const (
	FlagValid       byte = 0x80
	FlagACK         byte = 0x40
	FlagNAK         byte = 0x20
	FlagPacketPair  byte = 0x10
	FlagContinuous  byte = 0x08
	FlagNeedsBAndAS byte = 0x04
)

// FlagSplit marks a fragmented frame inside the per-frame descriptor byte.
const FlagSplit byte = 0x10

// MaxOrderingChannels is the number of independent ordering lanes per
// session. A frame addressing a channel at or above this is malformed.
const MaxOrderingChannels = 32

// Offline and control message ids.
const (
	IDConnectedPing                 byte = 0x00
	IDUnconnectedPing               byte = 0x01
	IDUnconnectedPingOpenConnection byte = 0x02
	IDConnectedPong                 byte = 0x03
	IDOpenConnectionRequest1        byte = 0x05
	IDOpenConnectionReply1          byte = 0x06
	IDOpenConnectionRequest2        byte = 0x07
	IDOpenConnectionReply2          byte = 0x08
	IDConnectionRequest             byte = 0x09
	IDConnectionRequestAccepted     byte = 0x10
	IDNewIncomingConnection         byte = 0x13
	IDNoFreeIncomingConnections     byte = 0x14
	IDDisconnectionNotification     byte = 0x15
	IDIncompatibleProtocolVersion   byte = 0x19
	IDUnconnectedPong               byte = 0x1c

	// IDUserPacketEnum is the boundary between the RakNet message id
	// space and application messages. Packets whose leading byte lacks
	// FlagValid are handled as offline traffic, and ids above this value
	// are dropped there.
	IDUserPacketEnum byte = 0x86
)

// QueryMagic is the leading byte of a GameSpy-style query packet, handled
// outside the RakNet state machine entirely.
const QueryMagic byte = 0xFE

// OfflineMagic is the 16-byte constant embedded in every offline message,
// required for RakNet compatibility.
var OfflineMagic = [16]byte{
	0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78,
}
