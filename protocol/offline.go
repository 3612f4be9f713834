// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrBadMagic is returned when an offline message does not carry the
// 16-byte offline magic.
var ErrBadMagic = errors.New("offline message without offline magic")

func checkMagic(data []byte) error {
	if len(data) < len(OfflineMagic) {
		return fmt.Errorf("offline magic: %w", io.ErrUnexpectedEOF)
	}
	for i, b := range OfflineMagic {
		if data[i] != b {
			return ErrBadMagic
		}
	}
	return nil
}

// System addresses are encoded as a version byte, the ones'-complement
// IPv4 address, and a big-endian port. Only IPv4 is supported; IPv6
// behavior is out of scope for this transport.

const sysAddrSize = 1 + 4 + 2

func appendSysAddr(buf []byte, addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	buf = append(buf, 4, ^ip4[0], ^ip4[1], ^ip4[2], ^ip4[3])
	return append(buf, byte(addr.Port>>8), byte(addr.Port))
}

func readSysAddr(data []byte) (*net.UDPAddr, int, error) {
	if len(data) < 1 {
		return nil, 0, io.ErrUnexpectedEOF
	}
	if data[0] != 4 {
		return nil, 0, fmt.Errorf("unsupported system address version %d", data[0])
	}
	if len(data) < sysAddrSize {
		return nil, 0, io.ErrUnexpectedEOF
	}
	ip := net.IPv4(^data[1], ^data[2], ^data[3], ^data[4])
	port := int(data[5])<<8 | int(data[6])
	return &net.UDPAddr{IP: ip, Port: port}, sysAddrSize, nil
}

// UnconnectedPing is sent by clients discovering servers. SendTime is the
// client's millisecond timestamp, echoed back in the pong as a
// correlator.
type UnconnectedPing struct {
	SendTime   int64
	ClientGUID int64
}

// UnconnectedPong answers an UnconnectedPing with the server identity and
// the MOTD string.
type UnconnectedPong struct {
	SendTime   int64
	ServerGUID int64
	MOTD       string
}

// OpenConnectionRequest1 opens the handshake; the datagram is padded to
// the MTU the client wants to probe.
type OpenConnectionRequest1 struct {
	Protocol byte
	// MTU is inferred from the padded datagram size, UDP overhead
	// included.
	MTU uint16
}

// OpenConnectionReply1 echoes the probed MTU and announces the server
// GUID.
type OpenConnectionReply1 struct {
	ServerGUID  int64
	HasSecurity bool
	MTU         uint16
}

// OpenConnectionRequest2 commits the handshake: the client repeats the
// MTU and identifies itself.
type OpenConnectionRequest2 struct {
	ServerAddress *net.UDPAddr
	MTU           uint16
	ClientGUID    int64
}

// OpenConnectionReply2 confirms session creation, echoing the client's
// endpoint and the final MTU.
type OpenConnectionReply2 struct {
	ServerGUID    int64
	ClientAddress *net.UDPAddr
	MTU           uint16
}

// IncompatibleProtocolVersion rejects a client speaking a different
// RakNet protocol version.
type IncompatibleProtocolVersion struct {
	Protocol   byte
	ServerGUID int64
}

// NoFreeIncomingConnections rejects a client that admission control
// turned away.
type NoFreeIncomingConnections struct {
	ServerGUID int64
}

func appendInt64(buf []byte, v int64) []byte {
	var scratch [8]byte
	be.PutUint64(scratch[:], uint64(v))
	return append(buf, scratch[:]...)
}

// MarshalUnconnectedPing appends the wire form of p.
func MarshalUnconnectedPing(buf []byte, p *UnconnectedPing) []byte {
	buf = append(buf, IDUnconnectedPing)
	buf = appendInt64(buf, p.SendTime)
	buf = append(buf, OfflineMagic[:]...)
	return appendInt64(buf, p.ClientGUID)
}

// UnmarshalUnconnectedPing decodes the body of an UnconnectedPing (the id
// byte already consumed).
func UnmarshalUnconnectedPing(data []byte) (*UnconnectedPing, error) {
	if len(data) < 8+len(OfflineMagic)+8 {
		return nil, io.ErrUnexpectedEOF
	}
	if err := checkMagic(data[8:]); err != nil {
		return nil, err
	}
	return &UnconnectedPing{
		SendTime:   int64(be.Uint64(data[:8])),
		ClientGUID: int64(be.Uint64(data[8+len(OfflineMagic):])),
	}, nil
}

// MarshalUnconnectedPong appends the wire form of p.
func MarshalUnconnectedPong(buf []byte, p *UnconnectedPong) []byte {
	buf = append(buf, IDUnconnectedPong)
	buf = appendInt64(buf, p.SendTime)
	buf = appendInt64(buf, p.ServerGUID)
	buf = append(buf, OfflineMagic[:]...)
	buf = append(buf, byte(len(p.MOTD)>>8), byte(len(p.MOTD)))
	return append(buf, p.MOTD...)
}

// UnmarshalUnconnectedPong decodes the body of an UnconnectedPong.
func UnmarshalUnconnectedPong(data []byte) (*UnconnectedPong, error) {
	if len(data) < 8+8+len(OfflineMagic)+2 {
		return nil, io.ErrUnexpectedEOF
	}
	if err := checkMagic(data[16:]); err != nil {
		return nil, err
	}
	p := &UnconnectedPong{
		SendTime:   int64(be.Uint64(data[:8])),
		ServerGUID: int64(be.Uint64(data[8:16])),
	}
	rest := data[16+len(OfflineMagic):]
	strLen := int(be.Uint16(rest[:2]))
	if len(rest) < 2+strLen {
		return nil, io.ErrUnexpectedEOF
	}
	p.MOTD = string(rest[2 : 2+strLen])
	return p, nil
}

// MarshalOpenConnectionRequest1 appends the wire form of p, padding the
// datagram so its size plus UDP overhead equals p.MTU.
func MarshalOpenConnectionRequest1(buf []byte, p *OpenConnectionRequest1) []byte {
	buf = append(buf, IDOpenConnectionRequest1)
	buf = append(buf, OfflineMagic[:]...)
	buf = append(buf, p.Protocol)
	pad := int(p.MTU) - UDPHeaderSize - len(buf)
	for i := 0; i < pad; i++ {
		buf = append(buf, 0)
	}
	return buf
}

// UnmarshalOpenConnectionRequest1 decodes the body of an
// OpenConnectionRequest1. packetSize is the full datagram size including
// the id byte; the probed MTU is derived from it.
func UnmarshalOpenConnectionRequest1(data []byte, packetSize int) (*OpenConnectionRequest1, error) {
	if err := checkMagic(data); err != nil {
		return nil, err
	}
	if len(data) < len(OfflineMagic)+1 {
		return nil, io.ErrUnexpectedEOF
	}
	mtu := packetSize + UDPHeaderSize
	if mtu > MaxMTUSize {
		mtu = MaxMTUSize
	}
	if mtu < MinMTUSize {
		mtu = MinMTUSize
	}
	return &OpenConnectionRequest1{
		Protocol: data[len(OfflineMagic)],
		MTU:      uint16(mtu),
	}, nil
}

// MarshalOpenConnectionReply1 appends the wire form of p.
func MarshalOpenConnectionReply1(buf []byte, p *OpenConnectionReply1) []byte {
	buf = append(buf, IDOpenConnectionReply1)
	buf = append(buf, OfflineMagic[:]...)
	buf = appendInt64(buf, p.ServerGUID)
	security := byte(0)
	if p.HasSecurity {
		security = 1
	}
	buf = append(buf, security)
	return append(buf, byte(p.MTU>>8), byte(p.MTU))
}

// UnmarshalOpenConnectionReply1 decodes the body of an
// OpenConnectionReply1.
func UnmarshalOpenConnectionReply1(data []byte) (*OpenConnectionReply1, error) {
	if err := checkMagic(data); err != nil {
		return nil, err
	}
	rest := data[len(OfflineMagic):]
	if len(rest) < 8+1+2 {
		return nil, io.ErrUnexpectedEOF
	}
	return &OpenConnectionReply1{
		ServerGUID:  int64(be.Uint64(rest[:8])),
		HasSecurity: rest[8] != 0,
		MTU:         be.Uint16(rest[9:11]),
	}, nil
}

// MarshalOpenConnectionRequest2 appends the wire form of p.
func MarshalOpenConnectionRequest2(buf []byte, p *OpenConnectionRequest2) []byte {
	buf = append(buf, IDOpenConnectionRequest2)
	buf = append(buf, OfflineMagic[:]...)
	buf = appendSysAddr(buf, p.ServerAddress)
	buf = append(buf, byte(p.MTU>>8), byte(p.MTU))
	return appendInt64(buf, p.ClientGUID)
}

// UnmarshalOpenConnectionRequest2 decodes the body of an
// OpenConnectionRequest2.
func UnmarshalOpenConnectionRequest2(data []byte) (*OpenConnectionRequest2, error) {
	if err := checkMagic(data); err != nil {
		return nil, err
	}
	rest := data[len(OfflineMagic):]
	addr, n, err := readSysAddr(rest)
	if err != nil {
		return nil, fmt.Errorf("server address: %w", err)
	}
	rest = rest[n:]
	if len(rest) < 2+8 {
		return nil, io.ErrUnexpectedEOF
	}
	return &OpenConnectionRequest2{
		ServerAddress: addr,
		MTU:           be.Uint16(rest[:2]),
		ClientGUID:    int64(be.Uint64(rest[2:10])),
	}, nil
}

// MarshalOpenConnectionReply2 appends the wire form of p.
func MarshalOpenConnectionReply2(buf []byte, p *OpenConnectionReply2) []byte {
	buf = append(buf, IDOpenConnectionReply2)
	buf = append(buf, OfflineMagic[:]...)
	buf = appendInt64(buf, p.ServerGUID)
	buf = appendSysAddr(buf, p.ClientAddress)
	buf = append(buf, byte(p.MTU>>8), byte(p.MTU))
	return append(buf, 0) // no encryption at this layer
}

// UnmarshalOpenConnectionReply2 decodes the body of an
// OpenConnectionReply2.
func UnmarshalOpenConnectionReply2(data []byte) (*OpenConnectionReply2, error) {
	if err := checkMagic(data); err != nil {
		return nil, err
	}
	rest := data[len(OfflineMagic):]
	if len(rest) < 8 {
		return nil, io.ErrUnexpectedEOF
	}
	p := &OpenConnectionReply2{ServerGUID: int64(be.Uint64(rest[:8]))}
	addr, n, err := readSysAddr(rest[8:])
	if err != nil {
		return nil, fmt.Errorf("client address: %w", err)
	}
	rest = rest[8+n:]
	if len(rest) < 2 {
		return nil, io.ErrUnexpectedEOF
	}
	p.ClientAddress = addr
	p.MTU = be.Uint16(rest[:2])
	return p, nil
}

// MarshalIncompatibleProtocolVersion appends the wire form of p.
func MarshalIncompatibleProtocolVersion(buf []byte, p *IncompatibleProtocolVersion) []byte {
	buf = append(buf, IDIncompatibleProtocolVersion, p.Protocol)
	buf = append(buf, OfflineMagic[:]...)
	return appendInt64(buf, p.ServerGUID)
}

// MarshalNoFreeIncomingConnections appends the wire form of p.
func MarshalNoFreeIncomingConnections(buf []byte, p *NoFreeIncomingConnections) []byte {
	buf = append(buf, IDNoFreeIncomingConnections)
	buf = append(buf, OfflineMagic[:]...)
	return appendInt64(buf, p.ServerGUID)
}
