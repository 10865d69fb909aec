// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "encoding/binary"

// quicVersion1 is the version number of the QUIC version defined by
// RFC 9000/9001/9002, the only version this core speaks.
const quicVersion1 uint32 = 1

// A connSide identifies which endpoint role a Conn is playing.
type connSide int8

const (
	clientSide connSide = iota
	serverSide
)

// A packetType identifies the type of a QUIC packet. The four long-header
// types occupy the wire's 2-bit type field; 1RTT and the two synthetic
// values (version negotiation, invalid) are represented separately since
// they aren't distinguished by that field.
type packetType int8

const (
	packetTypeInitial packetType = iota
	packetType0RTT
	packetTypeHandshake
	packetTypeRetry
	packetType1RTT
	packetTypeVersionNegotiation
	packetTypeInvalid
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "Initial"
	case packetType0RTT:
		return "0-RTT"
	case packetTypeHandshake:
		return "Handshake"
	case packetTypeRetry:
		return "Retry"
	case packetType1RTT:
		return "1-RTT"
	case packetTypeVersionNegotiation:
		return "Version Negotiation"
	default:
		return "invalid"
	}
}

const (
	headerFormLong  = 0x80
	fixedBit        = 0x40
	keyPhaseBitMask = 0x04 // short-header key phase bit (RFC 9001 Section 6)
)

func isLongHeader(b byte) bool { return b&headerFormLong != 0 }

// getPacketType returns the packetType of a datagram's first packet,
// without verifying the packet is otherwise well-formed.
func getPacketType(b []byte) packetType {
	if len(b) == 0 {
		return packetTypeInvalid
	}
	if !isLongHeader(b[0]) {
		return packetType1RTT
	}
	if len(b) >= 5 && b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0 {
		return packetTypeVersionNegotiation
	}
	switch (b[0] >> 4) & 0x3 {
	case 0:
		return packetTypeInitial
	case 1:
		return packetType0RTT
	case 2:
		return packetTypeHandshake
	case 3:
		return packetTypeRetry
	}
	return packetTypeInvalid
}

func spaceForPacketType(ptype packetType) numberSpace {
	switch ptype {
	case packetTypeInitial:
		return initialSpace
	case packetTypeHandshake:
		return handshakeSpace
	case packetType0RTT, packetType1RTT:
		return appDataSpace
	default:
		panic("quic: packet type has no number space")
	}
}

// A genericLongPacket is the version- and type-independent prefix of a
// long header, parsed before we know enough to process the packet
// further (used for version negotiation and stateless replies to
// datagrams we can't otherwise associate with a connection).
type genericLongPacket struct {
	version   uint32
	dstConnID []byte
	srcConnID []byte
	rest      []byte // bytes following the source connection ID
}

// parseGenericLongHeaderPacket parses the common long-header prefix.
func parseGenericLongHeaderPacket(b []byte) (p genericLongPacket, ok bool) {
	if len(b) < 6 || !isLongHeader(b[0]) {
		return p, false
	}
	r := newByteReader(b[1:])
	p.version = r.uint32()
	dlen := int(r.uint8())
	p.dstConnID = r.bytes(dlen)
	slen := int(r.uint8())
	p.srcConnID = r.bytes(slen)
	if !r.ok() {
		return p, false
	}
	p.rest = r.remaining()
	return p, true
}

// dstConnIDForDatagram extracts the destination connection ID from the
// first packet of a datagram, long or short header, for demux routing.
// connIDLen is the length this endpoint uses for its own short-header
// connection IDs (out-of-band knowledge required to parse a short header).
func dstConnIDForDatagram(b []byte, connIDLen int) (cid []byte, ok bool) {
	if len(b) == 0 {
		return nil, false
	}
	if isLongHeader(b[0]) {
		p, ok := parseGenericLongHeaderPacket(b)
		if !ok {
			return nil, false
		}
		return p.dstConnID, true
	}
	if len(b) < 1+connIDLen {
		return nil, false
	}
	return b[1 : 1+connIDLen], true
}

// appendVersionNegotiation builds a Version Negotiation packet addressed
// to dstConnID from srcConnID (the caller passes the triggering packet's
// source and destination IDs, swapped, since we're replying) and listing
// the given versions, per RFC 9000 Section 17.2.1.
func appendVersionNegotiation(b []byte, dstConnID, srcConnID []byte, versions ...uint32) []byte {
	b = append(b, headerFormLong|fixedBit) // arbitrary random bits are fine; fixedBit set for realism
	b = appendUint32(b, 0)                 // version 0 marks Version Negotiation
	b = append(b, byte(len(dstConnID)))
	b = append(b, dstConnID...)
	b = append(b, byte(len(srcConnID)))
	b = append(b, srcConnID...)
	for _, v := range versions {
		b = appendUint32(b, v)
	}
	return b
}

// parseVersionNegotiation parses a Version Negotiation packet's
// supported-version list.
func parseVersionNegotiation(b []byte) (versions []uint32, ok bool) {
	p, ok := parseGenericLongHeaderPacket(b)
	if !ok || p.version != 0 {
		return nil, false
	}
	if len(p.rest)%4 != 0 {
		return nil, false
	}
	for i := 0; i+4 <= len(p.rest); i += 4 {
		versions = append(versions, binary.BigEndian.Uint32(p.rest[i:i+4]))
	}
	return versions, true
}

// isGreaseVersion reports whether v is one of the reserved 0x?a?a?a?a
// version numbers used for greasing version negotiation (RFC 9000
// Section 15.3).
func isGreaseVersion(v uint32) bool {
	return v&0x0f0f0f0f == 0x0a0a0a0a
}
