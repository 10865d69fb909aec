// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// A longPacket is a decoded long-header packet (Initial, 0-RTT, or
// Handshake) after header protection removal and AEAD decryption.
type longPacket struct {
	ptype     packetType
	version   uint32
	num       packetNumber
	dstConnID []byte
	srcConnID []byte
	token     []byte
	payload   []byte
}

// parseLongHeaderPacket removes header protection and authenticates a
// long-header packet in buf using k, the receive keys for its space.
// pnumMax is the largest packet number previously received in that
// space, used to reconstruct the full packet number. It returns the
// decoded packet and the number of bytes of buf it (and any trailing
// padding belonging to this datagram slot) occupied, or n<0 on failure.
func parseLongHeaderPacket(buf []byte, k *keys, pnumMax packetNumber) (p longPacket, n int) {
	if len(buf) < 7 || !isLongHeader(buf[0]) {
		return p, -1
	}
	r := newByteReader(buf[1:])
	p.version = r.uint32()
	dlen := int(r.uint8())
	p.dstConnID = r.bytes(dlen)
	slen := int(r.uint8())
	p.srcConnID = r.bytes(slen)
	switch (buf[0] >> 4) & 0x3 {
	case 0:
		p.ptype = packetTypeInitial
		p.token = r.varintBytes()
	case 1:
		p.ptype = packetType0RTT
	case 2:
		p.ptype = packetTypeHandshake
	case 3:
		p.ptype = packetTypeRetry
	}
	if !r.ok() {
		return p, -1
	}
	if p.ptype == packetTypeRetry {
		return parseRetryPacket(buf, p, r.remaining())
	}
	length := r.varint()
	if !r.ok() {
		return p, -1
	}
	headerStart := 0
	pnumOff := len(buf) - len(r.remaining())
	if uint64(len(r.remaining())) < length {
		return p, -1
	}
	packetEnd := pnumOff + int(length)
	if packetEnd > len(buf) {
		return p, -1
	}
	bufSlice := append([]byte(nil), buf[headerStart:packetEnd]...)

	pnumLen, truncated := unprotectHeader(bufSlice, pnumOff, k, true)
	if pnumLen < 0 {
		return p, -1
	}
	// byte 0's reserved bits (0x0c) must be zero after removing protection.
	if bufSlice[0]&0x0c != 0 {
		return p, -1
	}
	p.num = decodePacketNumber(pnumMax, truncated, pnumLen)

	aad := bufSlice[:pnumOff+pnumLen]
	ciphertext := bufSlice[pnumOff+pnumLen:]
	plaintext, err := k.open(nil, aad, ciphertext, p.num)
	if err != nil {
		return p, -1
	}
	p.payload = plaintext
	return p, packetEnd
}

// parseRetryPacket parses a Retry packet's token and tag. Retry carries
// no packet number and cannot be acknowledged. afterHeader is the unread
// tail of buf positioned just after the source connection ID field. The
// integrity tag is not verified here: doing so requires the client's
// original destination connection ID, which only the caller (the
// handshake orchestrator, which chose that CID) has; see
// verifyRetryIntegrityTag and conn_recv.go's handleRetryPacket.
func parseRetryPacket(buf []byte, p longPacket, afterHeader []byte) (longPacket, int) {
	if len(afterHeader) < 16 {
		return p, -1
	}
	tagStart := len(buf) - 16
	p.token = afterHeader[:len(afterHeader)-16]
	p.payload = buf[tagStart:] // carries the 16-byte tag for the caller to verify
	return p, len(buf)
}

// A shortPacket is a decoded 1-RTT (short header) packet.
type shortPacket struct {
	num     packetNumber
	keyPhase int
	payload  []byte
}

// parse1RTTPacket removes header protection and authenticates a
// short-header packet using k. connIDLen is this endpoint's local
// connection ID length (needed to find the end of the destination CID
// field, which is not self-delimited on the wire). Callers that need to
// try more than one key phase against the same packet (a key-update
// trial decryption, RFC 9001 Section 6.3) should use
// unprotect1RTTPacketHeader and open1RTTPacketPayload directly instead,
// since header protection only needs removing once.
func parse1RTTPacket(buf []byte, k *keys, connIDLen int, pnumMax packetNumber) (p shortPacket, n int) {
	bufSlice := append([]byte(nil), buf...)
	pnumOff, pnumLen, num, ok := unprotect1RTTPacketHeader(bufSlice, connIDLen, k, pnumMax)
	if !ok {
		return p, -1
	}
	keyPhase := int(bufSlice[0]>>2) & 1
	p, ok = open1RTTPacketPayload(bufSlice, pnumOff, pnumLen, num, keyPhase, k)
	if !ok {
		return p, -1
	}
	return p, len(buf)
}

// unprotect1RTTPacketHeader removes header protection from a
// short-header packet in place and decodes its full packet number,
// without attempting AEAD decryption. Header protection uses the
// connection's single, never-rotated 1-RTT header-protection key (RFC
// 9001 Section 6.1), so this step doesn't depend on which key phase
// protected the packet, letting the caller decide which phase's AEAD
// key to open with only after seeing the decoded packet number.
func unprotect1RTTPacketHeader(buf []byte, connIDLen int, k *keys, pnumMax packetNumber) (pnumOff, pnumLen int, num packetNumber, ok bool) {
	if len(buf) < 1+connIDLen+1 || isLongHeader(buf[0]) {
		return 0, 0, 0, false
	}
	pnumOff = 1 + connIDLen
	var truncated uint32
	pnumLen, truncated = unprotectHeader(buf, pnumOff, k, false)
	if pnumLen < 0 {
		return 0, 0, 0, false
	}
	if buf[0]&0x18 != 0 {
		return 0, 0, 0, false // reserved bits must be zero
	}
	num = decodePacketNumber(pnumMax, truncated, pnumLen)
	return pnumOff, pnumLen, num, true
}

// open1RTTPacketPayload authenticates and decrypts a short-header packet
// already header-unprotected by unprotect1RTTPacketHeader, using k.
func open1RTTPacketPayload(buf []byte, pnumOff, pnumLen int, num packetNumber, keyPhase int, k *keys) (p shortPacket, ok bool) {
	aad := buf[:pnumOff+pnumLen]
	ciphertext := buf[pnumOff+pnumLen:]
	plaintext, err := k.open(nil, aad, ciphertext, num)
	if err != nil {
		return p, false
	}
	p.num = num
	p.keyPhase = keyPhase
	p.payload = plaintext
	return p, true
}

// keyPhaseBit extracts the key phase bit from a short-header packet
// without decrypting it, for deciding whether a key update is in
// progress before committing to an open attempt.
func keyPhaseBit(buf []byte) int {
	if len(buf) == 0 || isLongHeader(buf[0]) {
		return 0
	}
	return int(buf[0]>>2) & 1
}

var errDebugParse = fmt.Errorf("quic: parse error")
