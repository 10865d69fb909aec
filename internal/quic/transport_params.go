// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "net/netip"

// Transport parameter IDs, RFC 9000 Section 18.2.
const (
	tpOriginalDestinationConnectionID = 0x00
	tpMaxIdleTimeout                  = 0x01
	tpStatelessResetToken             = 0x02
	tpMaxUDPPayloadSize               = 0x03
	tpInitialMaxData                  = 0x04
	tpInitialMaxStreamDataBidiLocal   = 0x05
	tpInitialMaxStreamDataBidiRemote  = 0x06
	tpInitialMaxStreamDataUni         = 0x07
	tpInitialMaxStreamsBidi           = 0x08
	tpInitialMaxStreamsUni            = 0x09
	tpAckDelayExponent                = 0x0a
	tpMaxAckDelay                     = 0x0b
	tpDisableActiveMigration          = 0x0c
	tpPreferredAddress                = 0x0d
	tpActiveConnectionIDLimit         = 0x0e
	tpInitialSourceConnectionID       = 0x0f
	tpRetrySourceConnectionID         = 0x10
)

// A preferredAddress is the value of the preferred_address transport
// parameter (RFC 9000 Section 18.2). This implementation parses it but
// never acts on it: connection migration to a server-advertised
// preferred address is not performed automatically.
type preferredAddress struct {
	v4         netip.AddrPort
	v6         netip.AddrPort
	connID     []byte
	resetToken statelessResetToken
}

// transportParameters holds the negotiated (or, before the handshake
// completes, locally intended) QUIC transport parameters, RFC 9000
// Section 18.2.
type transportParameters struct {
	originalDstConnID      []byte
	initialSrcConnID       []byte
	retrySrcConnID         []byte
	maxIdleTimeout         uint64 // milliseconds
	statelessResetToken    *statelessResetToken
	maxUDPPayloadSize      uint64
	initialMaxData         uint64
	initialMaxStreamDataBidiLocal  uint64
	initialMaxStreamDataBidiRemote uint64
	initialMaxStreamDataUni        uint64
	initialMaxStreamsBidi  uint64
	initialMaxStreamsUni   uint64
	ackDelayExponent       uint64
	maxAckDelay            uint64 // milliseconds
	disableActiveMigration bool
	activeConnectionIDLimit uint64
	preferredAddr          *preferredAddress
}

func defaultTransportParameters() transportParameters {
	return transportParameters{
		maxUDPPayloadSize:       1472,
		ackDelayExponent:        ackDelayExponent,
		maxAckDelay:             25,
		activeConnectionIDLimit: maxActiveConnIDs,
	}
}

// appendTransportParameters encodes p as the body of a TLS quic_transport_parameters extension.
func appendTransportParameters(b []byte, p *transportParameters) []byte {
	appendTP := func(id uint64, val []byte) {
		b = appendVarint(b, id)
		b = appendVarintBytes(b, val)
	}
	appendVarintTP := func(id, val uint64) {
		appendTP(id, appendVarint(nil, val))
	}
	if p.originalDstConnID != nil {
		appendTP(tpOriginalDestinationConnectionID, p.originalDstConnID)
	}
	if p.maxIdleTimeout > 0 {
		appendVarintTP(tpMaxIdleTimeout, p.maxIdleTimeout)
	}
	if p.statelessResetToken != nil {
		appendTP(tpStatelessResetToken, p.statelessResetToken[:])
	}
	if p.maxUDPPayloadSize > 0 {
		appendVarintTP(tpMaxUDPPayloadSize, p.maxUDPPayloadSize)
	}
	appendVarintTP(tpInitialMaxData, p.initialMaxData)
	appendVarintTP(tpInitialMaxStreamDataBidiLocal, p.initialMaxStreamDataBidiLocal)
	appendVarintTP(tpInitialMaxStreamDataBidiRemote, p.initialMaxStreamDataBidiRemote)
	appendVarintTP(tpInitialMaxStreamDataUni, p.initialMaxStreamDataUni)
	appendVarintTP(tpInitialMaxStreamsBidi, p.initialMaxStreamsBidi)
	appendVarintTP(tpInitialMaxStreamsUni, p.initialMaxStreamsUni)
	if p.ackDelayExponent != 3 {
		appendVarintTP(tpAckDelayExponent, p.ackDelayExponent)
	}
	if p.maxAckDelay != 25 {
		appendVarintTP(tpMaxAckDelay, p.maxAckDelay)
	}
	if p.disableActiveMigration {
		appendTP(tpDisableActiveMigration, nil)
	}
	appendVarintTP(tpActiveConnectionIDLimit, p.activeConnectionIDLimit)
	if p.initialSrcConnID != nil {
		appendTP(tpInitialSourceConnectionID, p.initialSrcConnID)
	}
	if p.retrySrcConnID != nil {
		appendTP(tpRetrySourceConnectionID, p.retrySrcConnID)
	}
	return b
}

// parseTransportParameters decodes a peer's quic_transport_parameters
// extension body. Unknown parameter IDs are ignored.
func parseTransportParameters(b []byte) (transportParameters, bool) {
	p := transportParameters{
		ackDelayExponent: 3,
		maxAckDelay:      25,
	}
	r := newByteReader(b)
	for len(r.remaining()) > 0 {
		id := r.varint()
		val := r.varintBytes()
		if !r.ok() {
			return p, false
		}
		vr := newByteReader(val)
		switch id {
		case tpOriginalDestinationConnectionID:
			p.originalDstConnID = val
		case tpMaxIdleTimeout:
			p.maxIdleTimeout = vr.varint()
		case tpStatelessResetToken:
			if len(val) == statelessResetTokenLen {
				var tok statelessResetToken
				copy(tok[:], val)
				p.statelessResetToken = &tok
			}
		case tpMaxUDPPayloadSize:
			p.maxUDPPayloadSize = vr.varint()
		case tpInitialMaxData:
			p.initialMaxData = vr.varint()
		case tpInitialMaxStreamDataBidiLocal:
			p.initialMaxStreamDataBidiLocal = vr.varint()
		case tpInitialMaxStreamDataBidiRemote:
			p.initialMaxStreamDataBidiRemote = vr.varint()
		case tpInitialMaxStreamDataUni:
			p.initialMaxStreamDataUni = vr.varint()
		case tpInitialMaxStreamsBidi:
			p.initialMaxStreamsBidi = vr.varint()
		case tpInitialMaxStreamsUni:
			p.initialMaxStreamsUni = vr.varint()
		case tpAckDelayExponent:
			p.ackDelayExponent = vr.varint()
		case tpMaxAckDelay:
			p.maxAckDelay = vr.varint()
		case tpDisableActiveMigration:
			p.disableActiveMigration = true
		case tpActiveConnectionIDLimit:
			p.activeConnectionIDLimit = vr.varint()
		case tpInitialSourceConnectionID:
			p.initialSrcConnID = val
		case tpRetrySourceConnectionID:
			p.retrySrcConnID = val
		case tpPreferredAddress:
			pa, ok := parsePreferredAddress(val)
			if ok {
				p.preferredAddr = &pa
			}
		default:
			// Unknown parameter: ignore, per spec.
		}
	}
	return p, true
}

// parsePreferredAddress parses the preferred_address transport
// parameter's value (RFC 9000 Section 18.2). This implementation reads
// the parameter for completeness but no component acts on it: the path
// manager never initiates migration to it.
func parsePreferredAddress(b []byte) (preferredAddress, bool) {
	var pa preferredAddress
	r := newByteReader(b)
	v4ip := r.bytes(4)
	v4port := r.uint16()
	v6ip := r.bytes(16)
	v6port := r.uint16()
	cidLen := int(r.uint8())
	cid := r.bytes(cidLen)
	tok := r.bytes(statelessResetTokenLen)
	if !r.ok() {
		return pa, false
	}
	if addr, ok := netip.AddrFromSlice(v4ip); ok && v4port != 0 {
		pa.v4 = netip.AddrPortFrom(addr, v4port)
	}
	if addr, ok := netip.AddrFromSlice(v6ip); ok && v6port != 0 {
		pa.v6 = netip.AddrPortFrom(addr, v6port)
	}
	pa.connID = cid
	copy(pa.resetToken[:], tok)
	return pa, true
}
