// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"fmt"
	"time"
)

// A TLSEngine drives the TLS 1.3 handshake for a connection, external to
// this package: it consumes CRYPTO-stream bytes and produces
// CRYPTO-stream bytes and key updates. A production binary wires this to
// crypto/tls's QUIC transport hooks; tests may substitute a fake.
type TLSEngine interface {
	// Advance delivers newly-reassembled CRYPTO data received at level,
	// and returns any CRYPTO data the engine wants to send (possibly at
	// a different, later level) plus any newly available key material.
	Advance(level numberSpace, data []byte) (events []TLSEvent, err error)

	// SetTransportParameters supplies this endpoint's transport
	// parameters for inclusion in the handshake; it is
	// called once, before the handshake begins.
	SetTransportParameters(params []byte)
}

// A TLSEvent is one effect the TLS engine wants applied to the
// connection: data to send on a CRYPTO stream, a key installation, the
// peer's transport parameters, or handshake completion.
type TLSEvent struct {
	Kind TLSEventKind

	Level numberSpace
	Data  []byte // CRYPTO data to send, for TLSEventWriteCrypto

	Suite  aeadSuite // for TLSEventInstallReadKeys / WriteKeys
	Secret []byte

	PeerTransportParameters []byte // for TLSEventPeerTransportParameters
}

type TLSEventKind int

const (
	TLSEventWriteCrypto TLSEventKind = iota
	TLSEventInstallReadKeys
	TLSEventInstallWriteKeys
	TLSEventPeerTransportParameters
	TLSEventHandshakeComplete
)

// connTLSState holds the handshake-related state of a Conn: the external
// TLS engine, the per-space key material it has installed so far, and
// the independent read/write key-phase state for 1-RTT traffic.
type connTLSState struct {
	engine TLSEngine

	wkeys [numberSpaceCount]keys
	rkeys [numberSpaceCount]keys

	oneRTT oneRTTKeyUpdateState

	handshakeDone      bool
	handshakeConfirmed bool
	handshakeDoneSent  bool // server only: HANDSHAKE_DONE has been placed on the wire

	origDstConnID []byte // client only: the CID the first Initial used
}

// oneRTTKeyUpdateState tracks 1-RTT key-phase state for the write and
// read directions independently, as RFC 9001 Section 6 permits: an
// endpoint may initiate its own key update without waiting for, or
// synchronizing phase with, an update the peer initiates.
type oneRTTKeyUpdateState struct {
	// writePhase is the key phase bit placed on outgoing 1-RTT packets.
	// nextWkeys holds the keys for writePhase^1, precomputed so a key
	// update never has to derive on the send path. ackedCurrentPhase
	// gates initiateKeyUpdate: RFC 9001 Section 6.1 forbids initiating a
	// new update until an acknowledgement for a packet sent in the
	// current phase has been received.
	writePhase        int
	nextWkeys         keys
	ackedCurrentPhase bool

	// readPhase is the key phase bit this connection currently expects
	// on incoming 1-RTT packets. nextRkeys holds the phase it will move
	// to on the next peer-initiated update; prevRkeys holds the phase it
	// just moved out of, retained only long enough to accept reordered
	// packets sent under the old phase (RFC 9001 Section 6.3) before
	// prevDiscardTime.
	readPhase                int
	nextRkeys                keys
	prevRkeys                keys
	prevDiscardTime          time.Time
	firstPacketNumberInPhase packetNumber
	updatePending            bool // set on rotation, cleared once a later packet in the new phase confirms it settled; a second flip while still set is rejected
}

func (t *connTLSState) init(side connSide, origDstConnID []byte) error {
	if origDstConnID == nil {
		return fmt.Errorf("quic: missing original destination connection ID")
	}
	t.origDstConnID = origDstConnID
	w, r := initialKeys(origDstConnID, side)
	t.wkeys[initialSpace] = w
	t.rkeys[initialSpace] = r
	return nil
}

// installWriteKeys and installReadKeys record newly derived key material for level, as reported
// by the TLS engine via a TLSEvent. For appDataSpace, it also
// precomputes the keys for the first key update so initiateKeyUpdate
// and phase-mismatch trial decryption never need to derive on the fly.
func (t *connTLSState) installWriteKeys(level numberSpace, suite aeadSuite, secret []byte) {
	t.wkeys[level] = newKeys(suite, secret)
	if level == appDataSpace {
		next := nextKeyPhaseSecret(suite.hash(), secret)
		t.oneRTT.writePhase = 0
		t.oneRTT.nextWkeys = newUpdatedKeys(suite, next, t.wkeys[level].hpKey)
		t.oneRTT.ackedCurrentPhase = false
	}
}

func (t *connTLSState) installReadKeys(level numberSpace, suite aeadSuite, secret []byte) {
	t.rkeys[level] = newKeys(suite, secret)
	if level == appDataSpace {
		next := nextKeyPhaseSecret(suite.hash(), secret)
		t.oneRTT.readPhase = 0
		t.oneRTT.nextRkeys = newUpdatedKeys(suite, next, t.rkeys[level].hpKey)
		t.oneRTT.prevRkeys = keys{}
	}
}

// discardKeys zeroes and clears the keys for level, once that packet
// number space will never be used again.
func (t *connTLSState) discardKeys(level numberSpace) {
	t.wkeys[level].zero()
	t.rkeys[level].zero()
}

// initiateKeyUpdate rotates this connection's write phase, returning
// false if an update initiated earlier has not yet been acknowledged
// (RFC 9001 Section 6.1 forbids overlapping self-initiated updates).
func (t *connTLSState) initiateKeyUpdate() bool {
	if !t.oneRTT.ackedCurrentPhase {
		return false
	}
	suite := t.wkeys[appDataSpace].suite
	hpKey := t.wkeys[appDataSpace].hpKey
	secret := t.oneRTT.nextWkeys.secret
	t.wkeys[appDataSpace] = t.oneRTT.nextWkeys
	t.oneRTT.writePhase ^= 1
	t.oneRTT.ackedCurrentPhase = false
	next := nextKeyPhaseSecret(suite.hash(), secret)
	t.oneRTT.nextWkeys = newUpdatedKeys(suite, next, hpKey)
	return true
}

// rotateReadPhase advances the read phase after accepting a packet
// protected under nextRkeys, the phase the peer has moved to.
// firstPacketNumber is the packet number that triggered the rotation,
// recorded so a later, lower-numbered packet in the old phase can still
// be accepted as a legitimately reordered packet rather than rejected
// as a second consecutive update (RFC 9001 Section 6.2).
func (t *connTLSState) rotateReadPhase(now time.Time, pto time.Duration, firstPacketNumber packetNumber) {
	suite := t.rkeys[appDataSpace].suite
	hpKey := t.rkeys[appDataSpace].hpKey
	secret := t.oneRTT.nextRkeys.secret

	t.oneRTT.prevRkeys = t.rkeys[appDataSpace]
	t.oneRTT.prevDiscardTime = now.Add(3 * pto)

	t.rkeys[appDataSpace] = t.oneRTT.nextRkeys
	t.oneRTT.readPhase ^= 1
	t.oneRTT.firstPacketNumberInPhase = firstPacketNumber
	t.oneRTT.updatePending = true

	next := nextKeyPhaseSecret(suite.hash(), secret)
	t.oneRTT.nextRkeys = newUpdatedKeys(suite, next, hpKey)
}

// discardPrevReadPhaseIfExpired zeroes the retired read-phase keys once
// 3*PTO has elapsed since the rotation that retired them, per RFC 9001
// Section 6.1's "MAY discard" guidance, bounding how long a decryption
// oracle for the old phase remains available.
func (t *connTLSState) discardPrevReadPhaseIfExpired(now time.Time) {
	if !t.oneRTT.prevRkeys.isSet() || t.oneRTT.prevDiscardTime.IsZero() {
		return
	}
	if now.Before(t.oneRTT.prevDiscardTime) {
		return
	}
	t.oneRTT.prevRkeys.zero()
	t.oneRTT.prevDiscardTime = time.Time{}
}
