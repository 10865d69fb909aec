// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"time"
)

// handleDatagram processes one received UDP payload, which may contain
// several coalesced QUIC packets.
func (c *Conn) handleDatagram(now time.Time, d *datagram) {
	if c.closeState.draining || c.closeState.drained {
		// RFC 9000 Section 10.2.2: a draining endpoint retains state only
		// to discard further packets; it never inspects or replies to them.
		return
	}
	c.loss.recordDatagramReceived(len(d.b))
	if c.closeState.closing {
		// RFC 9000 Section 10.2.1: while closing, any packet that still
		// demultiplexes to this connection re-arms the rate-limited
		// CONNECTION_CLOSE reply; frame processing below may also observe
		// the peer's own CONNECTION_CLOSE and transition to draining.
		c.closeState.pendingReply = true
	}
	buf := d.b
	for len(buf) > 0 {
		if buf[0] == 0 {
			return // remainder is datagram padding
		}
		ptype := getPacketType(buf)
		switch ptype {
		case packetTypeVersionNegotiation:
			c.handleVersionNegotiation(now, buf)
			return
		case packetTypeRetry:
			c.handleRetryPacket(now, buf)
			return
		case packetTypeInitial, packetType0RTT, packetTypeHandshake:
			space := spaceForPacketType(ptype)
			k := &c.tlsState.rkeys[space]
			if !k.isSet() {
				return
			}
			p, n := parseLongHeaderPacket(buf, k, c.acks[space].largestSeen())
			if n < 0 {
				return
			}
			if k.aeadLimitReached() {
				c.enterClosing(now, newError(errAEADLimitReached, "read key reuse limit reached"))
				return
			}
			c.connIDState.setPeerSrcConnID(p.srcConnID)
			c.handlePacketPayload(now, ptype, space, p.num, p.dstConnID, p.payload)
			if ptype == packetTypeHandshake && c.side == serverSide {
				// RFC 9001 Section 4.9.2: once the server has successfully
				// processed a Handshake packet, it will never accept
				// another Initial packet from this client.
				c.discardKeys(now, initialSpace)
			}
			buf = buf[n:]
		case packetType1RTT:
			if len(buf) < 1+connIDLen+1 {
				return
			}
			dstConnID := append([]byte(nil), buf[1:1+connIDLen]...)
			p, n, err := c.handle1RTTPacket(now, buf)
			if err != nil {
				if te, ok := err.(localTransportError); ok {
					c.enterClosing(now, te)
				}
				return
			}
			if n < 0 {
				return
			}
			if d.peerAddr != c.path.peerAddr && c.tlsState.handshakeConfirmed {
				if c.path.beginMigration(now, d.peerAddr) {
					// Packets authenticated under our 1-RTT keys are already
					// strong evidence the new address is reachable by our
					// peer; we start sending there immediately and confirm
					// full reachability with the outstanding PATH_CHALLENGE
					// (RFC 9000 Section 9.3).
					c.peerAddr = d.peerAddr
				}
			}
			c.handlePacketPayload(now, packetType1RTT, appDataSpace, p.num, dstConnID, p.payload)
			buf = buf[n:]
		default:
			return
		}
	}
}

// handle1RTTPacket removes header protection and authenticates a
// short-header packet, trial-decrypting against the previous or next
// key phase when the packet's key phase bit doesn't match what this
// connection currently expects to receive (RFC 9001 Section 6.3). It
// returns errAEADLimitReached when a successful open exhausts the read
// key's integrity limit, and a key-update error for the two conditions
// that make a phase mismatch illegitimate rather than merely
// undecryptable: the handshake isn't confirmed yet, or a prior
// peer-initiated update is still unsettled.
func (c *Conn) handle1RTTPacket(now time.Time, datagramBuf []byte) (p shortPacket, n int, err error) {
	rk := &c.tlsState.rkeys[appDataSpace]
	if !rk.isSet() {
		return p, -1, nil
	}
	buf := append([]byte(nil), datagramBuf...)
	pnumMax := c.acks[appDataSpace].largestSeen()
	pnumOff, pnumLen, num, ok := unprotect1RTTPacketHeader(buf, connIDLen, rk, pnumMax)
	if !ok {
		return p, -1, nil
	}
	keyPhase := keyPhaseBit(buf)
	oneRTT := &c.tlsState.oneRTT

	if keyPhase == oneRTT.readPhase {
		p, ok = open1RTTPacketPayload(buf, pnumOff, pnumLen, num, keyPhase, rk)
		if !ok {
			return p, -1, nil
		}
		if rk.aeadLimitReached() {
			return p, -1, newError(errAEADLimitReached, "read key reuse limit reached")
		}
		if oneRTT.updatePending && num > oneRTT.firstPacketNumberInPhase {
			oneRTT.updatePending = false
		}
		return p, len(buf), nil
	}

	// The packet claims a phase other than the one we currently expect.
	// It is either a reordered packet sent under the phase we just
	// rotated out of, or an attempt (ours to accept or reject) at a new
	// peer-initiated update.
	if oneRTT.prevRkeys.isSet() && num < oneRTT.firstPacketNumberInPhase {
		p, ok = open1RTTPacketPayload(buf, pnumOff, pnumLen, num, keyPhase, &oneRTT.prevRkeys)
		if !ok {
			return p, -1, nil
		}
		if oneRTT.prevRkeys.aeadLimitReached() {
			return p, -1, newError(errAEADLimitReached, "read key reuse limit reached")
		}
		return p, len(buf), nil
	}

	if !c.tlsState.handshakeConfirmed {
		return p, -1, newError(errKeyUpdate, "key update attempted before handshake confirmed")
	}
	if oneRTT.updatePending {
		return p, -1, newError(errKeyUpdate, "key update attempted before previous update settled")
	}

	p, ok = open1RTTPacketPayload(buf, pnumOff, pnumLen, num, keyPhase, &oneRTT.nextRkeys)
	if !ok {
		return p, -1, nil
	}
	if oneRTT.nextRkeys.aeadLimitReached() {
		return p, -1, newError(errAEADLimitReached, "read key reuse limit reached")
	}
	c.tlsState.rotateReadPhase(now, c.loss.rtt.pto(), num)
	return p, len(buf), nil
}

func (c *Conn) handlePacketPayload(now time.Time, ptype packetType, space numberSpace, num packetNumber, dstConnID []byte, payload []byte) {
	if c.acks[space].isDuplicate(num) {
		return
	}
	ackEliciting, err := c.handleFrames(now, ptype, space, dstConnID, payload)
	if err != nil {
		if te, ok := err.(localTransportError); ok {
			c.enterClosing(now, te)
		}
		return
	}
	c.acks[space].receive(now, num, ackEliciting, ecnNotECT)
	c.idleTimeout = now.Add(c.effectiveIdleTimeout())
}

func (c *Conn) effectiveIdleTimeout() time.Duration {
	d := defaultMaxIdleTimeout
	if c.config != nil && c.config.MaxIdleTimeout > 0 {
		d = c.config.MaxIdleTimeout
	}
	// The peer's advertised max_idle_timeout, once known, caps ours.
	if peer := time.Duration(c.peerTransportParams.maxIdleTimeout) * time.Millisecond; peer > 0 && peer < d {
		d = peer
	}
	return d
}

// handleFrames decodes and dispatches every frame in payload, reusing
// the same frame decoder tests use to build expectations, so the wire
// format is defined in exactly one place.
func (c *Conn) handleFrames(now time.Time, ptype packetType, space numberSpace, dstConnID []byte, payload []byte) (ackEliciting bool, err error) {
	for len(payload) > 0 {
		if payload[0] == frameTypePadding {
			payload = payload[1:]
			continue
		}
		t := payload[0]
		if !frameAllowedIn(uint64(t), ptype) {
			return ackEliciting, newError(errProtocolViolation, "frame type not allowed in this packet")
		}
		f, n := parseDebugFrame(payload)
		if n < 0 {
			return ackEliciting, newError(errFrameEncoding, "frame parse error")
		}
		payload = payload[n:]
		if t != frameTypeAck && t != frameTypeAckECN {
			ackEliciting = true
		}
		if ferr := c.handleFrame(now, space, dstConnID, f); ferr != nil {
			return ackEliciting, ferr
		}
	}
	return ackEliciting, nil
}

func (c *Conn) handleFrame(now time.Time, space numberSpace, dstConnID []byte, f debugFrame) error {
	switch v := f.(type) {
	case debugFramePadding, debugFramePing:
	case debugFrameAck:
		c.handleAckFrame(now, space, v)
	case debugFrameCrypto:
		return c.handleCryptoFrameRecv(now, space, v)
	case debugFrameStream:
		return c.handleStreamFrameRecv(v)
	case debugFrameResetStream:
		c.handleResetStreamFrameRecv(v)
	case debugFrameStopSending:
		c.handleStopSendingFrameRecv(v)
	case debugFrameMaxData:
		c.streams.mu.Lock()
		if v.max > c.streams.dataLimit {
			c.streams.dataLimit = v.max
		}
		c.streams.mu.Unlock()
	case debugFrameMaxStreamData:
		if st := c.lookupStream(v.id); st != nil {
			st.send.mu.Lock()
			if v.max > st.send.limit {
				st.send.limit = v.max
			}
			st.send.mu.Unlock()
		}
	case debugFrameMaxStreams:
		c.streams.mu.Lock()
		if v.uni {
			if v.max > c.streams.peerMaxStreamsUni {
				c.streams.peerMaxStreamsUni = v.max
			}
		} else if v.max > c.streams.peerMaxStreamsBidi {
			c.streams.peerMaxStreamsBidi = v.max
		}
		c.streams.cond.Broadcast()
		c.streams.mu.Unlock()
	case debugFrameDataBlocked, debugFrameStreamDataBlocked, debugFrameStreamsBlocked:
		// Informational only: our flow-control limits are driven by our
		// own buffering policy, not by the peer telling us it is blocked.
	case debugFrameNewConnectionID:
		if err := c.connIDState.handleNewConnectionID(v.seq, v.retirePriorTo, v.cid, v.token); err != nil {
			return err
		}
		if reg, ok := c.registry(); ok {
			reg.addResetToken(c, v.token)
		}
		return nil
	case debugFrameRetireConnectionID:
		if cid := c.connIDState.localBySeq(v.seq); cid != nil {
			if reg, ok := c.registry(); ok {
				reg.removeConnID(c, cid.cid)
			}
		}
		return c.connIDState.handleRetireConnectionID(v.seq, dstConnID)
	case debugFramePathChallenge:
		resp := handlePathChallenge(v.data)
		c.pendingPathResponse = &resp
	case debugFramePathResponse:
		c.path.handlePathResponse(v.data)
	case debugFrameNewToken:
		// Retain the token for a caller (the endpoint layer) to pick up
		// once this connection finishes, for use addressing the same
		// peer on a future Dial.
		c.receivedTokens = append(c.receivedTokens, append([]byte(nil), v.token...))
	case debugFrameHandshakeDone:
		if c.side != clientSide {
			return newError(errProtocolViolation, "HANDSHAKE_DONE received by server")
		}
		c.tlsState.handshakeConfirmed = true
		c.handshakeConfirmedTime = now
		c.discardKeys(now, handshakeSpace)
	case debugFrameConnectionCloseTransport:
		c.closeState.peerErr = peerTransportError{code: v.code, reason: v.reason}
		c.enterDraining(now)
	case debugFrameConnectionCloseApp:
		c.closeState.peerErr = &ApplicationError{Code: v.code, Reason: v.reason}
		c.enterDraining(now)
	}
	return nil
}

func (c *Conn) lookupStream(id int64) *Stream {
	c.streams.mu.Lock()
	defer c.streams.mu.Unlock()
	return c.streams.streams[id]
}

func (c *Conn) handleAckFrame(now time.Time, space numberSpace, f debugFrameAck) {
	c.processAck(now, space, f.ranges, scaledAckDelay(f.ackDelay, int(c.peerTransportParams.ackDelayExponent)))
	if f.ecn {
		c.path.onECNCounts(f.ect0, f.ce)
	}
}

func (c *Conn) handleCryptoFrameRecv(now time.Time, space numberSpace, f debugFrameCrypto) error {
	cs := &c.cryptoStream[space]
	newData, err := cs.handleCryptoFrame(f.off, f.data)
	if err != nil {
		return err
	}
	if len(newData) == 0 || c.tlsState.engine == nil {
		return nil
	}
	events, err := c.tlsState.engine.Advance(space, newData)
	if err != nil {
		return newError(errCryptoBase, err.Error())
	}
	c.applyTLSEvents(now, events)
	return nil
}

func (c *Conn) applyTLSEvents(now time.Time, events []TLSEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case TLSEventWriteCrypto:
			c.cryptoStream[ev.Level].queueSend(ev.Data)
		case TLSEventInstallWriteKeys:
			c.tlsState.installWriteKeys(ev.Level, ev.Suite, ev.Secret)
		case TLSEventInstallReadKeys:
			c.tlsState.installReadKeys(ev.Level, ev.Suite, ev.Secret)
		case TLSEventPeerTransportParameters:
			p, ok := parseTransportParameters(ev.PeerTransportParameters)
			if !ok {
				continue
			}
			if c.side == clientSide {
				if !bytes.Equal(p.originalDstConnID, c.connIDState.originalDstConnID()) {
					c.enterClosing(now, newError(errProtocolViolation, "original_destination_connection_id mismatch"))
					continue
				}
				if c.retryDone && !bytes.Equal(p.retrySrcConnID, c.connIDState.dstConnID()) {
					c.enterClosing(now, newError(errProtocolViolation, "retry_source_connection_id mismatch"))
					continue
				}
			}
			c.peerTransportParams = p
			c.streams.setPeerParams(&c.peerTransportParams)
		case TLSEventHandshakeComplete:
			if !c.tlsState.handshakeDone {
				c.tlsState.handshakeDone = true
				close(c.handshakeDonec)
			}
			if c.side == serverSide {
				// The server considers the handshake confirmed as soon as
				// it completes; the client waits for HANDSHAKE_DONE.
				c.tlsState.handshakeConfirmed = true
				c.handshakeConfirmedTime = now
				c.discardKeys(now, handshakeSpace)
			}
		}
	}
}

func (c *Conn) handleStreamFrameRecv(f debugFrameStream) error {
	st, err := c.streams.getOrCreatePeerStream(c, f.id)
	if err != nil {
		return err
	}
	return st.handleStreamFrame(f.off, f.data, f.fin)
}

func (c *Conn) handleResetStreamFrameRecv(f debugFrameResetStream) {
	st, err := c.streams.getOrCreatePeerStream(c, f.id)
	if err != nil {
		return
	}
	st.recv.mu.Lock()
	st.recv.closed = true
	st.recv.resetCode = &f.code
	if st.recv.cond != nil {
		st.recv.cond.Broadcast()
	}
	st.recv.mu.Unlock()
}

func (c *Conn) handleStopSendingFrameRecv(f debugFrameStopSending) {
	st, err := c.streams.getOrCreatePeerStream(c, f.id)
	if err != nil {
		return
	}
	st.Reset(f.code)
}

// handleVersionNegotiation processes a server's Version Negotiation
// packet: per spec scope ("detecting and echoing unsupported versions"
// is the extent of version negotiation this core performs), a client
// that can't find version 1 in the list has no path forward and aborts
// the attempt without sending anything further, since no shared key
// material was ever negotiated that a peer could authenticate a
// CONNECTION_CLOSE with. A server never receives this packet type.
func (c *Conn) handleVersionNegotiation(now time.Time, buf []byte) {
	if c.side != clientSide || c.tlsState.handshakeDone {
		return
	}
	versions, ok := parseVersionNegotiation(buf)
	if !ok {
		return
	}
	for _, v := range versions {
		if v == quicVersion1 {
			return // peer does speak our version; ignore the spurious packet
		}
	}
	c.closeState.localErr = newError(errInternal, "server does not support QUIC version 1")
	c.closeState.drained = true
}

// handleRetryPacket processes a server Retry: verifies its integrity
// tag against the original destination connection ID, adopts the
// server's new source connection ID as the destination for subsequent
// Initial packets, rederives Initial secrets from it, and retains the
// token for every later Initial packet (RFC 9000 Section 8.1.2). A
// client MUST NOT act on more than one Retry (RFC 9000 Section 17.2.5.2).
func (c *Conn) handleRetryPacket(now time.Time, buf []byte) {
	if c.side != clientSide || c.tlsState.handshakeDone || c.retryDone {
		return
	}
	// Retry has no packet number or AEAD protection; pass a zero keys
	// value since parseLongHeaderPacket returns before using it for
	// this packet type.
	p, n := parseLongHeaderPacket(buf, &keys{}, 0)
	if n < 0 || p.ptype != packetTypeRetry || len(p.payload) != 16 {
		return
	}
	tag := p.payload
	headerAndToken := buf[:len(buf)-16]
	if !verifyRetryIntegrityTag(headerAndToken, tag, c.connIDState.originalDstConnID()) {
		return
	}

	c.retryDone = true
	c.retryToken = append([]byte(nil), p.token...)
	c.connIDState.setPeerSrcConnID(p.srcConnID)
	if err := c.tlsState.init(clientSide, p.srcConnID); err != nil {
		c.enterClosing(now, newError(errInternal, err.Error()))
		return
	}
	// The CRYPTO data already queued for the Initial space (our
	// ClientHello) is retransmitted unchanged under the new keys; only
	// the packet number space's send state resets along with the keys.
	c.loss.spaces[initialSpace] = lossSpace{}
	c.cryptoStream[initialSpace].restartSend()
}

// handleStatelessReset processes a datagram an Endpoint could not
// associate with any connection ID but whose trailing bytes matched a
// token this Conn told the Endpoint to watch for: one of the stateless
// reset tokens our peer advertised for its own connection IDs (RFC 9000
// Section 10.3.1). It is invoked on the event loop via sendMsg, never
// called directly from the receive path.
func (c *Conn) handleStatelessReset(now time.Time, token statelessResetToken) {
	if c.closeState.draining || c.closeState.drained {
		return
	}
	found := false
	for i := range c.connIDState.remote {
		if constantTimeEqualToken(c.connIDState.remote[i].resetToken, token) {
			found = true
			break
		}
	}
	if !found {
		return
	}
	c.closeState.peerErr = statelessResetError{}
	c.closeState.drained = true
}
