// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// connCloseState tracks a connection's progress through the closing and
// draining states of RFC 9000 Section 10: once either endpoint decides
// to close, it stops processing application data and, for up to three
// PTO intervals, does nothing but reply to any further incoming packet
// with the same CONNECTION_CLOSE frame (closing) or nothing at all
// (draining).
type connCloseState struct {
	closing  bool // Closing: retransmit CONNECTION_CLOSE on demand
	draining bool // Draining: send nothing, discard further packets
	drained  bool // fully torn down; loop() exits

	localErr error // reason we are closing, if initiated locally
	peerErr  error // reason reported by the peer, if initiated remotely

	closeFrameTransport *debugFrameConnectionCloseTransport
	closeFrameApp       *debugFrameConnectionCloseApp

	drainEnd time.Time

	// Rate limiting for the Closing state's CONNECTION_CLOSE replies
	// (RFC 9000 Section 10.2.1): a reply is sent at most once per
	// triggering packet, and after the n-th reply the next one waits
	// PTO << min(n, 6), so a peer that keeps probing does not get an
	// unbounded reply stream.
	pendingReply bool
	sentCount    int
	nextSendOK   time.Time
}

// enterClosing begins the closing state with a locally-originated error,
// arming the draining deadline and queuing the first CONNECTION_CLOSE
// for transmission.
func (c *Conn) enterClosing(now time.Time, err error) {
	if c.closeState.closing || c.closeState.draining || c.closeState.drained {
		return
	}
	c.closeState.closing = true
	c.closeState.localErr = err
	switch e := err.(type) {
	case localTransportError:
		f := debugFrameConnectionCloseTransport{code: e.code, reason: e.reason}
		c.closeState.closeFrameTransport = &f
	case *ApplicationError:
		f := debugFrameConnectionCloseApp{code: e.Code, reason: e.Reason}
		c.closeState.closeFrameApp = &f
	}
	c.closeState.pendingReply = true
	c.armDrainTimer(now)
}

// enterDraining moves directly to the draining state, either because the
// peer's CONNECTION_CLOSE was received or because this endpoint is being
// torn down locally without needing to notify the peer again. A
// connection already in Closing keeps its original drain deadline
// (RFC 9000 Section 10.2.2).
func (c *Conn) enterDraining(now time.Time) {
	if c.closeState.draining || c.closeState.drained {
		return
	}
	wasClosing := c.closeState.closing
	c.closeState.closing = false
	c.closeState.draining = true
	c.closeState.pendingReply = false
	if !wasClosing {
		c.armDrainTimer(now)
	}
}

func (c *Conn) armDrainTimer(now time.Time) {
	pto := c.loss.rtt.pto()
	c.closeState.drainEnd = now.Add(3 * pto)
}

// checkDrainTimer marks the connection fully drained once the draining
// period elapses, allowing its resources to be released.
func (c *Conn) checkDrainTimer(now time.Time) {
	if (c.closeState.closing || c.closeState.draining) &&
		!c.closeState.drainEnd.IsZero() && !now.Before(c.closeState.drainEnd) {
		c.closeState.drained = true
	}
}

// sendCloseFrame appends this connection's CONNECTION_CLOSE frame to the
// packet writer for the given space. An application-close reason is
// never placed in an Initial or Handshake packet (it could leak
// application state to an on-path observer before the handshake
// authenticates the peer); it is converted to a generic transport close
// instead, per RFC 9000 Section 10.2.3.
func (c *Conn) sendCloseFrame(space numberSpace) bool {
	if f := c.closeState.closeFrameTransport; f != nil {
		return c.w.appendConnectionCloseTransportFrame(f.code, f.frameType, f.reason)
	}
	if f := c.closeState.closeFrameApp; f != nil {
		if space == appDataSpace {
			return c.w.appendConnectionCloseAppFrame(f.code, f.reason)
		}
		return c.w.appendConnectionCloseTransportFrame(errApplicationError, 0, "")
	}
	return false
}

// sendCloseDatagram builds and sends one datagram carrying this
// connection's CONNECTION_CLOSE frame, coalescing a copy into every
// packet-protection space still keyed on the send side, and returns the
// next time a reply may be sent. It is a no-op, returning the zero
// time, when no reply is currently queued or the reply-rate threshold
// has not yet elapsed.
func (c *Conn) sendCloseDatagram(now time.Time) time.Time {
	if !c.closeState.pendingReply || now.Before(c.closeState.nextSendOK) {
		return time.Time{}
	}
	c.w.reset(c.loss.maxSendSize())
	for _, space := range [...]numberSpace{initialSpace, handshakeSpace, appDataSpace} {
		switch space {
		case initialSpace, handshakeSpace:
			k := &c.tlsState.wkeys[space]
			if !k.isSet() {
				continue
			}
			ptype := packetTypeInitial
			if space == handshakeSpace {
				ptype = packetTypeHandshake
			}
			pnumMaxAcked := c.acks[space].largestSeen()
			pnum := c.loss.nextNumber(space)
			p := longPacket{
				ptype:     ptype,
				version:   1,
				num:       pnum,
				dstConnID: c.connIDState.dstConnID(),
				srcConnID: c.connIDState.srcConnID(),
				token:     c.retryToken,
			}
			c.w.startProtectedLongHeaderPacket(pnumMaxAcked, p)
			c.sendCloseFrame(space)
			if sent := c.w.finishProtectedLongHeaderPacket(pnumMaxAcked, k, p); sent != nil {
				c.loss.packetSent(now, space, sent)
			}
		case appDataSpace:
			k := &c.tlsState.wkeys[appDataSpace]
			if !k.isSet() {
				continue
			}
			pnumMaxAcked := c.acks[appDataSpace].largestSeen()
			pnum := c.loss.nextNumber(appDataSpace)
			dstConnID := c.connIDState.dstConnID()
			c.w.start1RTTPacket(pnum, pnumMaxAcked, dstConnID, c.tlsState.oneRTT.writePhase)
			c.sendCloseFrame(appDataSpace)
			if sent := c.w.finish1RTTPacket(pnum, pnumMaxAcked, dstConnID, k); sent != nil {
				c.loss.packetSent(now, appDataSpace, sent)
			}
		}
	}
	buf := c.w.datagram()
	if len(buf) == 0 {
		return time.Time{}
	}
	c.listener.sendDatagram(buf, c.peerAddr)
	c.closeState.pendingReply = false
	c.closeState.sentCount++
	backoff := c.loss.rtt.pto() << min(c.closeState.sentCount, 6)
	c.closeState.nextSendOK = now.Add(backoff)
	return c.closeState.nextSendOK
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
