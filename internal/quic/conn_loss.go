// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// packetThreshold is kPacketThreshold, RFC 9002 Section 6.1.1: a packet
// is declared lost once a later packet at least this far ahead of it
// has been acknowledged.
const packetThreshold = 3

// timeThresholdNumerator/Denominator is kTimeThreshold, RFC 9002
// Section 6.1.2: once a later packet has been acknowledged, a packet is
// also declared lost when it was sent at least this long ago.
const timeThresholdNumerator = 9
const timeThresholdDenominator = 8

// processAck applies a received ACK frame's ranges to the packets this
// connection has sent in space, per RFC 9002 Section 5 (RTT update) and
// Section 6 (loss detection), and releases or retries the information
// each acknowledged or lost packet carried.
func (c *Conn) processAck(now time.Time, space numberSpace, ranges rangeset, ackDelay time.Duration) {
	sp := &c.loss.spaces[space]
	if len(sp.sent) == 0 {
		return
	}
	largestAcked, ok := ranges.max()
	if !ok {
		return
	}
	if largestAcked > sp.largestAcked {
		sp.largestAcked = largestAcked
	}

	var newlyAckedLargestSent *sentPacket
	remaining := sp.sent[:0]
	for _, p := range sp.sent {
		if ranges.contains(p.num) {
			if newlyAckedLargestSent == nil || p.num > newlyAckedLargestSent.num {
				newlyAckedLargestSent = p
			}
			c.onPacketAcked(space, p)
			continue
		}
		remaining = append(remaining, p)
	}
	sp.sent = remaining

	if newlyAckedLargestSent != nil && newlyAckedLargestSent.ackEliciting && newlyAckedLargestSent.num == largestAcked {
		measured := now.Sub(newlyAckedLargestSent.sentTime)
		if measured > 0 {
			c.loss.rtt.update(measured, ackDelay, c.maxAckDelayDuration(), c.tlsState.handshakeConfirmed)
		}
	}
	if newlyAckedLargestSent != nil {
		c.loss.ptoCount = 0
	}

	c.detectAndRemoveLostPackets(now, space)
	c.setLossTimer(now)
}

func (c *Conn) maxAckDelayDuration() time.Duration {
	return time.Duration(c.peerTransportParams.maxAckDelay) * time.Millisecond
}

// detectAndRemoveLostPackets finds packets sent in space that must now
// be declared lost (RFC 9002 Section 6.1) and retries their contents.
func (c *Conn) detectAndRemoveLostPackets(now time.Time, space numberSpace) {
	sp := &c.loss.spaces[space]
	if sp.largestAcked < 0 {
		return
	}
	lossDelay := (c.loss.rtt.pto() * timeThresholdNumerator) / timeThresholdDenominator
	if lossDelay < granularity {
		lossDelay = granularity
	}
	lostSendTime := now.Add(-lossDelay)

	sp.lossTime = time.Time{}
	remaining := sp.sent[:0]
	var lostSize int
	var persistentCongestion bool
	var earliestLost, latestLost time.Time
	for _, p := range sp.sent {
		if p.num > sp.largestAcked {
			remaining = append(remaining, p)
			continue
		}
		byCount := sp.largestAcked-p.num >= packetThreshold
		byTime := !p.sentTime.After(lostSendTime)
		if !byCount && !byTime {
			next := p.sentTime.Add(lossDelay)
			if sp.lossTime.IsZero() || next.Before(sp.lossTime) {
				sp.lossTime = next
			}
			remaining = append(remaining, p)
			continue
		}
		c.onPacketLost(space, p)
		if p.inFlight {
			lostSize += p.size
		}
		if earliestLost.IsZero() || p.sentTime.Before(earliestLost) {
			earliestLost = p.sentTime
		}
		if p.sentTime.After(latestLost) {
			latestLost = p.sentTime
		}
	}
	sp.sent = remaining
	if lostSize == 0 {
		return
	}
	if !earliestLost.IsZero() && !latestLost.IsZero() &&
		latestLost.Sub(earliestLost) > c.persistentCongestionDuration() {
		persistentCongestion = true
	}
	c.loss.cc.onPacketsLost(now, lostSize, persistentCongestion)
}

func (c *Conn) persistentCongestionDuration() time.Duration {
	pto := c.loss.rtt.smoothed + max(4*c.loss.rtt.variance, granularity) + c.maxAckDelayDuration()
	return pto * persistentCongestionThreshold
}

// setLossTimer arms the connection's single loss-detection timer (RFC
// 9002 Section 6.2.1) to the earliest time-threshold loss deadline
// across spaces, or to a PTO deadline if no earlier loss is pending.
func (c *Conn) setLossTimer(now time.Time) {
	var earliestLoss time.Time
	for i := range c.loss.spaces {
		lt := c.loss.spaces[i].lossTime
		if lt.IsZero() {
			continue
		}
		if earliestLoss.IsZero() || lt.Before(earliestLoss) {
			earliestLoss = lt
		}
	}
	if !earliestLoss.IsZero() {
		c.loss.pto = earliestLoss
		return
	}
	var lastAckEliciting time.Time
	hasInFlight := false
	for i := range c.loss.spaces {
		sp := &c.loss.spaces[i]
		if len(sp.sent) == 0 {
			continue
		}
		hasInFlight = true
		if sp.lastAckElicitingSent.After(lastAckEliciting) {
			lastAckEliciting = sp.lastAckElicitingSent
		}
	}
	if !hasInFlight {
		c.loss.pto = time.Time{}
		return
	}
	timeout := c.loss.rtt.pto()
	for i := 0; i < c.loss.ptoCount; i++ {
		timeout *= 2
	}
	c.loss.pto = lastAckEliciting.Add(timeout)
}

// onLossTimeout runs when the loss-detection timer armed by
// setLossTimer fires: either a time-threshold loss is now confirmed, or
// no packet was lost and a PTO probe must be sent (RFC 9002 Section 6.2.4).
func (c *Conn) onLossTimeout(now time.Time) {
	if c.loss.pto.IsZero() || now.Before(c.loss.pto) {
		return
	}
	declaredLoss := false
	for i := range c.loss.spaces {
		if !c.loss.spaces[i].lossTime.IsZero() {
			declaredLoss = true
			c.detectAndRemoveLostPackets(now, numberSpace(i))
		}
	}
	if !declaredLoss {
		c.loss.ptoCount++
		c.loss.ptoExpired = true
	}
	c.setLossTimer(now)
}

// onPacketAcked releases the information a sent packet's frames carried,
// now that the peer has confirmed receiving it.
func (c *Conn) onPacketAcked(space numberSpace, p *sentPacket) {
	if p.inFlight {
		c.loss.cc.onPacketsAcked(p.sentTime, p.size)
	}
	for _, f := range p.frames {
		switch f.kind {
		case sentAck:
			c.acks[space].handleAck(f.ackLargest)
		case sentCrypto:
			c.cryptoStream[space].ack(f.off, f.size)
		case sentStream:
			if st := c.lookupStream(f.streamID); st != nil {
				st.send.ack(f.off, f.size, f.fin)
			}
		case sentResetStream:
			if st := c.lookupStream(f.streamID); st != nil {
				st.send.mu.Lock()
				st.send.resetAcked = true
				st.send.mu.Unlock()
			}
		case sentStopSending:
			if st := c.lookupStream(f.streamID); st != nil {
				st.recv.mu.Lock()
				st.recv.stopSendingAcked = true
				st.recv.mu.Unlock()
			}
		case sentNewConnectionID:
			// No further action: the CID stays active until retired.
		case sentRetireConnectionID:
			c.connIDState.markRetireAcked(f.seq)
		case sentHandshakeDone:
			// One-shot; nothing to release.
		case sentOneRTTPhase:
			if f.phase == c.tlsState.oneRTT.writePhase {
				c.tlsState.oneRTT.ackedCurrentPhase = true
			}
		}
	}
}

// discardKeys drops the packet-protection keys, sent-packet records, and
// ACK state for space, per RFC 9001 Section 4.9: once a space's keys are
// discarded it will never send or receive another packet, so any bytes
// still counted in flight for it are released back to the congestion
// window without affecting cwnd/ssthresh the way a loss or ack would.
func (c *Conn) discardKeys(now time.Time, space numberSpace) {
	if !c.tlsState.wkeys[space].isSet() && !c.tlsState.rkeys[space].isSet() {
		return
	}
	c.tlsState.discardKeys(space)
	sp := &c.loss.spaces[space]
	for _, p := range sp.sent {
		if p.inFlight {
			if c.loss.cc.bytesInFlight >= int64(p.size) {
				c.loss.cc.bytesInFlight -= int64(p.size)
			} else {
				c.loss.cc.bytesInFlight = 0
			}
		}
	}
	c.loss.spaces[space] = lossSpace{}
	c.acks[space] = newAckState()
	c.setLossTimer(now)
}

// onPacketLost retries the information a sent packet's frames carried,
// per the repair table of  / RFC 9000 Section 13.3.
func (c *Conn) onPacketLost(space numberSpace, p *sentPacket) {
	for _, f := range p.frames {
		switch f.kind {
		case sentAck:
			// ACK frames are never retransmitted; the next outgoing ACK
			// always reflects current state.
		case sentCrypto:
			c.cryptoStream[space].loss(f.off)
		case sentStream:
			if st := c.lookupStream(f.streamID); st != nil {
				st.send.loss(f.off, f.fin)
			}
		case sentResetStream, sentStopSending:
			// Resent automatically: appendFrames keeps re-sending RESET_STREAM/
			// STOP_SENDING while the request is pending and unacknowledged.
		case sentMaxData:
			if c.streams.maxDataSent == f.limit {
				c.streams.maxDataSent = 0
			}
		case sentMaxStreamData:
			if st := c.lookupStream(f.streamID); st != nil {
				st.recv.mu.Lock()
				if st.recv.maxSentData == f.limit {
					st.recv.maxSentData = 0
				}
				st.recv.mu.Unlock()
			}
		case sentMaxStreams:
			if f.uni {
				if c.streams.maxStreamsUniSent == f.limit {
					c.streams.maxStreamsUniSent = 0
				}
			} else if c.streams.maxStreamsBidiSent == f.limit {
				c.streams.maxStreamsBidiSent = 0
			}
		case sentDataBlocked, sentStreamDataBlocked, sentStreamsBlocked, sentPathChallenge:
			// Best-effort, not retried on loss.
		case sentNewConnectionID:
			c.connIDState.markLocalLost(f.seq)
		case sentRetireConnectionID:
			c.connIDState.markRetireLost(f.seq)
		case sentHandshakeDone:
			c.tlsState.handshakeDoneSent = false
		case sentNewToken:
			c.newTokenSent = false
		case sentOneRTTPhase:
			// No retransmission of its own; the data this packet carried
			// is repaired by its other sentFrame entries.
		}
	}
}
