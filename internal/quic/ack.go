// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// maxAckRanges bounds the number of disjoint ranges retained per space,
// ("ACK range list is capped; oldest ranges are trimmed first").
const maxAckRanges = 32

// an ackState tracks, for one packet-number space, which packet numbers
// have been received (for duplicate suppression and ACK generation) and
// the bookkeeping needed to decide when an ACK must be sent.
type ackState struct {
	// received records every packet number successfully processed in
	// this space. The receiver retains the largest value forever, for
	// packet-number decoding; the rest is pruned to maxAckRanges.
	received rangeset

	largestReceivedTime time.Time
	immediate           bool // an ACK-eliciting condition requires an immediate ACK
	unackedAckEliciting int  // ack-eliciting packets received since the last ACK we sent

	ect0, ect1, ce uint64 // cumulative ECN codepoint counts observed

	// ackElicitingThreshold is the coalescing factor: send an ACK after
	// this many unacked ack-eliciting packets even without another
	// reason to do so. Spec §4.6 recommends "every 2nd" packet.
	ackElicitingThreshold int
	maxAckDelay           time.Duration
}

func newAckState() *ackState {
	return &ackState{
		ackElicitingThreshold: 2,
	}
}

// isDuplicate reports whether pnum has already been processed in this space.
func (a *ackState) isDuplicate(pnum packetNumber) bool {
	return a.received.contains(pnum)
}

// largestSeen returns the largest packet number ever received in this
// space, used as the base for packet-number decoding and truncation size.
func (a *ackState) largestSeen() packetNumber {
	v, ok := a.received.max()
	if !ok {
		return -1
	}
	return v
}

// receive records a newly-processed, non-duplicate packet and decides
// whether it forces an immediate ACK (: reordering, a gap ahead
// of the previous largest, or a CE mark).
func (a *ackState) receive(now time.Time, pnum packetNumber, ackEliciting bool, ecn ecnCodepoint) {
	prevLargest, hadAny := a.received.max()

	reordered := hadAny && pnum < prevLargest
	gapped := hadAny && pnum > prevLargest+1

	a.received.add(pnum, pnum)
	a.received.truncate(maxAckRanges)

	switch ecn {
	case ecnECT0:
		a.ect0++
	case ecnECT1:
		a.ect1++
	case ecnCE:
		a.ce++
		a.immediate = true
	}

	if !hadAny || pnum >= prevLargest {
		a.largestReceivedTime = now
	}
	if !ackEliciting {
		return
	}
	a.unackedAckEliciting++
	if reordered || gapped {
		a.immediate = true
	}
}

// shouldSendAck reports whether an ACK should be produced right now,
// either because an immediate-ACK condition was seen or because the
// coalescing threshold or max_ack_delay deadline has been reached.
func (a *ackState) shouldSendAck(now time.Time) bool {
	if a.unackedAckEliciting == 0 {
		return false
	}
	if a.immediate {
		return true
	}
	if a.unackedAckEliciting >= a.ackElicitingThreshold {
		return true
	}
	if a.maxAckDelay > 0 && !a.largestReceivedTime.IsZero() &&
		now.Sub(a.largestReceivedTime) >= a.maxAckDelay {
		return true
	}
	return false
}

// acksToSend returns the ranges to place in an outgoing ACK frame
// (descending, largest-first, as required by the wire format) and the
// delay since the largest-numbered packet was received.
func (a *ackState) acksToSend(now time.Time) (seen rangeset, delay time.Duration) {
	if len(a.received) == 0 {
		return nil, 0
	}
	if !a.largestReceivedTime.IsZero() {
		delay = now.Sub(a.largestReceivedTime)
	}
	return a.received, delay
}

// sentAck is called after an ACK frame covering the current received
// set has actually been placed in an outgoing packet.
func (a *ackState) sentAck() {
	a.immediate = false
	a.unackedAckEliciting = 0
}

// handleAck is called when a packet we sent containing an ACK frame is
// itself acknowledged by the peer. largest is the largest packet number
// our ACK frame reported at that time; once the peer has acknowledged
// seeing that ACK, we no longer need to retain ranges below it purely
// for retransmission of the ACK itself (we still retain the single
// largest-ever value for packet number decoding).
func (a *ackState) handleAck(largest packetNumber) {
	largestEver := a.largestSeen()
	if largest >= largestEver {
		return
	}
	a.received.removeBefore(largest)
	if len(a.received) == 0 && largestEver >= 0 {
		a.received.add(largestEver, largestEver)
	}
}

// An ecnCodepoint is one of the four ECN codepoints carried in the IP header.
type ecnCodepoint int

const (
	ecnNotECT ecnCodepoint = iota
	ecnECT1
	ecnECT0
	ecnCE
)
