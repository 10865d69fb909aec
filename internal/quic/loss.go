// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"time"

	"golang.org/x/time/rate"
)

// A ccLimit reports whether, and why, congestion control currently
// permits sending a packet (RFC 9002 Section 7, and the anti-amplification
// limit of RFC 9000 Section 8.1).
type ccLimit int

const (
	ccOK ccLimit = iota
	ccBlocked
	ccPaced
)

const (
	initialWindowPackets = 10
	maxDatagramSize      = 1200
	minimumPTOTimeout    = 1 * time.Millisecond
	granularity          = 1 * time.Millisecond
	persistentCongestionThreshold = 3
)

// A congestionController implements a NewReno-style congestion controller
// (RFC 9002 Section 7). It holds a token-bucket limiter that sendLimit
// consults, but the limiter is created with an infinite rate that nothing
// lowers, so sends are not paced.
type congestionController struct {
	cwnd          int64
	bytesInFlight int64
	ssthresh      int64
	recoveryStart time.Time
	underutilized bool

	limiter *rate.Limiter
}

func newCongestionController() *congestionController {
	return &congestionController{
		cwnd:     initialWindowPackets * maxDatagramSize,
		ssthresh: 1 << 62,
		limiter:  rate.NewLimiter(rate.Inf, maxDatagramSize),
	}
}

func (cc *congestionController) setUnderutilized(v bool) { cc.underutilized = v }

func (cc *congestionController) availCongestionWindow() int64 {
	if cc.bytesInFlight >= cc.cwnd {
		return 0
	}
	return cc.cwnd - cc.bytesInFlight
}

func (cc *congestionController) onPacketSent(now time.Time, size int) {
	cc.bytesInFlight += int64(size)
	if !cc.underutilized {
		cc.limiter.AllowN(now, size)
	}
}

// onPacketsAcked grows the window: slow start below ssthresh, additive
// increase above it.
func (cc *congestionController) onPacketsAcked(sentTime time.Time, size int) {
	if cc.bytesInFlight >= int64(size) {
		cc.bytesInFlight -= int64(size)
	} else {
		cc.bytesInFlight = 0
	}
	if !sentTime.After(cc.recoveryStart) {
		return // in recovery, window does not grow
	}
	if cc.cwnd < cc.ssthresh {
		cc.cwnd += int64(size)
	} else {
		cc.cwnd += maxDatagramSize * int64(size) / cc.cwnd
	}
}

func (cc *congestionController) onPacketsLost(now time.Time, size int, persistent bool) {
	if cc.bytesInFlight >= int64(size) {
		cc.bytesInFlight -= int64(size)
	} else {
		cc.bytesInFlight = 0
	}
	if now.Before(cc.recoveryStart) {
		return
	}
	cc.recoveryStart = now
	cc.cwnd = cc.cwnd / 2
	if cc.cwnd < 2*maxDatagramSize {
		cc.cwnd = 2 * maxDatagramSize
	}
	cc.ssthresh = cc.cwnd
	if persistent {
		cc.cwnd = initialWindowPackets * maxDatagramSize
	}
}

// rttStats tracks round-trip time estimates per RFC 9002 Section 5.3.
type rttStats struct {
	latest   time.Duration
	min      time.Duration
	smoothed time.Duration
	variance time.Duration
	haveRTT  bool
}

func (r *rttStats) update(measured, ackDelay time.Duration, maxAckDelay time.Duration, handshakeConfirmed bool) {
	r.latest = measured
	if !r.haveRTT {
		r.min = measured
		r.smoothed = measured
		r.variance = measured / 2
		r.haveRTT = true
		return
	}
	if r.min == 0 || measured < r.min {
		r.min = measured
	}
	adjusted := measured
	if handshakeConfirmed {
		if ackDelay > maxAckDelay {
			ackDelay = maxAckDelay
		}
	}
	if measured >= r.min+ackDelay {
		adjusted = measured - ackDelay
	}
	rttvarSample := r.smoothed - adjusted
	if rttvarSample < 0 {
		rttvarSample = -rttvarSample
	}
	r.variance = (3*r.variance + rttvarSample) / 4
	r.smoothed = (7*r.smoothed + adjusted) / 8
}

func (r *rttStats) pto() time.Duration {
	d := r.smoothed + max(4*r.variance, granularity)
	if d < minimumPTOTimeout {
		d = minimumPTOTimeout
	}
	return d
}

func max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// a lossSpace tracks the in-flight, unacknowledged packets sent in a
// single packet number space, for loss detection and retransmission
// (RFC 9002 Section 6).
type lossSpace struct {
	nextNumber   packetNumber
	sent         []*sentPacket // ascending by num, in-flight only
	largestAcked packetNumber
	lossTime     time.Time
	lastAckElicitingSent time.Time
}

func (s *lossSpace) add(p *sentPacket) {
	s.sent = append(s.sent, p)
}

// loss is the per-connection loss-detection and congestion-control state
// (RFC 9002), providing the primitives conn_send.go and conn_loss.go are
// written against.
type loss struct {
	cc    *congestionController
	rtt   rttStats
	pto   time.Time
	ptoCount int
	ptoExpired bool
	antiAmplificationLimit int64 // server-only, bytes; 0 means unlimited
	amplificationUsed      int64

	spaces [numberSpaceCount]lossSpace
}

func newLoss() *loss {
	return &loss{cc: newCongestionController()}
}

// sendLimit reports whether sending is currently permitted, and if not,
// when to check again.
func (l *loss) sendLimit(now time.Time) (ccLimit, time.Time) {
	if l.antiAmplificationLimit > 0 && l.amplificationUsed >= l.antiAmplificationLimit {
		return ccBlocked, time.Time{}
	}
	if l.cc.availCongestionWindow() < maxDatagramSize {
		return ccBlocked, time.Time{}
	}
	r := l.cc.limiter.ReserveN(now, maxDatagramSize)
	if !r.OK() {
		return ccBlocked, time.Time{}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.Cancel()
		return ccPaced, now.Add(delay)
	}
	return ccOK, time.Time{}
}

func (l *loss) maxSendSize() int {
	return maxDatagramSize
}

func (l *loss) nextNumber(space numberSpace) packetNumber {
	return l.spaces[space].nextNumber
}

// packetSent records a successfully constructed packet, advancing the
// space's packet number counter and, if the packet is in flight,
// tracking it for loss detection.
func (l *loss) packetSent(now time.Time, space numberSpace, sent *sentPacket) {
	sp := &l.spaces[space]
	sent.num = sp.nextNumber
	sp.nextNumber++
	sent.sentTime = now
	if sent.inFlight {
		l.cc.onPacketSent(now, sent.size)
	}
	if sent.ackEliciting {
		sp.lastAckElicitingSent = now
		if sent.inFlight {
			sp.add(sent)
		}
	} else if sent.inFlight {
		sp.add(sent)
	}
	if l.antiAmplificationLimit > 0 {
		l.amplificationUsed += int64(sent.size)
	}
}

// recordDatagramReceived lifts the anti-amplification limit by 3x the
// bytes received from an unvalidated peer address (RFC 9000 Section 8.1).
func (l *loss) recordDatagramReceived(n int) {
	if l.antiAmplificationLimit > 0 {
		l.antiAmplificationLimit += int64(3 * n)
	}
}
