// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/rand"

	"golang.org/x/time/rate"
)

// minStatelessResetLen is the smallest stateless reset packet this
// endpoint will send: short enough that most triggering datagrams are
// longer, but long enough (RFC 9000 Section 10.3) that it cannot be
// distinguished from a short-header packet bearing a full-length
// connection ID.
const minStatelessResetLen = 21

// maxStatelessResetLen caps a generated stateless reset regardless of
// how large the triggering datagram was, so an attacker who sends huge
// garbage datagrams at a stale connection ID cannot turn this endpoint
// into a reflected-amplification source.
const maxStatelessResetLen = 64

// appendStatelessReset builds a stateless reset packet for token,
// unrecognizable from a short-header 1-RTT packet (RFC 9000 Section
// 10.3.3): an unpredictable length and leading byte, with the 16-byte
// token as its last bytes.
func appendStatelessReset(b []byte, token statelessResetToken, triggeringDatagramLen int) []byte {
	n := triggeringDatagramLen - 1
	if n < minStatelessResetLen {
		n = minStatelessResetLen
	}
	if n > maxStatelessResetLen {
		n = maxStatelessResetLen
	}
	start := len(b)
	b = append(b, make([]byte, n)...)
	rand.Read(b[start : start+n-statelessResetTokenLen])
	b[start] = (b[start] &^ headerFormLong) | fixedBit
	copy(b[start+n-statelessResetTokenLen:], token[:])
	return b
}

// statelessResetLimiter bounds how often this endpoint will reply to
// unroutable datagrams with a stateless reset, so a burst of garbage
// traffic aimed at a connection ID this endpoint no longer recognizes
// cannot be amplified into an outbound flood. Grounded on the same
// golang.org/x/time/rate token bucket the congestion controller already
// uses for pacing (internal/quic/loss.go).
type statelessResetLimiter struct {
	lim *rate.Limiter
}

func newStatelessResetLimiter() *statelessResetLimiter {
	return &statelessResetLimiter{lim: rate.NewLimiter(rate.Limit(20), 40)}
}

func (l *statelessResetLimiter) allow() bool {
	return l.lim.Allow()
}
