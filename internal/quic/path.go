// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/rand"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
)

// pathState tracks path validation and migration for a connection
//: whether the current path has been confirmed to route
// both ways, an in-progress PATH_CHALLENGE, and ECN capability
// probing. RFC 9000 Section 9 limits how often a peer may force path
// validation work; migrationLimiter enforces that here rather than
// trusting the peer's restraint.
type pathState struct {
	peerAddr  netip.AddrPort
	validated bool

	challengeData     [8]byte
	challengePending  bool
	challengeSent     bool // the pending PATH_CHALLENGE has been placed on the wire once
	challengeSentTime time.Time

	migrationLimiter *rate.Limiter

	ecn ecnState
}

// ecnState tracks this connection's ECN capability testing for the
// current path (RFC 9000 Section 13.4 / RFC 9002 Appendix A.4): a
// handful of packets are marked ECT(0) and the path is judged capable
// only if acknowledgements report those marks were not stripped.
type ecnState struct {
	testing  bool
	probesSent int
	ect0Acked  uint64
	validated  bool
	failed     bool
}

func newPathState(peerAddr netip.AddrPort) pathState {
	return pathState{
		peerAddr:         peerAddr,
		validated:        true, // the path a connection is created on starts trusted
		migrationLimiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// beginMigration starts validating a new candidate path, issuing a
// PATH_CHALLENGE. Returns false if migration attempts are
// currently rate-limited.
func (p *pathState) beginMigration(now time.Time, newAddr netip.AddrPort) bool {
	if !p.migrationLimiter.AllowN(now, 1) {
		return false
	}
	rand.Read(p.challengeData[:])
	p.peerAddr = newAddr
	p.validated = false
	p.challengePending = true
	p.challengeSent = false
	p.challengeSentTime = now
	return true
}

// handlePathChallenge returns the 8 bytes to echo back in a
// PATH_RESPONSE frame (: peers must respond on the path the
// challenge arrived on).
func handlePathChallenge(data [8]byte) [8]byte { return data }

// handlePathResponse reports whether data matches the outstanding
// challenge, confirming the path.
func (p *pathState) handlePathResponse(data [8]byte) bool {
	if !p.challengePending || data != p.challengeData {
		return false
	}
	p.challengePending = false
	p.validated = true
	return true
}

// beginECNTesting starts marking a handful of outgoing packets ECT(0)
// to probe the path's ECN support.
func (p *pathState) beginECNTesting() {
	p.ecn = ecnState{testing: true}
}

func (p *pathState) onECNCounts(ect0 uint64, ce uint64) {
	if !p.ecn.testing {
		return
	}
	if ect0 > p.ecn.ect0Acked {
		p.ecn.ect0Acked = ect0
	}
	if p.ecn.probesSent > 0 && p.ecn.ect0Acked == 0 {
		p.ecn.failed = true
		p.ecn.testing = false
		return
	}
	if p.ecn.ect0Acked >= 3 {
		p.ecn.validated = true
		p.ecn.testing = false
	}
}
