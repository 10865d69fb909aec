// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"bytes"
	"fmt"
)

// maxActiveConnIDs bounds how many connection IDs we will issue the peer
// for routing to us at once.
const maxActiveConnIDs = 4

// A connID is one connection ID in a local or remote sequence, along
// with the sequence number it was issued under (RFC 9000 Section 5.1.1).
type connID struct {
	cid     []byte
	seq     int64
	retired bool
	resetToken statelessResetToken

	// issued/retireAcked track whether our peer has seen this CID on the
	// wire yet, so a lost NEW_CONNECTION_ID or RETIRE_CONNECTION_ID frame
	// is retried.
	issued      bool
	retireAcked bool
}

// connIDState tracks the connection IDs this Conn uses to identify
// itself to its peer (local) and the connection IDs it may use as a
// destination when addressing its peer (remote).
type connIDState struct {
	local  []connID
	remote []connID

	remoteIdx int // index into remote of the CID currently in use
	nextLocalSeq int64
	retireRemoteBelow int64

	origDstConnID []byte
}

// init sets up the initial local and remote connection ID state.
// initialConnID is the client-chosen destination CID from the first
// Initial packet, non-nil only when side is serverSide.
func (s *connIDState) init(side connSide, initialConnID []byte) error {
	if side == serverSide {
		if len(initialConnID) == 0 {
			return fmt.Errorf("quic: server connection requires the client's initial destination connection ID")
		}
		// The transient CID (seq -1) is the identity the client already
		// knows us by, until our real first CID is acknowledged as received.
		s.local = append(s.local, connID{cid: initialConnID, seq: -1})
		cid, err := newRandomConnID()
		if err != nil {
			return err
		}
		s.local = append(s.local, connID{cid: cid, seq: 0})
		s.nextLocalSeq = 1
		s.origDstConnID = initialConnID
		return nil
	}
	cid, err := newRandomConnID()
	if err != nil {
		return err
	}
	s.local = append(s.local, connID{cid: cid, seq: 0})
	s.nextLocalSeq = 1

	odcid, err := newRandomConnIDOfLen(connIDLen)
	if err != nil {
		return err
	}
	s.origDstConnID = odcid
	s.remote = append(s.remote, connID{cid: odcid, seq: -1})
	return nil
}

func (s *connIDState) originalDstConnID() []byte { return s.origDstConnID }

// srcConnID returns the connection ID this Conn currently places in the
// Source Connection ID field of packets it sends.
func (s *connIDState) srcConnID() []byte {
	return s.local[len(s.local)-1].cid
}

// dstConnID returns the connection ID this Conn currently places in the
// Destination Connection ID field of packets it sends.
func (s *connIDState) dstConnID() []byte {
	if s.remoteIdx >= len(s.remote) {
		return s.remote[len(s.remote)-1].cid
	}
	return s.remote[s.remoteIdx].cid
}

// setPeerSrcConnID records the source connection ID the peer used in a
// packet (a Retry, or the handshake's first reply), replacing the
// placeholder remote CID; once that placeholder is gone it does nothing.
func (s *connIDState) setPeerSrcConnID(cid []byte) {
	if len(s.remote) == 1 && s.remote[0].seq == -1 {
		s.remote[0] = connID{cid: append([]byte(nil), cid...), seq: 0}
	}
}

// handleNewConnectionID processes a received NEW_CONNECTION_ID frame
//, adding it to the set of connection IDs usable as a
// destination. A repeated sequence number must carry the same cid and
// token as the first time it was issued (RFC 9000 Section 19.15); a
// mismatch means the peer is misbehaving.
func (s *connIDState) handleNewConnectionID(seq, retirePriorTo int64, cid []byte, token statelessResetToken) error {
	if retirePriorTo > s.retireRemoteBelow {
		s.retireRemoteBelow = retirePriorTo
	}
	for _, r := range s.remote {
		if r.seq == seq {
			if !bytes.Equal(r.cid, cid) || r.resetToken != token {
				return newError(errProtocolViolation, "NEW_CONNECTION_ID changed cid/token for a known sequence number")
			}
			return nil // duplicate
		}
	}
	if len(s.remote) >= maxActiveConnIDs {
		return newError(errConnectionIDLimit, "too many active connection IDs")
	}
	s.remote = append(s.remote, connID{cid: append([]byte(nil), cid...), seq: seq, resetToken: token})
	return nil
}

// handleRetireConnectionID processes a received RETIRE_CONNECTION_ID
// frame, retiring one of our own local connection IDs. seq must name a
// connection ID we actually issued, and must not be the destination
// connection ID of the packet the frame itself arrived in (RFC 9000
// Section 19.16).
func (s *connIDState) handleRetireConnectionID(seq int64, pktDstConnID []byte) error {
	cid := s.localBySeq(seq)
	if cid == nil {
		return newError(errProtocolViolation, "RETIRE_CONNECTION_ID for a sequence number we never issued")
	}
	if bytes.Equal(cid.cid, pktDstConnID) {
		return newError(errProtocolViolation, "RETIRE_CONNECTION_ID retires the connection ID the packet arrived on")
	}
	cid.retired = true
	return nil
}

// pendingNewConnectionID returns a local connection ID that has not yet
// been placed in a NEW_CONNECTION_ID frame, if any.
func (s *connIDState) pendingNewConnectionID() (seq int64, ok bool) {
	for i := range s.local {
		if !s.local[i].issued && s.local[i].seq >= 0 {
			return s.local[i].seq, true
		}
	}
	return 0, false
}

func (s *connIDState) localBySeq(seq int64) *connID {
	for i := range s.local {
		if s.local[i].seq == seq {
			return &s.local[i]
		}
	}
	return nil
}

func (s *connIDState) markLocalIssued(seq int64) {
	if c := s.localBySeq(seq); c != nil {
		c.issued = true
	}
}

// markLocalLost clears the issued flag so the frame is retried.
func (s *connIDState) markLocalLost(seq int64) {
	if c := s.localBySeq(seq); c != nil {
		c.issued = false
	}
}

// pendingRetirement returns a remote connection ID that must be retired
// (its sequence number fell below a peer-requested retirePriorTo) but
// has not yet been announced to the peer via RETIRE_CONNECTION_ID.
func (s *connIDState) pendingRetirement() (seq int64, ok bool) {
	for i := range s.remote {
		if s.remote[i].seq >= 0 && s.remote[i].seq < s.retireRemoteBelow && !s.remote[i].retired {
			return s.remote[i].seq, true
		}
	}
	return 0, false
}

func (s *connIDState) remoteBySeq(seq int64) *connID {
	for i := range s.remote {
		if s.remote[i].seq == seq {
			return &s.remote[i]
		}
	}
	return nil
}

func (s *connIDState) markRetireSent(seq int64) {
	if c := s.remoteBySeq(seq); c != nil {
		c.retired = true
	}
}

func (s *connIDState) markRetireAcked(seq int64) {
	if c := s.remoteBySeq(seq); c != nil {
		c.retireAcked = true
	}
}

// markRetireLost clears the retired flag so the frame is retried.
func (s *connIDState) markRetireLost(seq int64) {
	if c := s.remoteBySeq(seq); c != nil && !c.retireAcked {
		c.retired = false
	}
}

// issueNewLocalConnID mints a fresh local connection ID to offer the
// peer via NEW_CONNECTION_ID, keeping the active set under
// maxActiveConnIDs.
func (s *connIDState) issueNewLocalConnID(gen *statelessResetTokenGenerator) (connID, bool) {
	active := 0
	for _, l := range s.local {
		if !l.retired {
			active++
		}
	}
	if active >= maxActiveConnIDs {
		return connID{}, false
	}
	cid, err := newRandomConnID()
	if err != nil {
		return connID{}, false
	}
	c := connID{cid: cid, seq: s.nextLocalSeq}
	if gen != nil {
		c.resetToken = gen.tokenForConnID(cid)
	}
	s.nextLocalSeq++
	s.local = append(s.local, c)
	return c, true
}
