// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// packetFate is the eventual disposition of a sent packet: acknowledged
// or declared lost. onPacketAcked and onPacketLost use it to decide, for each retained
// piece of information, whether to discard it or queue it for repair.
type packetFate int

const (
	packetAcked packetFate = iota
	packetLost
)

// A sentFrame is a lightweight, tagged record of one piece of
// retransmittable information carried by a sent packet ("Sent
// packet record" and §4.6's repair table). Rather than re-decoding a
// byte-serialized frame list (the approach sketched in the design notes
// for an arena-style implementation), we keep a small tagged struct per
// item: the set of fields actually used depends on kind, mirroring a
// sum type without the ceremony of one Go type per frame.
type sentFrame struct {
	kind sentFrameKind

	// CRYPTO / STREAM
	streamID    int64
	off         int64
	size        int64
	fin         bool
	isCrypto    bool

	// RESET_STREAM / STOP_SENDING
	appErrCode uint64

	// MAX_DATA / MAX_STREAM_DATA / MAX_STREAMS / *_BLOCKED
	limit int64
	uni   bool

	// NEW_CONNECTION_ID / RETIRE_CONNECTION_ID
	seq int64

	// ACK (for handleAck bookkeeping only)
	ackLargest packetNumber

	// 1-RTT key phase bookkeeping (no wire representation of its own)
	phase int
}

type sentFrameKind int

const (
	sentCrypto sentFrameKind = iota
	sentStream
	sentResetStream
	sentStopSending
	sentMaxData
	sentMaxStreamData
	sentMaxStreams
	sentDataBlocked
	sentStreamDataBlocked
	sentStreamsBlocked
	sentNewConnectionID
	sentRetireConnectionID
	sentPathChallenge
	sentPathResponse
	sentNewToken
	sentHandshakeDone
	sentAck
	sentOneRTTPhase
)

// A sentPacket is the record kept for every packet sent, until it is
// acknowledged, declared lost, or its key epoch is discarded.
type sentPacket struct {
	num          packetNumber
	space        numberSpace
	sentTime     time.Time
	size         int
	ackEliciting bool
	inFlight     bool
	ecn          ecnCodepoint
	frames       []sentFrame
}

func (p *sentPacket) addFrame(f sentFrame) {
	p.frames = append(p.frames, f)
}
