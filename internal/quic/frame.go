// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// Frame type codes, RFC 9000 Section 19. STREAM frames occupy a range
// (0x08-0x0f) whose low three bits are flags (OFF, LEN, FIN); MAX_STREAMS,
// STREAMS_BLOCKED, and ACK likewise occupy small ranges.
const (
	frameTypePadding          = 0x00
	frameTypePing             = 0x01
	frameTypeAck              = 0x02
	frameTypeAckECN           = 0x03
	frameTypeResetStream      = 0x04
	frameTypeStopSending      = 0x05
	frameTypeCrypto           = 0x06
	frameTypeNewToken         = 0x07
	frameTypeStreamBase       = 0x08 // 0x08-0x0f
	frameTypeMaxData          = 0x10
	frameTypeMaxStreamData    = 0x11
	frameTypeMaxStreamsBidi   = 0x12
	frameTypeMaxStreamsUni    = 0x13
	frameTypeDataBlocked      = 0x14
	frameTypeStreamDataBlocked = 0x15
	frameTypeStreamsBlockedBidi = 0x16
	frameTypeStreamsBlockedUni  = 0x17
	frameTypeNewConnectionID   = 0x18
	frameTypeRetireConnectionID = 0x19
	frameTypePathChallenge     = 0x1a
	frameTypePathResponse      = 0x1b
	frameTypeConnectionCloseTransport = 0x1c
	frameTypeConnectionCloseApp       = 0x1d
	frameTypeHandshakeDone     = 0x1e
)

const (
	streamFlagFIN = 0x1
	streamFlagLEN = 0x2
	streamFlagOFF = 0x4
)

// isStreamFrameType reports whether t is one of the 0x08-0x0f STREAM codes.
func isStreamFrameType(t uint64) bool {
	return t >= frameTypeStreamBase && t <= frameTypeStreamBase+0x7
}

// frameName returns a human-readable frame name, for logs and debug frames.
func frameName(t uint64) string {
	switch {
	case isStreamFrameType(t):
		return "STREAM"
	}
	switch t {
	case frameTypePadding:
		return "PADDING"
	case frameTypePing:
		return "PING"
	case frameTypeAck, frameTypeAckECN:
		return "ACK"
	case frameTypeResetStream:
		return "RESET_STREAM"
	case frameTypeStopSending:
		return "STOP_SENDING"
	case frameTypeCrypto:
		return "CRYPTO"
	case frameTypeNewToken:
		return "NEW_TOKEN"
	case frameTypeMaxData:
		return "MAX_DATA"
	case frameTypeMaxStreamData:
		return "MAX_STREAM_DATA"
	case frameTypeMaxStreamsBidi, frameTypeMaxStreamsUni:
		return "MAX_STREAMS"
	case frameTypeDataBlocked:
		return "DATA_BLOCKED"
	case frameTypeStreamDataBlocked:
		return "STREAM_DATA_BLOCKED"
	case frameTypeStreamsBlockedBidi, frameTypeStreamsBlockedUni:
		return "STREAMS_BLOCKED"
	case frameTypeNewConnectionID:
		return "NEW_CONNECTION_ID"
	case frameTypeRetireConnectionID:
		return "RETIRE_CONNECTION_ID"
	case frameTypePathChallenge:
		return "PATH_CHALLENGE"
	case frameTypePathResponse:
		return "PATH_RESPONSE"
	case frameTypeConnectionCloseTransport, frameTypeConnectionCloseApp:
		return "CONNECTION_CLOSE"
	case frameTypeHandshakeDone:
		return "HANDSHAKE_DONE"
	default:
		return "UNKNOWN"
	}
}

// frameAllowedIn reports whether a frame of type t is permitted to
// appear in a packet of the given ptype (RFC 9000 Table 3).
func frameAllowedIn(t uint64, ptype packetType) bool {
	switch ptype {
	case packetTypeInitial, packetTypeHandshake:
		switch {
		case isStreamFrameType(t):
			return false
		}
		switch t {
		case frameTypePadding, frameTypePing, frameTypeAck, frameTypeAckECN,
			frameTypeCrypto, frameTypeConnectionCloseTransport:
			return true
		default:
			return false
		}
	case packetType0RTT:
		switch t {
		case frameTypeAck, frameTypeAckECN, frameTypeCrypto,
			frameTypeNewToken, frameTypeHandshakeDone,
			frameTypePathResponse, frameTypeRetireConnectionID:
			return false
		default:
			return true
		}
	case packetType1RTT:
		return true
	default:
		return false
	}
}
