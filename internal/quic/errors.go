// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "fmt"

// A TransportErrorCode is one of the error codes defined by RFC 9000, Section 20.1,
// carried in a CONNECTION_CLOSE frame of type 0x1c.
type TransportErrorCode uint64

const (
	errNo                     TransportErrorCode = 0x0
	errInternal               TransportErrorCode = 0x1
	errConnectionRefused      TransportErrorCode = 0x2
	errFlowControl            TransportErrorCode = 0x3
	errStreamLimit            TransportErrorCode = 0x4
	errStreamState            TransportErrorCode = 0x5
	errFinalSize              TransportErrorCode = 0x6
	errFrameEncoding          TransportErrorCode = 0x7
	errTransportParameter     TransportErrorCode = 0x8
	errConnectionIDLimit      TransportErrorCode = 0x9
	errProtocolViolation      TransportErrorCode = 0xa
	errInvalidToken           TransportErrorCode = 0xb
	errApplicationError       TransportErrorCode = 0xc
	errCryptoBufferExceeded   TransportErrorCode = 0xd
	errKeyUpdate              TransportErrorCode = 0xe
	errAEADLimitReached       TransportErrorCode = 0xf
	errCryptoBase             TransportErrorCode = 0x100 // + TLS alert
)

var transportErrorNames = map[TransportErrorCode]string{
	errNo:                   "NO_ERROR",
	errInternal:             "INTERNAL_ERROR",
	errConnectionRefused:    "CONNECTION_REFUSED",
	errFlowControl:          "FLOW_CONTROL_ERROR",
	errStreamLimit:          "STREAM_LIMIT_ERROR",
	errStreamState:          "STREAM_STATE_ERROR",
	errFinalSize:            "FINAL_SIZE_ERROR",
	errFrameEncoding:        "FRAME_ENCODING_ERROR",
	errTransportParameter:   "TRANSPORT_PARAMETER_ERROR",
	errConnectionIDLimit:    "CONNECTION_ID_LIMIT_ERROR",
	errProtocolViolation:    "PROTOCOL_VIOLATION",
	errInvalidToken:         "INVALID_TOKEN",
	errApplicationError:     "APPLICATION_ERROR",
	errCryptoBufferExceeded: "CRYPTO_BUFFER_EXCEEDED",
	errKeyUpdate:            "KEY_UPDATE_ERROR",
	errAEADLimitReached:     "AEAD_LIMIT_REACHED",
}

func (c TransportErrorCode) String() string {
	if c >= errCryptoBase && c <= errCryptoBase+0xff {
		return fmt.Sprintf("CRYPTO_ERROR(alert=%d)", c-errCryptoBase)
	}
	if name, ok := transportErrorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("TransportErrorCode(%#x)", uint64(c))
}

// A localTransportError is a transport-level error this endpoint detected
// and intends to signal to the peer via CONNECTION_CLOSE(0x1c).
type localTransportError struct {
	code   TransportErrorCode
	reason string
}

func (e localTransportError) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("quic: %v: %s", e.code, e.reason)
	}
	return fmt.Sprintf("quic: %v", e.code)
}

func newError(code TransportErrorCode, reason string) localTransportError {
	return localTransportError{code: code, reason: reason}
}

// A peerTransportError is a transport error reported by the peer
// in a received CONNECTION_CLOSE(0x1c) frame.
type peerTransportError struct {
	code   TransportErrorCode
	reason string
}

func (e peerTransportError) Error() string {
	return fmt.Sprintf("peer closed connection: %v: %s", e.code, e.reason)
}

// An ApplicationError is an opaque, application-defined error code,
// carried in CONNECTION_CLOSE(0x1d) or RESET_STREAM/STOP_SENDING frames.
// The core never interprets the code; it is defined entirely by the
// application protocol running over QUIC.
type ApplicationError struct {
	Code   uint64
	Reason string
}

func (e *ApplicationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("quic: application error %#x: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("quic: application error %#x", e.Code)
}

// An idleTimeoutError indicates the connection was silently discarded
// after exceeding its negotiated idle timeout. No CONNECTION_CLOSE is sent.
type idleTimeoutError struct{}

func (idleTimeoutError) Error() string { return "quic: idle timeout" }

// A statelessResetError indicates the connection was terminated because
// the peer (or an instance that has lost the peer's state) sent a
// stateless reset token we recognize.
type statelessResetError struct{}

func (statelessResetError) Error() string { return "quic: stateless reset" }
