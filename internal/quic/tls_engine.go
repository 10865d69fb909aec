// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"context"
	"crypto/tls"
	"fmt"
)

// stdlibTLSEngine adapts crypto/tls's native QUIC hooks (*tls.QUICConn,
// added in Go 1.21) to the TLSEngine interface this package drives the
// handshake through. It is the concrete collaborator behind the
// external-TLS-engine boundary of spec §6.2; tests substitute a smaller
// fake instead (see conn_test.go).
type stdlibTLSEngine struct {
	qconn   *tls.QUICConn
	started bool
}

// newStdlibTLSEngine constructs the TLSEngine for one connection side.
// tlsConfig is cloned by crypto/tls internally; MinVersion is forced to
// TLS 1.3, the only version QUIC permits (RFC 9001 Section 4).
func newStdlibTLSEngine(side connSide, tlsConfig *tls.Config) TLSEngine {
	cfg := &tls.QUICConfig{TLSConfig: tlsConfig}
	var qc *tls.QUICConn
	if side == clientSide {
		qc = tls.QUICClient(cfg)
	} else {
		qc = tls.QUICServer(cfg)
	}
	return &stdlibTLSEngine{qconn: qc}
}

func (e *stdlibTLSEngine) SetTransportParameters(params []byte) {
	e.qconn.SetTransportParameters(params)
}

func (e *stdlibTLSEngine) Advance(level numberSpace, data []byte) ([]TLSEvent, error) {
	if !e.started {
		e.started = true
		if err := e.qconn.Start(context.Background()); err != nil {
			return nil, err
		}
	}
	if len(data) > 0 {
		if err := e.qconn.HandleData(quicLevelForSpace(level), data); err != nil {
			return nil, err
		}
	}
	var events []TLSEvent
	for {
		ev := e.qconn.NextEvent()
		switch ev.Kind {
		case tls.QUICNoEvent:
			return events, nil
		case tls.QUICWriteData:
			events = append(events, TLSEvent{
				Kind:  TLSEventWriteCrypto,
				Level: spaceForQUICLevel(ev.Level),
				Data:  ev.Data,
			})
		case tls.QUICSetReadSecret:
			suite, err := aeadSuiteForCipherSuite(ev.Suite)
			if err != nil {
				return events, err
			}
			events = append(events, TLSEvent{
				Kind:   TLSEventInstallReadKeys,
				Level:  spaceForQUICLevel(ev.Level),
				Suite:  suite,
				Secret: ev.Data,
			})
		case tls.QUICSetWriteSecret:
			suite, err := aeadSuiteForCipherSuite(ev.Suite)
			if err != nil {
				return events, err
			}
			events = append(events, TLSEvent{
				Kind:   TLSEventInstallWriteKeys,
				Level:  spaceForQUICLevel(ev.Level),
				Suite:  suite,
				Secret: ev.Data,
			})
		case tls.QUICTransportParameters:
			events = append(events, TLSEvent{
				Kind:                    TLSEventPeerTransportParameters,
				PeerTransportParameters: ev.Data,
			})
		case tls.QUICHandshakeDone:
			events = append(events, TLSEvent{Kind: TLSEventHandshakeComplete})
		case tls.QUICTransportParametersRequired:
			// SetTransportParameters was already called once in newConn,
			// before the handshake started; nothing further to do.
		case tls.QUICRejectedEarlyData:
			// 0-RTT is not implemented by this core (see DESIGN.md); no
			// early data is ever offered, so rejection is a no-op.
		}
	}
}

func quicLevelForSpace(space numberSpace) tls.QUICEncryptionLevel {
	switch space {
	case initialSpace:
		return tls.QUICEncryptionLevelInitial
	case handshakeSpace:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func spaceForQUICLevel(level tls.QUICEncryptionLevel) numberSpace {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return initialSpace
	case tls.QUICEncryptionLevelHandshake:
		return handshakeSpace
	default:
		return appDataSpace
	}
}

func aeadSuiteForCipherSuite(id uint16) (aeadSuite, error) {
	switch id {
	case tls.TLS_AES_128_GCM_SHA256:
		return suiteAES128GCM, nil
	case tls.TLS_AES_256_GCM_SHA384:
		return suiteAES256GCM, nil
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return suiteChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("quic: unsupported TLS cipher suite %#04x", id)
	}
}
