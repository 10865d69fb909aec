// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/rand"
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the settings a Conn or Endpoint is constructed with.
// Its shape follows the conventions of this package's configuration: a
// plain struct of optional fields. A nil *Config stands for
// defaultConfig(); in a non-nil Config, a zero field takes the default
// its own comment describes.
type Config struct {
	// MaxIdleTimeout bounds how long a connection may go without network
	// activity before it is silently discarded. Zero means
	// defaultMaxIdleTimeout.
	MaxIdleTimeout time.Duration

	// MaxBidiStreams and MaxUniStreams name how many streams of each
	// type this endpoint offers its peer at connection start. They are
	// not read by this package: the stream limits a connection
	// advertises come from defaultTransportParameters.
	MaxBidiStreams int64
	MaxUniStreams  int64

	// MaxConnectionReceiveWindow and MaxStreamReceiveWindow name the
	// flow-control windows this endpoint advertises. They are not read
	// by this package: the advertised windows come from
	// defaultTransportParameters.
	MaxConnectionReceiveWindow int64
	MaxStreamReceiveWindow     int64

	// StatelessResetKey, if set, enables stateless reset token
	// generation and verification across restarts that share the key.
	StatelessResetKey [32]byte

	// AddressValidationKey authenticates Retry and NEW_TOKEN tokens. If
	// zero, NewEndpoint (or defaultConfig) fills in a random key, which is fine for a
	// single-process endpoint but won't validate tokens minted by a
	// different process; a multi-node deployment should set this
	// explicitly to a key shared across nodes.
	AddressValidationKey [32]byte

	// RequireAddressValidation, if true, makes a server send a Retry
	// before creating connection state for a new client, validating the
	// token on the resulting Initial before proceeding (RFC 9000
	// Section 8.1.2).
	RequireAddressValidation bool

	// Logger receives structured, per-connection diagnostic events. A
	// nil Logger uses logrus's standard logger.
	Logger logrus.FieldLogger

	// MetricsRegisterer, if set, registers connection and endpoint
	// counters and histograms with the given Prometheus registry.
	MetricsRegisterer prometheus.Registerer

	// Metrics, if set, is used in place of a Metrics constructed from
	// MetricsRegisterer. An Endpoint sets this once on its Config so
	// every Conn it creates shares the same collectors; a test
	// constructing a Conn directly may leave both nil to disable
	// metrics entirely.
	Metrics *Metrics

	// TLSEngineFactory constructs the TLS 1.3 engine for a new
	// connection. Required for any Endpoint that will run real
	// handshakes; tests may substitute their own. If nil and TLSConfig
	// is set, an Endpoint fills this in with a factory backed by the
	// standard library's crypto/tls QUIC support.
	TLSEngineFactory func(side connSide) TLSEngine

	// TLSConfig configures the default, standard-library-backed TLS
	// engine. Ignored if TLSEngineFactory is set explicitly.
	TLSConfig *tls.Config
}

func defaultConfig() *Config {
	c := &Config{
		MaxIdleTimeout:             defaultMaxIdleTimeout,
		MaxBidiStreams:             100,
		MaxUniStreams:              100,
		MaxConnectionReceiveWindow: 1 << 20,
		MaxStreamReceiveWindow:     1 << 18,
		Logger:                     logrus.StandardLogger(),
	}
	rand.Read(c.AddressValidationKey[:])
	return c
}
