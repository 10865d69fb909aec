// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build go1.21

package quic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateTestCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
}

// TestStdlibTLSEngineHandshake drives two stdlibTLSEngines, client and
// server, against each other by hand (no Conn involved) and checks the
// handshake completes on both sides with transport parameters
// exchanged in each direction.
func TestStdlibTLSEngineHandshake(t *testing.T) {
	cert := generateTestCertificate(t)

	client := newStdlibTLSEngine(clientSide, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"test"},
	})
	server := newStdlibTLSEngine(serverSide, &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"test"},
	})
	client.SetTransportParameters([]byte("client params"))
	server.SetTransportParameters([]byte("server params"))

	type flight struct {
		level numberSpace
		data  []byte
	}
	var toServer, toClient []flight
	var clientDone, serverDone bool
	var clientParams, serverParams []byte

	collect := func(events []TLSEvent, outbox *[]flight, done *bool, peerParams *[]byte) {
		for _, ev := range events {
			switch ev.Kind {
			case TLSEventWriteCrypto:
				*outbox = append(*outbox, flight{ev.Level, ev.Data})
			case TLSEventHandshakeComplete:
				*done = true
			case TLSEventPeerTransportParameters:
				*peerParams = ev.PeerTransportParameters
			}
		}
	}

	events, err := client.Advance(initialSpace, nil)
	require.NoError(t, err)
	collect(events, &toServer, &clientDone, &clientParams)

	for round := 0; round < 32 && (len(toServer) > 0 || len(toClient) > 0); round++ {
		if len(toServer) > 0 {
			f := toServer[0]
			toServer = toServer[1:]
			events, err := server.Advance(f.level, f.data)
			require.NoError(t, err)
			collect(events, &toClient, &serverDone, &serverParams)
			continue
		}
		f := toClient[0]
		toClient = toClient[1:]
		events, err := client.Advance(f.level, f.data)
		require.NoError(t, err)
		collect(events, &toServer, &clientDone, &clientParams)
	}

	require.True(t, clientDone, "client did not complete handshake")
	require.True(t, serverDone, "server did not complete handshake")
	require.Equal(t, []byte("server params"), clientParams)
	require.Equal(t, []byte("client params"), serverParams)
}
