// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command quicecho is a minimal QUIC echo client and server, exercised
// over a single bidirectional stream: the server copies back whatever
// the client writes.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ferrotype/quic/internal/quic"
)

var (
	listenAddr = flag.String("listen", "", "address to listen on; runs as a server")
	dialAddr   = flag.String("dial", "", "address to dial; runs as a client")
	verbose    = flag.Bool("v", false, "enable debug logging")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	log := logrus.StandardLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	switch {
	case *listenAddr != "" && *dialAddr != "":
		fatalf("specify only one of -listen or -dial")
	case *listenAddr != "":
		if err := runServer(log, *listenAddr); err != nil {
			fatalf("server: %v", err)
		}
	case *dialAddr != "":
		if err := runClient(log, *dialAddr); err != nil {
			fatalf("client: %v", err)
		}
	default:
		fatalf("specify -listen or -dial")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:", os.Args[0], "-listen host:port | -dial host:port")
	flag.PrintDefaults()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runServer(log logrus.FieldLogger, addr string) error {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("generating certificate: %w", err)
	}
	config := &quic.Config{
		Logger: log,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"quicecho"},
		},
		RequireAddressValidation: true,
	}
	ep, err := quic.Listen("udp", addr, config)
	if err != nil {
		return err
	}
	defer ep.Close()
	log.Infof("listening on %v", ep.LocalAddr())

	ctx := context.Background()
	for {
		conn, err := ep.Accept(ctx)
		if err != nil {
			return err
		}
		go serveConn(log, conn)
	}
}

func serveConn(log logrus.FieldLogger, conn *quic.Conn) {
	defer conn.Close(0, "")
	ctx := conn.Context()
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go echoStream(log, st)
	}
}

func echoStream(log logrus.FieldLogger, st *quic.Stream) {
	defer st.Close()
	n, err := io.Copy(st, st)
	if err != nil {
		log.WithError(err).Debug("stream echo ended")
		return
	}
	log.Debugf("echoed %d bytes", n)
}

func runClient(log logrus.FieldLogger, addr string) error {
	peerAddr, err := resolveAddrPort(addr)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", addr, err)
	}
	config := &quic.Config{
		Logger: log,
		TLSConfig: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{"quicecho"},
		},
	}
	ep, err := quic.Listen("udp", ":0", config)
	if err != nil {
		return err
	}
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := ep.Dial(ctx, peerAddr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(0, "")

	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if _, err := st.Write(scanner.Bytes()); err != nil {
				return
			}
			if _, err := st.Write([]byte("\n")); err != nil {
				return
			}
		}
		st.Close()
	}()

	_, err = io.Copy(os.Stdout, st)
	return err
}

func resolveAddrPort(addr string) (netip.AddrPort, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return a.AddrPort(), nil
}

// generateSelfSignedCert mints an ephemeral RSA certificate for local
// testing; quicecho has no notion of a persistent server identity.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "quicecho"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return tls.X509KeyPair(certPEM, keyPEM)
}
