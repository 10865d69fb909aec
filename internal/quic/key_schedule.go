// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto"
	"crypto/hmac"
	_ "crypto/sha256"

	"golang.org/x/crypto/hkdf"
)

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction
// (RFC 8446, Section 7.1), which RFC 9001's "quic key"/"quic iv"/"quic hp"/
// "quic ku" derivations build on. golang.org/x/crypto/hkdf supplies the
// underlying Extract/Expand; distribution-distribution and grafana-k6 both
// pull in golang.org/x/crypto for exactly this kind of derivation.
func hkdfExpandLabel(hash crypto.Hash, secret []byte, label string, context []byte, length int) []byte {
	var hkdfLabel []byte
	hkdfLabel = appendUint16(hkdfLabel, uint16(length))
	fullLabel := "tls13 " + label
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	n, err := hkdf.Expand(hash.New, secret, hkdfLabel).Read(out)
	if err != nil || n != length {
		panic("quic: hkdf expand failed")
	}
	return out
}

// hkdfExtract runs HKDF-Extract(salt, ikm) -> pseudorandom key.
func hkdfExtract(hash crypto.Hash, salt, ikm []byte) []byte {
	mac := hmac.New(hash.New, salt)
	mac.Write(ikm)
	return mac.Sum(nil)
}

// initialSaltV1 is the version-1 salt used to derive Initial secrets
// (RFC 9001, Section 5.2): 0x38762cf7f55934b34d179ae6a4c80cadccbb7f0a.
var initialSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// deriveInitialSecrets computes the client and server Initial secrets
// for the given client-chosen original destination connection ID,
// per RFC 9001 Section 5.2 and the Appendix A test vectors.
func deriveInitialSecrets(dstConnID []byte) (clientSecret, serverSecret []byte) {
	initialSecret := hkdfExtract(crypto.SHA256, initialSaltV1, dstConnID)
	clientSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, "client in", nil, crypto.SHA256.Size())
	serverSecret = hkdfExpandLabel(crypto.SHA256, initialSecret, "server in", nil, crypto.SHA256.Size())
	return clientSecret, serverSecret
}

// deriveLevelKeys derives AEAD key, IV, and header-protection key from a
// per-level secret, per RFC 9001 Section 5.1.
func deriveLevelKeys(suite aeadSuite, hash crypto.Hash, secret []byte) (key, iv, hp []byte) {
	key = hkdfExpandLabel(hash, secret, "quic key", nil, suite.keyLen())
	iv = hkdfExpandLabel(hash, secret, "quic iv", nil, 12)
	hp = hkdfExpandLabel(hash, secret, "quic hp", nil, suite.keyLen())
	return key, iv, hp
}

// nextKeyPhaseSecret derives the next 1-RTT secret from the current one,
// for sender-initiated or receiver-mirrored key update (RFC 9001 §6).
func nextKeyPhaseSecret(hash crypto.Hash, secret []byte) []byte {
	return hkdfExpandLabel(hash, secret, "quic ku", nil, hash.Size())
}
