// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// retryAEADKey and retryAEADNonce are the fixed, version-1 key and nonce
// used to compute a Retry packet's integrity tag (RFC 9001 Section 5.8).
// They are public constants, not secrets: the tag authenticates that a
// Retry came from a party that ran this algorithm, not that it came from
// a specific endpoint.
var (
	retryAEADKey   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryAEADNonce = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

// retryIntegrityTag computes the 16-byte integrity tag for a Retry
// packet. pseudo is the "Retry Pseudo-Packet" associated data: the
// original destination connection ID (length-prefixed) followed by the
// Retry packet's own header and token.
func retryIntegrityTag(origDstConnID, retryHeaderAndToken []byte) []byte {
	block, err := aes.NewCipher(retryAEADKey)
	if err != nil {
		panic(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		panic(err)
	}
	aad := make([]byte, 0, 1+len(origDstConnID)+len(retryHeaderAndToken))
	aad = append(aad, byte(len(origDstConnID)))
	aad = append(aad, origDstConnID...)
	aad = append(aad, retryHeaderAndToken...)
	return aead.Seal(nil, retryAEADNonce, nil, aad)
}

// verifyRetryIntegrityTag reports whether tag is the correct integrity
// tag for a Retry packet whose header-and-token bytes are headerAndToken,
// given the original destination connection ID the client used in its
// first Initial packet (the value this Retry is responding to).
func verifyRetryIntegrityTag(headerAndToken, tag, origDstConnID []byte) bool {
	want := retryIntegrityTag(origDstConnID, headerAndToken)
	return subtle.ConstantTimeCompare(want, tag) == 1
}

// appendRetryPacket builds a complete Retry packet: a long header (no
// packet number, no length field) followed by the token and a 16-byte
// integrity tag computed over (origDstConnID || header || token).
func appendRetryPacket(b []byte, origDstConnID, dstConnID, srcConnID, token []byte) []byte {
	start := len(b)
	b = append(b, headerFormLong|fixedBit|(3<<4))
	b = appendUint32(b, quicVersion1)
	b = append(b, byte(len(dstConnID)))
	b = append(b, dstConnID...)
	b = append(b, byte(len(srcConnID)))
	b = append(b, srcConnID...)
	b = append(b, token...)
	tag := retryIntegrityTag(origDstConnID, b[start:])
	b = append(b, tag...)
	return b
}

// A tokenIssuer creates and validates address-validation tokens, shared
// between Retry tokens and post-handshake NEW_TOKEN tokens: both prove
// an address was previously validated. Tokens are HMAC-SHA256-authenticated
// blobs carrying the
// peer address and, for Retry tokens, the original destination
// connection ID needed to re-derive Initial secrets.
type tokenIssuer struct {
	key [32]byte
}

func newTokenIssuer(key [32]byte) *tokenIssuer {
	return &tokenIssuer{key: key}
}

const tokenMACLen = 32

// mintRetryToken creates a token to place in a Retry packet.
func (ti *tokenIssuer) mintRetryToken(peerAddr string, origDstConnID []byte) []byte {
	return ti.mint(1, peerAddr, origDstConnID)
}

// mintNewToken creates a token to place in a post-handshake NEW_TOKEN frame.
func (ti *tokenIssuer) mintNewToken(peerAddr string) []byte {
	return ti.mint(0, peerAddr, nil)
}

func (ti *tokenIssuer) mint(kind byte, peerAddr string, extra []byte) []byte {
	body := make([]byte, 0, 1+2+len(peerAddr)+len(extra))
	body = append(body, kind)
	body = appendUint16(body, uint16(len(peerAddr)))
	body = append(body, peerAddr...)
	body = append(body, extra...)

	mac := hmac.New(sha256.New, ti.key[:])
	mac.Write(body)
	tag := mac.Sum(nil)
	return append(body, tag...)
}

// validate checks a token's MAC and that it was minted for peerAddr.
// For a Retry token it also returns the embedded original destination
// connection ID.
func (ti *tokenIssuer) validate(token []byte, peerAddr string) (origDstConnID []byte, isRetry bool, ok bool) {
	if len(token) < 1+2+tokenMACLen {
		return nil, false, false
	}
	body := token[:len(token)-tokenMACLen]
	tag := token[len(token)-tokenMACLen:]

	mac := hmac.New(sha256.New, ti.key[:])
	mac.Write(body)
	want := mac.Sum(nil)
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		return nil, false, false
	}

	r := newByteReader(body)
	kind := r.uint8()
	alen := int(r.uint16())
	addr := r.bytes(alen)
	rest := r.remaining()
	if !r.ok() || string(addr) != peerAddr {
		return nil, false, false
	}
	if kind == 1 {
		return rest, true, true
	}
	return nil, false, true
}
