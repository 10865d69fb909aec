// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
)

// maxConnIDLen is the largest connection ID this implementation issues
// or accepts from a peer: CIDs are 0-20 bytes.
const maxConnIDLen = 20

// connIDLen is the length of connection IDs this endpoint issues for
// itself. A fixed, non-zero length lets short-header packets be routed
// by connection ID without an out-of-band 4-tuple lookup.
const connIDLen = 8

// statelessResetTokenLen is the fixed length of a stateless reset token:
// 128 bits.
const statelessResetTokenLen = 16

type statelessResetToken [statelessResetTokenLen]byte

// newRandomConnID returns a new random connection ID of connIDLen bytes.
func newRandomConnID() ([]byte, error) {
	b := make([]byte, connIDLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// newRandomConnIDOfLen returns a new random connection ID of n bytes,
// used for the client's initial, arbitrary-length destination CID.
func newRandomConnIDOfLen(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// A statelessResetTokenGenerator derives stateless reset tokens from a
// connection ID and a static, cluster-wide key, so that any
// instance sharing the key can produce (or recognize) the token for a
// CID without retaining per-connection state.
type statelessResetTokenGenerator struct {
	key      [32]byte
	canReset bool
}

func (g *statelessResetTokenGenerator) init(key [32]byte) {
	g.key = key
	for _, b := range key {
		if b != 0 {
			g.canReset = true
			break
		}
	}
}

// tokenForConnID computes token = HMAC-SHA256(static_key, cid)[:16],
// the construction RFC 9000 Section 10.3.2 recommends.
func (g *statelessResetTokenGenerator) tokenForConnID(cid []byte) statelessResetToken {
	mac := hmac.New(sha256.New, g.key[:])
	mac.Write(cid)
	sum := mac.Sum(nil)
	var tok statelessResetToken
	copy(tok[:], sum[:statelessResetTokenLen])
	return tok
}

// constantTimeEqualToken compares two stateless reset tokens without leaking
// timing information.
func constantTimeEqualToken(a, b statelessResetToken) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
