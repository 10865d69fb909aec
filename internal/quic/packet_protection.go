// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
)

// An aeadSuite names one of the AEAD algorithms TLS 1.3 may negotiate for
// use with QUIC (RFC 9001, Section 5.3). The TLS engine reports the
// negotiated suite alongside each derived secret.
type aeadSuite int

const (
	suiteAES128GCM aeadSuite = iota
	suiteAES256GCM
	suiteChaCha20Poly1305
)

func (s aeadSuite) keyLen() int {
	switch s {
	case suiteAES128GCM:
		return 16
	case suiteAES256GCM:
		return 32
	case suiteChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		panic("quic: unknown AEAD suite")
	}
}

func (s aeadSuite) hash() crypto.Hash { return crypto.SHA256 } // all v1 suites use SHA-256

// confidentialityLimit and integrityLimit bound the number of times a
// single AEAD key may be used for encryption/decryption before it must
// be retired (RFC 9001 Section 6.6), enforced as AEAD_LIMIT_REACHED.
func (s aeadSuite) confidentialityLimit() uint64 {
	switch s {
	case suiteAES128GCM, suiteAES256GCM:
		return 1 << 23
	case suiteChaCha20Poly1305:
		return 1 << 62
	default:
		return 0
	}
}

func (s aeadSuite) integrityLimit() uint64 {
	switch s {
	case suiteAES128GCM, suiteAES256GCM:
		return 1 << 52
	case suiteChaCha20Poly1305:
		return 1 << 36
	default:
		return 0
	}
}

func (s aeadSuite) newAEAD(key []byte) cipher.AEAD {
	switch s {
	case suiteAES128GCM, suiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			panic(err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			panic(err)
		}
		return aead
	case suiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			panic(err)
		}
		return aead
	default:
		panic("quic: unknown AEAD suite")
	}
}

// keys holds one direction's (send or receive) packet-protection state
// for a single encryption level/key-phase.
type keys struct {
	suite  aeadSuite
	secret []byte
	aead   cipher.AEAD
	iv     []byte
	hpKey  []byte
	set    bool

	invocations uint64 // packets sealed or opened with this key
}

func (k keys) isSet() bool { return k.set }

// newKeys derives AEAD/IV/header-protection keys from secret for suite.
func newKeys(suite aeadSuite, secret []byte) keys {
	key, iv, hp := deriveLevelKeys(suite, suite.hash(), secret)
	return keys{
		suite:  suite,
		secret: secret,
		aead:   suite.newAEAD(key),
		iv:     iv,
		hpKey:  hp,
		set:    true,
	}
}

// newUpdatedKeys derives the next 1-RTT key phase from secret, reusing
// hpKey unchanged: RFC 9001 Section 6.1 keeps the header protection key
// fixed for the life of the connection, rotating only the packet
// protection key and IV on a key update.
func newUpdatedKeys(suite aeadSuite, secret []byte, hpKey []byte) keys {
	key, iv, _ := deriveLevelKeys(suite, suite.hash(), secret)
	return keys{
		suite:  suite,
		secret: secret,
		aead:   suite.newAEAD(key),
		iv:     iv,
		hpKey:  hpKey,
		set:    true,
	}
}

// initialKeys derives the Initial-level key pair for dstConnID, used
// both by the side originating a connection (to send/receive its own
// Initial packets) and by an endpoint that needs to read a peer's
// Initial packet it did not yet have installed keys for (e.g. a server
// validating a Retry token echo, or version-negotiation/close replies).
func initialKeys(dstConnID []byte, side connSide) (w, r keys) {
	clientSecret, serverSecret := deriveInitialSecrets(dstConnID)
	if side == clientSide {
		return newKeys(suiteAES128GCM, clientSecret), newKeys(suiteAES128GCM, serverSecret)
	}
	return newKeys(suiteAES128GCM, serverSecret), newKeys(suiteAES128GCM, clientSecret)
}

// nonce computes the AEAD nonce for pnum: iv XOR left-padded packet number.
func (k keys) nonce(pnum packetNumber) []byte {
	nonce := make([]byte, len(k.iv))
	copy(nonce, k.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(pnum >> (8 * i))
	}
	return nonce
}

// seal encrypts and authenticates plaintext in place, appending the
// result (including the AEAD tag) to dst. aad is the unprotected header.
func (k *keys) seal(dst, aad, plaintext []byte, pnum packetNumber) []byte {
	k.invocations++
	return k.aead.Seal(dst, k.nonce(pnum), plaintext, aad)
}

// open authenticates and decrypts ciphertext, appending the plaintext to dst.
func (k *keys) open(dst, aad, ciphertext []byte, pnum packetNumber) ([]byte, error) {
	k.invocations++
	return k.aead.Open(dst, k.nonce(pnum), ciphertext, aad)
}

// aeadLimitReached reports whether this key has been used enough times
// that it must be retired.
func (k keys) aeadLimitReached() bool {
	return k.invocations >= k.suite.integrityLimit() || k.invocations >= k.suite.confidentialityLimit()
}

// zero destroys key material in place when a key epoch is discarded.
func (k *keys) zero() {
	for i := range k.secret {
		k.secret[i] = 0
	}
	for i := range k.hpKey {
		k.hpKey[i] = 0
	}
	*k = keys{}
}

// headerProtectionSampleLen/headerProtectionPNOffsetForSample locate the
// 16-byte HP sample: it begins 4 bytes past the start of the
// packet-number field regardless of that field's actual length, since
// the sample offset must be fixed before header protection has been
// removed and the true packet-number length is known (RFC 9001 Section
// 5.4.2).
const headerProtectionSampleLen = 16
const headerProtectionPNOffsetForSample = 4

// hpMask computes the 5-byte header-protection mask for sample (RFC 9001
// Section 5.4.1/5.4.2): mask[0] conditionally clears bits of the first
// header byte, mask[1:5] XOR the (up to 4-byte) packet number field.
func (k keys) hpMask(sample []byte) [5]byte {
	switch k.suite {
	case suiteAES128GCM, suiteAES256GCM:
		block, err := aes.NewCipher(k.hpKey)
		if err != nil {
			panic(err)
		}
		var out [5]byte
		var buf [aes.BlockSize]byte
		block.Encrypt(buf[:], sample)
		copy(out[:], buf[:5])
		return out
	case suiteChaCha20Poly1305:
		// RFC 9001 Section 5.4.3: counter and nonce are parsed little-endian
		// from the sample.
		counter := uint32(sample[0]) | uint32(sample[1])<<8 | uint32(sample[2])<<16 | uint32(sample[3])<<24
		nonce := append([]byte(nil), sample[4:16]...)
		c, err := chacha20.NewUnauthenticatedCipher(k.hpKey, nonce)
		if err != nil {
			panic(err)
		}
		c.SetCounter(counter)
		var out [5]byte
		c.XORKeyStream(out[:], out[:])
		return out
	default:
		panic("quic: unknown AEAD suite")
	}
}

// protectHeader applies header protection in place to a long- or
// short-header packet already written to buf, where pnumOff is the
// offset of the packet-number field and pnumLen is its length.
func protectHeader(buf []byte, pnumOff, pnumLen int, k *keys, long bool) {
	sampleOff := pnumOff + headerProtectionPNOffsetForSample
	sample := buf[sampleOff : sampleOff+headerProtectionSampleLen]
	mask := k.hpMask(sample)
	if long {
		buf[0] ^= mask[0] & 0x0f
	} else {
		buf[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnumLen; i++ {
		buf[pnumOff+i] ^= mask[1+i]
	}
}

// unprotectHeader removes header protection in place and returns the
// decoded packet-number length (1-4) and the truncated packet number
// value, without yet knowing the true packet number (that requires
// decodePacketNumber against the space's largest-received value).
func unprotectHeader(buf []byte, pnumOff int, k *keys, long bool) (pnumLen int, truncated uint32) {
	sampleOff := pnumOff + headerProtectionPNOffsetForSample
	if sampleOff+headerProtectionSampleLen > len(buf) {
		return -1, 0
	}
	sample := buf[sampleOff : sampleOff+headerProtectionSampleLen]
	mask := k.hpMask(sample)
	if long {
		buf[0] ^= mask[0] & 0x0f
	} else {
		buf[0] ^= mask[0] & 0x1f
	}
	pnumLen = int(buf[0]&0x03) + 1
	truncated = 0
	for i := 0; i < pnumLen; i++ {
		buf[pnumOff+i] ^= mask[1+i]
		truncated = truncated<<8 | uint32(buf[pnumOff+i])
	}
	return pnumLen, truncated
}

var _ = sha256.Size // ensure crypto/sha256 registration for crypto.SHA256
