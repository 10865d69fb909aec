// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

// A varint is the QUIC variable-length integer encoding (RFC 9000, Section 16).
// Values fit in 62 bits; the two most significant bits of the first byte
// record the encoded length as a power of two: 00=>1, 01=>2, 10=>4, 11=>8.

const maxVarint = (1 << 62) - 1

// sizeVarint returns the number of bytes required to encode v as a varint,
// choosing the shortest legal encoding.
func sizeVarint(v uint64) int {
	switch {
	case v <= 63:
		return 1
	case v <= 16383:
		return 2
	case v <= 1073741823:
		return 4
	case v <= maxVarint:
		return 8
	default:
		panic("quic: varint value out of range")
	}
}

// appendVarint appends the varint encoding of v to b.
func appendVarint(b []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(b, byte(v))
	case v <= 16383:
		return append(b, byte(0b01<<6)|byte(v>>8), byte(v))
	case v <= 1073741823:
		return append(b,
			byte(0b10<<6)|byte(v>>24),
			byte(v>>16), byte(v>>8), byte(v))
	case v <= maxVarint:
		return append(b,
			byte(0b11<<6)|byte(v>>56),
			byte(v>>48), byte(v>>40), byte(v>>32),
			byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		panic("quic: varint value out of range")
	}
}

// consumeVarint parses a varint at the start of b.
// It returns the value and the number of bytes consumed, or -1 if b
// does not contain a complete, validly-encoded varint.
func consumeVarint(b []byte) (v uint64, n int) {
	if len(b) == 0 {
		return 0, -1
	}
	n = 1 << (b[0] >> 6)
	if len(b) < n {
		return 0, -1
	}
	v = uint64(b[0] & 0x3f)
	for i := 1; i < n; i++ {
		v = (v << 8) | uint64(b[i])
	}
	// Reject non-shortest encodings: a well-formed varint never uses
	// more bytes than sizeVarint(v) would.
	if sizeVarint(v) != n {
		return 0, -1
	}
	return v, n
}

// consumeVarintInt64 is consumeVarint with the result as an int64,
// for call sites that want a signed value (e.g. stream IDs, offsets)
// without a separate conversion at every call site.
func consumeVarintInt64(b []byte) (v int64, n int) {
	uv, n := consumeVarint(b)
	return int64(uv), n
}
