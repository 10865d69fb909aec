// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendStatelessResetLength(t *testing.T) {
	var token statelessResetToken
	for i := range token {
		token[i] = byte(i)
	}

	cases := []struct {
		name       string
		triggerLen int
		wantLen    int
	}{
		{"shorter than minimum", 1, minStatelessResetLen},
		{"exactly minimum", minStatelessResetLen + 1, minStatelessResetLen},
		{"within bounds", 40, 39},
		{"longer than maximum", 1000, maxStatelessResetLen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := appendStatelessReset(nil, token, tc.triggerLen)
			require.Len(t, b, tc.wantLen)
			assert.GreaterOrEqual(t, len(b), minStatelessResetLen)
			assert.LessOrEqual(t, len(b), maxStatelessResetLen)
		})
	}
}

func TestAppendStatelessResetLooksShortHeader(t *testing.T) {
	var token statelessResetToken
	for i := range token {
		token[i] = 0xAA
	}
	b := appendStatelessReset(nil, token, 30)
	assert.False(t, isLongHeader(b[0]), "stateless reset must not set the long header bit")
	assert.NotZero(t, b[0]&fixedBit, "stateless reset must set the fixed bit")
}

func TestAppendStatelessResetTrailingToken(t *testing.T) {
	var token statelessResetToken
	for i := range token {
		token[i] = byte(0xF0 + i)
	}
	prefix := []byte("existing datagram prefix")
	b := appendStatelessReset(append([]byte{}, prefix...), token, 30)

	require.True(t, len(b) > len(prefix))
	var got statelessResetToken
	copy(got[:], b[len(b)-statelessResetTokenLen:])
	assert.Equal(t, token, got)
	assert.Equal(t, prefix, b[:len(prefix)])
}

func TestStatelessResetLimiterAllowsBurstThenThrottles(t *testing.T) {
	l := newStatelessResetLimiter()
	allowed := 0
	for i := 0; i < 64; i++ {
		if l.allow() {
			allowed++
		}
	}
	// Burst size is 40; anything beyond that within the same instant
	// must be refused so a flood of unroutable datagrams cannot be
	// amplified into an outbound storm.
	assert.Equal(t, 40, allowed)
}

func TestStatelessResetTokenGeneratorDeterministic(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	var gen statelessResetTokenGenerator
	gen.init(key)
	require.True(t, gen.canReset)

	cid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	tok1 := gen.tokenForConnID(cid)
	tok2 := gen.tokenForConnID(cid)
	assert.True(t, constantTimeEqualToken(tok1, tok2), "same CID must yield the same token")

	otherCID := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	tok3 := gen.tokenForConnID(otherCID)
	assert.False(t, constantTimeEqualToken(tok1, tok3), "different CIDs must yield different tokens")
}

func TestStatelessResetTokenGeneratorZeroKeyDisablesReset(t *testing.T) {
	var gen statelessResetTokenGenerator
	gen.init([32]byte{})
	assert.False(t, gen.canReset, "an all-zero key must not enable stateless reset")
}
