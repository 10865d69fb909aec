// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "sort"

// A numberRange is an inclusive range [start, end] of packet numbers.
type numberRange struct {
	start, end packetNumber
}

func (r numberRange) size() int64 { return int64(r.end-r.start) + 1 }

// A rangeset is an ordered, coalesced set of numberRanges, stored in
// ascending order. It backs both the duplicate-suppression set and the
// ACK range list (the ACK list is read out in descending order, largest
// first, at the point of encoding).
type rangeset []numberRange

// contains reports whether v is a member of the set.
func (s rangeset) contains(v packetNumber) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].end >= v })
	return i < len(s) && s[i].start <= v
}

// add inserts the inclusive range [start, end], merging with any
// overlapping or adjacent ranges.
func (s *rangeset) add(start, end packetNumber) {
	if start > end {
		return
	}
	r := *s
	i := sort.Search(len(r), func(i int) bool { return r[i].end >= start-1 })
	j := sort.Search(len(r), func(i int) bool { return r[i].start > end+1 })
	if i >= j {
		// No overlap with any existing range; insert a new one at i.
		r = append(r, numberRange{})
		copy(r[i+1:], r[i:])
		r[i] = numberRange{start, end}
		*s = r
		return
	}
	if r[i].start < start {
		start = r[i].start
	}
	if r[j-1].end > end {
		end = r[j-1].end
	}
	r[i] = numberRange{start, end}
	r = append(r[:i+1], r[j:]...)
	*s = r
}

// removeBefore discards any portion of the set below v.
func (s *rangeset) removeBefore(v packetNumber) {
	r := *s
	i := sort.Search(len(r), func(i int) bool { return r[i].end >= v })
	r = r[i:]
	if len(r) > 0 && r[0].start < v {
		r[0].start = v
	}
	*s = r
}

// min returns the smallest value in the set, and whether the set is non-empty.
func (s rangeset) min() (packetNumber, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[0].start, true
}

// max returns the largest value in the set, and whether the set is non-empty.
func (s rangeset) max() (packetNumber, bool) {
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1].end, true
}

// numRanges reports the number of disjoint ranges in the set.
func (s rangeset) numRanges() int { return len(s) }

// isrange reports whether the set is exactly the single range [start, end].
func (s rangeset) isrange(start, end packetNumber) bool {
	return len(s) == 1 && s[0].start == start && s[0].end == end
}

// truncate drops the oldest (smallest) ranges until at most n remain,
// used to cap the ACK range list.
func (s *rangeset) truncate(n int) {
	r := *s
	if len(r) <= n {
		return
	}
	*s = r[len(r)-n:]
}
