// Package ident generates time-ordered unique identifiers for sessions and
// conversations. Identifiers sort lexicographically by creation time, so
// directory listings and log lines stay in chronological order.
package ident

import (
	"crypto/rand"
	"sync"
	"time"
)

// Crockford base32, the alphabet ULIDs use. Excludes I, L, O, U.
const encoding = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	timeLen   = 10 // 48-bit millisecond timestamp
	randomLen = 16 // 80 bits of entropy
)

var (
	mu       sync.Mutex
	lastMs   int64
	lastRand [10]byte
)

// New returns a 26-character identifier: a 48-bit millisecond timestamp
// followed by 80 bits of entropy, both Crockford base32 encoded.
// Identifiers generated within the same millisecond increment the entropy
// portion so they remain strictly ordered.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns an identifier for the given timestamp. Exposed for tests.
func NewAt(t time.Time) string {
	ms := t.UnixMilli()

	mu.Lock()
	if ms == lastMs {
		// Same millisecond: increment the previous entropy so ordering holds.
		for i := len(lastRand) - 1; i >= 0; i-- {
			lastRand[i]++
			if lastRand[i] != 0 {
				break
			}
		}
	} else {
		lastMs = ms
		if _, err := rand.Read(lastRand[:]); err != nil {
			// crypto/rand never fails on supported platforms; fall back to
			// the timestamp bits rather than returning an error from New.
			for i := range lastRand {
				lastRand[i] = byte(ms >> (uint(i%8) * 8))
			}
		}
	}
	entropy := lastRand
	mu.Unlock()

	var out [timeLen + randomLen]byte

	// Encode 48-bit timestamp into 10 base32 characters, most significant first.
	v := uint64(ms)
	for i := timeLen - 1; i >= 0; i-- {
		out[i] = encoding[v&0x1f]
		v >>= 5
	}

	// Encode 80 entropy bits into 16 base32 characters.
	var acc uint64
	bits := 0
	pos := timeLen
	for _, b := range entropy {
		acc = acc<<8 | uint64(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[pos] = encoding[(acc>>uint(bits))&0x1f]
			pos++
		}
	}

	return string(out[:])
}

// Timestamp extracts the creation time encoded in an identifier.
// Returns the zero time if the identifier is malformed.
func Timestamp(id string) time.Time {
	if len(id) < timeLen {
		return time.Time{}
	}
	var ms uint64
	for i := 0; i < timeLen; i++ {
		idx := decode(id[i])
		if idx < 0 {
			return time.Time{}
		}
		ms = ms<<5 | uint64(idx)
	}
	return time.UnixMilli(int64(ms))
}

func decode(c byte) int {
	for i := 0; i < len(encoding); i++ {
		if encoding[i] == c {
			return i
		}
	}
	return -1
}
