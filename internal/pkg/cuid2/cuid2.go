package cuid2

import (
	"crypto/rand"
	"strings"
	"time"
)

// Base62 alphabet, ordinal order so encoded timestamps sort lexicographically.
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const (
	timestampLength = 6
	randomLength    = 18
)

// NewPrefixedID returns "<prefix>_<6-char base62 timestamp><18 random base62
// chars>". The timestamp prefix gives B-tree index locality for rows inserted
// close in time; the random tail makes collisions practically impossible.
//
//	NewPrefixedID("run") // "run_1rK5iqB3cD5eF7gH9iJ1k2mN"
func NewPrefixedID(prefix string) string {
	return prefix + "_" + encodeTimestamp(time.Now().Unix()) + randomBase62(randomLength)
}

// encodeTimestamp renders Unix seconds as fixed-width base62. Six characters
// cover roughly 1800 years from the epoch.
func encodeTimestamp(seconds int64) string {
	out := make([]byte, timestampLength)
	n := seconds
	for i := timestampLength - 1; i >= 0; i-- {
		out[i] = base62Alphabet[n%62]
		n /= 62
	}
	return string(out)
}

// randomBase62 draws uniform base62 characters from crypto/rand using 6-bit
// extraction with rejection sampling (values 62 and 63 are discarded).
func randomBase62(length int) string {
	// Over-request to absorb the ~3% rejection rate.
	buf := make([]byte, (length*6)/8+4)
	if _, err := rand.Read(buf); err != nil {
		panic("cuid2: read random bytes: " + err.Error())
	}

	var sb strings.Builder
	sb.Grow(length)
	var bits uint64
	var nbits uint
	idx := 0
	for sb.Len() < length {
		for nbits < 6 && idx < len(buf) {
			bits = bits<<8 | uint64(buf[idx])
			nbits += 8
			idx++
		}
		if nbits < 6 {
			if _, err := rand.Read(buf); err != nil {
				panic("cuid2: read random bytes: " + err.Error())
			}
			idx, bits, nbits = 0, 0, 0
			continue
		}
		v := (bits >> (nbits - 6)) & 0x3f
		nbits -= 6
		if v < 62 {
			sb.WriteByte(base62Alphabet[v])
		}
	}
	return sb.String()
}
