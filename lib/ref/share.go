// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"crypto/rand"
	"fmt"
)

// Base58Alphabet is the restricted alphabet used for share ids and
// invitation seeds: the Bitcoin base58 set, which excludes 0, O, I,
// and l to keep hand-typed codes unambiguous.
const Base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ShareIDLength is the fixed length of a share id in characters.
const ShareIDLength = 12

// ShareID is the stable identifier of a team's trust graph, used to
// address it on the sync server (wss://<server>/<shareId>).
type ShareID struct {
	id string
}

// NewShareID generates a random share id from the base58 alphabet.
func NewShareID() ShareID {
	return ShareID{id: randomBase58(ShareIDLength)}
}

// ParseShareID validates a raw share id string: exactly ShareIDLength
// characters, all from the base58 alphabet.
func ParseShareID(raw string) (ShareID, error) {
	if len(raw) != ShareIDLength {
		return ShareID{}, fmt.Errorf("share id must be %d characters, got %d", ShareIDLength, len(raw))
	}
	if !isBase58(raw) {
		return ShareID{}, fmt.Errorf("share id %q contains characters outside the base58 alphabet", raw)
	}
	return ShareID{id: raw}, nil
}

// String returns the raw share id string.
func (s ShareID) String() string { return s.id }

// IsZero reports whether the ShareID is the zero value.
func (s ShareID) IsZero() bool { return s.id == "" }

// MarshalText implements encoding.TextMarshaler. The zero value
// marshals to an empty string, so omitempty fields holding a zero id
// encode cleanly.
func (s ShareID) MarshalText() ([]byte, error) {
	return []byte(s.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value.
func (s *ShareID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ShareID{}
		return nil
	}
	parsed, err := ParseShareID(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// randomBase58 returns length characters drawn uniformly from the
// base58 alphabet using crypto/rand. Rejection sampling avoids the
// modulo bias a plain byte%58 mapping would introduce.
func randomBase58(length int) string {
	result := make([]byte, 0, length)
	buffer := make([]byte, length*2)
	for len(result) < length {
		if _, err := rand.Read(buffer); err != nil {
			panic("ref: reading random bytes: " + err.Error())
		}
		for _, b := range buffer {
			if int(b) < 58*4 { // largest multiple of 58 below 256
				result = append(result, Base58Alphabet[int(b)%58])
				if len(result) == length {
					break
				}
			}
		}
	}
	return string(result)
}

func isBase58(text string) bool {
	for _, char := range text {
		found := false
		for _, allowed := range Base58Alphabet {
			if char == allowed {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RandomBase58 exposes base58 random string generation for invitation
// seeds.
func RandomBase58(length int) string { return randomBase58(length) }
