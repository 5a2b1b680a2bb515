// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"strings"
	"testing"
)

func TestNewShareID_Format(t *testing.T) {
	share := NewShareID()

	if len(share.String()) != ShareIDLength {
		t.Fatalf("share id length = %d, want %d", len(share.String()), ShareIDLength)
	}
	for _, char := range share.String() {
		if !strings.ContainsRune(Base58Alphabet, char) {
			t.Errorf("share id %q contains %q outside the base58 alphabet", share, char)
		}
	}
}

func TestParseShareID(t *testing.T) {
	share := NewShareID()
	parsed, err := ParseShareID(share.String())
	if err != nil {
		t.Fatalf("ParseShareID(%q) error: %v", share, err)
	}
	if parsed != share {
		t.Errorf("ParseShareID round-trip = %q, want %q", parsed, share)
	}

	if _, err := ParseShareID("short"); err == nil {
		t.Error("ParseShareID accepted a short id")
	}
	if _, err := ParseShareID("0OIl00000000"); err == nil {
		t.Error("ParseShareID accepted excluded characters")
	}
}

func TestRandomBase58_Unbiased(t *testing.T) {
	// Every generated string has exactly the requested length and
	// stays within the alphabet.
	for range 32 {
		seed := RandomBase58(16)
		if len(seed) != 16 {
			t.Fatalf("RandomBase58(16) length = %d", len(seed))
		}
		for _, char := range seed {
			if !strings.ContainsRune(Base58Alphabet, char) {
				t.Fatalf("seed %q contains %q outside the alphabet", seed, char)
			}
		}
	}
}

func TestActorID_NoDashes(t *testing.T) {
	actor := NewActorID()
	if strings.Contains(actor.String(), "-") {
		t.Errorf("actor id %q contains dashes", actor)
	}
	if len(actor.String()) != 32 {
		t.Errorf("actor id length = %d, want 32", len(actor.String()))
	}
}

func TestDocumentID_TextRoundTrip(t *testing.T) {
	id := NewDocumentID()

	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText() error: %v", err)
	}

	var decoded DocumentID
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText() error: %v", err)
	}
	if decoded != id {
		t.Errorf("round-trip = %q, want %q", decoded, id)
	}
}

func TestZeroIDsMarshalEmpty(t *testing.T) {
	if text, err := (ShareID{}).MarshalText(); err != nil || len(text) != 0 {
		t.Errorf("zero ShareID = %q, %v", text, err)
	}
	if text, err := (DocumentID{}).MarshalText(); err != nil || len(text) != 0 {
		t.Errorf("zero DocumentID = %q, %v", text, err)
	}
	var decoded ShareID
	if err := decoded.UnmarshalText(nil); err != nil || !decoded.IsZero() {
		t.Errorf("empty text decoded to %q, %v", decoded, err)
	}
}
