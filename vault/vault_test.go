// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/secret"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := New(t.TempDir(), nil)

	raw := randomKey(t)
	want := append([]byte(nil), raw...)

	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := v.WrapKey(ctx, "Alice", "correct horse", buffer); err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	buffer.Close()

	unwrapped, err := v.UnwrapKey(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	defer unwrapped.Close()

	if !bytes.Equal(unwrapped.Bytes(), want) {
		t.Fatalf("unwrapped key = %x, want %x", unwrapped.Bytes(), want)
	}
}

func TestUnwrapWrongPassword(t *testing.T) {
	ctx := context.Background()
	v := New(t.TempDir(), nil)

	buffer, err := secret.NewFromBytes(randomKey(t))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := v.WrapKey(ctx, "bob", "right", buffer); err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	buffer.Close()

	_, err = v.UnwrapKey(ctx, "bob", "wrong")
	if !apperror.Is(err, apperror.WrongPassword) {
		t.Fatalf("UnwrapKey with wrong password: got %v, want WRONG_PASSWORD", err)
	}
}

func TestUnwrapMissingRecord(t *testing.T) {
	ctx := context.Background()
	v := New(t.TempDir(), nil)

	_, err := v.UnwrapKey(ctx, "nobody", "password")
	if !apperror.Is(err, apperror.EncryptionCorrupted) {
		t.Fatalf("UnwrapKey for missing record: got %v, want ENCRYPTION_CORRUPTED", err)
	}
}

func TestWrapOverwritesOnPasswordChange(t *testing.T) {
	ctx := context.Background()
	v := New(t.TempDir(), nil)

	want := randomKey(t)

	for _, password := range []string{"old password", "new password"} {
		buffer, err := secret.NewFromBytes(append([]byte(nil), want...))
		if err != nil {
			t.Fatalf("NewFromBytes: %v", err)
		}
		if err := v.WrapKey(ctx, "carol", password, buffer); err != nil {
			t.Fatalf("WrapKey(%q): %v", password, err)
		}
		buffer.Close()
	}

	if _, err := v.UnwrapKey(ctx, "carol", "old password"); !apperror.Is(err, apperror.WrongPassword) {
		t.Fatalf("old password after rewrap: got %v, want WRONG_PASSWORD", err)
	}

	unwrapped, err := v.UnwrapKey(ctx, "carol", "new password")
	if err != nil {
		t.Fatalf("UnwrapKey after rewrap: %v", err)
	}
	defer unwrapped.Close()
	if !bytes.Equal(unwrapped.Bytes(), want) {
		t.Fatalf("rewrapped key changed: got %x, want %x", unwrapped.Bytes(), want)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	v := New(t.TempDir(), nil)

	buffer, err := secret.NewFromBytes(randomKey(t))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := v.WrapKey(ctx, "dave", "pw", buffer); err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	buffer.Close()

	if err := v.Delete(ctx, "DAVE"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := v.UnwrapKey(ctx, "dave", "pw"); !apperror.Is(err, apperror.EncryptionCorrupted) {
		t.Fatalf("UnwrapKey after delete: got %v, want ENCRYPTION_CORRUPTED", err)
	}

	// Deleting again is a no-op.
	if err := v.Delete(ctx, "dave"); err != nil {
		t.Fatalf("Delete of missing record: %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	ctx := context.Background()

	first, salt, err := DeriveKey(ctx, []byte("pw"), "")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer first.Close()
	if salt == "" {
		t.Fatal("DeriveKey returned empty salt")
	}

	second, salt2, err := DeriveKey(ctx, []byte("pw"), salt)
	if err != nil {
		t.Fatalf("DeriveKey with salt: %v", err)
	}
	defer second.Close()
	if salt2 != salt {
		t.Fatalf("salt changed on re-derivation: %q != %q", salt2, salt)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatal("same password and salt derived different keys")
	}

	third, _, err := DeriveKey(ctx, []byte("other"), salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer third.Close()
	if bytes.Equal(first.Bytes(), third.Bytes()) {
		t.Fatal("different passwords derived the same key")
	}
}

func TestDeriveKeyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := DeriveKey(ctx, []byte("pw"), "")
	if !apperror.Is(err, apperror.Timeout) {
		t.Fatalf("DeriveKey with canceled context: got %v, want TIMEOUT", err)
	}
}
