// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault derives and stores the symmetric keys that unlock
// per-account databases. Each account's 32-byte store key is wrapped
// (authenticated-encrypted) under a key derived from the user's
// password with Argon2id, and the wrapped form is persisted in a
// fixed-name "vault" database keyed by lowercased username.
//
// The vault database itself is opened with a hard-coded system key.
// That key is obfuscation, not protection: it keeps casual tools from
// reading the wrapped blobs, while the real security boundary is the
// password-derived wrap. Platform keychain integration, where
// available, is layered outside this package.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/store"
)

// Argon2id parameters. Time and parallelism follow RFC 9106's second
// recommended option; memory is deliberately reduced from the
// recommended 64 MiB because a full-memory derivation takes several
// seconds on low-end tablets, which makes unlocking feel broken.
const (
	argonTime    = 3
	argonMemory  = 4096 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// DatabaseName is the fixed name of the vault database file.
const DatabaseName = "vault"

// systemKey opens the vault database. The hard-coded value obfuscates
// the file on disk, nothing more; see the package comment.
var systemKey = []byte{
	62, 57, 207, 35, 164, 116, 202, 152, 198, 136, 133, 9, 31, 23, 64, 32,
	185, 38, 79, 219, 148, 181, 216, 91, 252, 141, 59, 73, 185, 88, 138, 116,
}

// Vault wraps and unwraps account keys. Operations open the vault
// database, perform one read or write, and close it again; the vault
// is touched only at registration, login, and password change, so
// holding it open would only widen the window where its contents are
// reachable.
type Vault struct {
	dir    string
	logger *slog.Logger
}

// New returns a Vault storing its database in dir.
func New(dir string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Vault{dir: dir, logger: logger}
}

// DeriveKey derives a 32-byte key from a password with Argon2id. If
// salt is empty, a fresh random 16-byte salt is generated. The
// returned encoded salt is unpadded base64 and feeds back into
// DeriveKey to reproduce the digest. Deterministic for fixed
// (password, salt).
//
// Derivation is memory-hard and CPU-bound; it runs on its own
// goroutine so a caller driving an interactive loop can keep
// scheduling, and it respects ctx cancellation.
func DeriveKey(ctx context.Context, password []byte, encodedSalt string) (*secret.Buffer, string, error) {
	var salt []byte
	if encodedSalt == "" {
		salt = make([]byte, saltLen)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, "", fmt.Errorf("vault: generating salt: %w", err)
		}
		encodedSalt = base64.RawStdEncoding.EncodeToString(salt)
	} else {
		var err error
		salt, err = base64.RawStdEncoding.DecodeString(encodedSalt)
		if err != nil {
			return nil, "", apperror.Wrap(apperror.EncryptionCorrupted, fmt.Errorf("vault: decoding salt: %w", err))
		}
	}

	type result struct {
		digest *secret.Buffer
		err    error
	}
	results := make(chan result, 1)
	go func() {
		digest := argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
		buffer, err := secret.NewFromBytes(digest)
		results <- result{digest: buffer, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, "", fmt.Errorf("vault: protecting derived key: %w", r.err)
		}
		return r.digest, encodedSalt, nil
	case <-ctx.Done():
		// The derivation goroutine finishes on its own and discards
		// its result.
		go func() {
			if r := <-results; r.digest != nil {
				r.digest.Close()
			}
		}()
		return nil, "", apperror.Wrap(apperror.Timeout, ctx.Err())
	}
}

// WrapKey derives a key from password and a fresh salt, seals rawKey
// with XChaCha20-Poly1305, and persists salt$nonce$ciphertext keyed by
// the lowercased username. An existing record for the username is
// overwritten. This is how password changes rewrap the same store
// key.
func (v *Vault) WrapKey(ctx context.Context, username, password string, rawKey *secret.Buffer) error {
	wrapKey, encodedSalt, err := DeriveKey(ctx, []byte(password), "")
	if err != nil {
		return err
	}
	defer wrapKey.Close()

	aead, err := chacha20poly1305.NewX(wrapKey.Bytes())
	if err != nil {
		return fmt.Errorf("vault: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("vault: generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, rawKey.Bytes(), nil)

	stored := strings.Join([]string{
		encodedSalt,
		base64.RawStdEncoding.EncodeToString(nonce),
		base64.RawStdEncoding.EncodeToString(ciphertext),
	}, "$")

	return v.run(ctx, func(db *store.Store) error {
		return db.PutLocal(ctx, store.Record{
			ID:    strings.ToLower(username),
			Value: []byte(stored),
		})
	})
}

// UnwrapKey re-derives the wrap key from the stored salt and opens the
// stored ciphertext. Fails with EncryptionCorrupted if the record is
// missing or malformed, and with WrongPassword if authentication
// fails, the only error a valid-but-wrong password can produce.
func (v *Vault) UnwrapKey(ctx context.Context, username, password string) (*secret.Buffer, error) {
	var stored string
	err := v.run(ctx, func(db *store.Store) error {
		record, err := db.GetLocal(ctx, strings.ToLower(username))
		if err != nil {
			return err
		}
		stored = string(record.Value)
		return nil
	})
	if err != nil {
		if apperror.Is(err, apperror.ObjectDoesNotExist) {
			return nil, apperror.Newf(apperror.EncryptionCorrupted, "no vault record for %q", strings.ToLower(username))
		}
		return nil, err
	}

	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, apperror.Newf(apperror.EncryptionCorrupted, "malformed vault record")
	}

	nonce, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != chacha20poly1305.NonceSizeX {
		return nil, apperror.Newf(apperror.EncryptionCorrupted, "malformed vault nonce")
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, apperror.Newf(apperror.EncryptionCorrupted, "malformed vault ciphertext")
	}

	wrapKey, _, err := DeriveKey(ctx, []byte(password), parts[0])
	if err != nil {
		return nil, err
	}
	defer wrapKey.Close()

	aead, err := chacha20poly1305.NewX(wrapKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}

	rawKey, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperror.New(apperror.WrongPassword)
	}

	buffer, err := secret.NewFromBytes(rawKey)
	if err != nil {
		secret.Zero(rawKey)
		return nil, fmt.Errorf("vault: protecting unwrapped key: %w", err)
	}
	return buffer, nil
}

// Delete removes the wrapped key for a username. Deleting a missing
// record is a no-op.
func (v *Vault) Delete(ctx context.Context, username string) error {
	return v.run(ctx, func(db *store.Store) error {
		return db.DeleteLocal(ctx, strings.ToLower(username))
	})
}

// run opens the vault database, invokes the operation, and closes the
// database again regardless of outcome.
func (v *Vault) run(ctx context.Context, operation func(db *store.Store) error) error {
	key, err := secret.NewFromBytes(append([]byte(nil), systemKey...))
	if err != nil {
		return fmt.Errorf("vault: protecting system key: %w", err)
	}
	defer key.Close()

	db, err := store.Open(ctx, store.Config{
		Path:     filepath.Join(v.dir, DatabaseName),
		Key:      key,
		PoolSize: 1,
		Logger:   v.logger,
	})
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	defer db.Close()

	return operation(db)
}
