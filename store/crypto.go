// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/roaringroster/core/lib/secret"
)

// KeySize is the size in bytes of the store's symmetric key and of all
// per-table keys derived from it.
const KeySize = 32

// recordVersion is the version byte prepended to every encrypted
// record. It is part of the AEAD additional authenticated data, so
// tampering with it fails authentication.
const recordVersion byte = 0x01

// Record flag bits. flagCompressed marks values that were
// zstd-compressed before encryption (synced document blobs).
const flagCompressed byte = 0x01

// recordOverhead is the fixed byte overhead per encrypted record:
// version + flags + XChaCha20-Poly1305 nonce + Poly1305 tag.
const recordOverhead = 2 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info strings providing domain separation between the two
// tables. Changing these invalidates every record encrypted under the
// old derivation.
var (
	hkdfInfoLocal  = []byte("roaringroster.store.local.v1")
	hkdfInfoSynced = []byte("roaringroster.store.synced.v1")
)

// zstd coders are stateless once constructed and safe for concurrent
// use via EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// deriveTableKey derives a per-table key from the store key via
// HKDF-SHA256. The salt is nil: the store key is already uniformly
// random (generated by crypto/rand at registration).
func deriveTableKey(storeKey []byte, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, storeKey, nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("store: HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// sealRecord encrypts a record value using XChaCha20-Poly1305:
//
//	[version: 1] [flags: 1] [nonce: 24] [ciphertext+tag]
//
// The version byte, flags byte, and record id are additional
// authenticated data, binding the ciphertext to its row so encrypted
// values cannot be swapped between records. When compress is set, the
// plaintext is zstd-compressed first and the compressed flag recorded.
func sealRecord(tableKey *secret.Buffer, recordID string, plaintext []byte, compress bool) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(tableKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("store: creating cipher: %w", err)
	}

	var flags byte
	if compress {
		plaintext = zstdEncoder.EncodeAll(plaintext, nil)
		flags |= flagCompressed
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("store: generating nonce: %w", err)
	}

	aad := buildAAD(recordVersion, flags, recordID)

	output := make([]byte, 2+chacha20poly1305.NonceSizeX, 2+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	output[0] = recordVersion
	output[1] = flags
	copy(output[2:], nonce[:])

	return aead.Seal(output, nonce[:], plaintext, aad), nil
}

// openRecord decrypts a record value produced by sealRecord. Fails if
// the blob is truncated, the version is unknown, or authentication
// fails (wrong key, tampered data, value moved to a different row).
func openRecord(tableKey *secret.Buffer, recordID string, blob []byte) ([]byte, error) {
	if len(blob) < recordOverhead {
		return nil, fmt.Errorf("store: encrypted record is %d bytes, minimum is %d", len(blob), recordOverhead)
	}

	version := blob[0]
	if version != recordVersion {
		return nil, fmt.Errorf("store: record version %d is not supported", version)
	}
	flags := blob[1]

	nonce := blob[2 : 2+chacha20poly1305.NonceSizeX]
	ciphertext := blob[2+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(tableKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("store: creating cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(version, flags, recordID))
	if err != nil {
		return nil, fmt.Errorf("store: decryption failed: %w", err)
	}

	if flags&flagCompressed != 0 {
		plaintext, err = zstdDecoder.DecodeAll(plaintext, nil)
		if err != nil {
			return nil, fmt.Errorf("store: decompressing record: %w", err)
		}
	}

	return plaintext, nil
}

func buildAAD(version, flags byte, recordID string) []byte {
	aad := make([]byte, 2+len(recordID))
	aad[0] = version
	aad[1] = flags
	copy(aad[2:], recordID)
	return aad
}
