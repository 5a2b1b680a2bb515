// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/sealed"
	"github.com/roaringroster/core/lib/secret"
)

// User is a human identity admitted into a team.
type User struct {
	ID   ref.UserID `cbor:"1,keyasint"`
	Name string     `cbor:"2,keyasint"`
}

// Device is one installation belonging to a user. SigningKey is the
// device's Ed25519 public key; every graph event authored by the
// device verifies against it. SealingKey is the device's age public
// key, the recipient for the sealed team key.
type Device struct {
	ID         ref.DeviceID `cbor:"1,keyasint"`
	User       ref.UserID   `cbor:"2,keyasint"`
	Name       string       `cbor:"3,keyasint,omitempty"`
	SigningKey []byte       `cbor:"4,keyasint"`
	SealingKey string       `cbor:"5,keyasint"`
}

// Identity is the local private half of a user/device pair: the
// public records that go into the graph plus the private keys that
// stay on this installation. The age identity lives in a secret
// buffer; the Ed25519 private key unavoidably stays on the heap
// because crypto/ed25519 operates on plain slices.
//
// The caller must call Close when the identity is no longer needed.
type Identity struct {
	User   User
	Device Device

	SigningKey ed25519.PrivateKey
	SealingKey *secret.Buffer
}

// NewIdentity generates a fresh user, device, and both keypairs. The
// device name is informational (shown in device lists), typically a
// hostname or platform string.
func NewIdentity(username, deviceName string) (*Identity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("trust: generating signing key: %w", err)
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("trust: generating sealing key: %w", err)
	}

	userID := ref.NewUserID()
	identity := &Identity{
		User: User{ID: userID, Name: username},
		Device: Device{
			ID:         ref.NewDeviceID(),
			User:       userID,
			Name:       deviceName,
			SigningKey: publicKey,
			SealingKey: keypair.PublicKey,
		},
		SigningKey: privateKey,
		SealingKey: keypair.PrivateKey,
	}
	return identity, nil
}

// Close releases the private key material.
func (i *Identity) Close() error {
	secret.Zero(i.SigningKey)
	if i.SealingKey != nil {
		return i.SealingKey.Close()
	}
	return nil
}

// identityFile is the serialized form of an Identity, stored inside
// the account's encrypted database. It contains private keys and must
// never leave the store unencrypted.
type identityFile struct {
	User       User   `cbor:"1,keyasint"`
	Device     Device `cbor:"2,keyasint"`
	SigningKey []byte `cbor:"3,keyasint"`
	SealingKey []byte `cbor:"4,keyasint"`
}

// Export serializes the identity including private keys, for
// persistence in an encrypted store. The caller zeroes the returned
// bytes after writing them.
func (i *Identity) Export() ([]byte, error) {
	return codec.Marshal(identityFile{
		User:       i.User,
		Device:     i.Device,
		SigningKey: i.SigningKey,
		SealingKey: i.SealingKey.Bytes(),
	})
}

// ImportIdentity restores an identity serialized with Export.
func ImportIdentity(data []byte) (*Identity, error) {
	var file identityFile
	if err := codec.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("trust: decoding identity: %w", err)
	}
	if len(file.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("trust: malformed signing key")
	}
	sealingKey, err := secret.NewFromBytes(file.SealingKey)
	if err != nil {
		return nil, fmt.Errorf("trust: restoring sealing key: %w", err)
	}
	return &Identity{
		User:       file.User,
		Device:     file.Device,
		SigningKey: ed25519.PrivateKey(file.SigningKey),
		SealingKey: sealingKey,
	}, nil
}
