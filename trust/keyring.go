// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/sealed"
	"github.com/roaringroster/core/lib/secret"
)

// teamKeySize is the size of the team symmetric key distributed
// through the keyring.
const teamKeySize = 32

// TeamKey returns the team symmetric key, or NotLoggedIn-style
// absence as ObjectDoesNotExist when this replica has not yet
// obtained it (a freshly joined device waits for a peer to reseal).
// The returned buffer is owned by the team; callers must not close
// it.
func (t *Team) TeamKey() (*secret.Buffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.teamKey == nil {
		return nil, apperror.Newf(apperror.ObjectDoesNotExist, "team key not yet available")
	}
	return t.teamKey, nil
}

// HasTeamKey reports whether this replica holds the unsealed team
// key.
func (t *Team) HasTeamKey() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.teamKey != nil
}

// Keyring returns the sealed team key per device id. The map is a
// copy; entries are base64 age ciphertexts.
func (t *Team) Keyring() map[ref.DeviceID]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keyring := make(map[ref.DeviceID]string, len(t.keyring))
	for device, sealedKey := range t.keyring {
		keyring[device] = sealedKey
	}
	return keyring
}

// generateTeamKey creates a fresh team key. Caller holds the lock.
func (t *Team) generateTeamKey() error {
	raw := make([]byte, teamKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("trust: generating team key: %w", err)
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return fmt.Errorf("trust: protecting team key: %w", err)
	}
	t.teamKey = buffer
	return nil
}

// SealTeamKeyToMembers refreshes the keyring so every current
// non-revoked device holds a sealed copy of the team key. Called by
// replicas that hold the key when they observe a new admission.
func (t *Team) SealTeamKeyToMembers() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.teamKey == nil {
		return apperror.Newf(apperror.ObjectDoesNotExist, "team key not yet available")
	}
	for id, device := range t.state.devices {
		if t.state.revokedDevices[id] || t.state.revokedUsers[device.User] {
			continue
		}
		if _, exists := t.keyring[id]; exists {
			continue
		}
		if err := t.sealTeamKeyTo(device); err != nil {
			return err
		}
	}
	return nil
}

// sealTeamKeyTo seals the current team key to one device. Caller
// holds the lock and has checked the key exists.
func (t *Team) sealTeamKeyTo(device Device) error {
	ciphertext, err := sealed.Encrypt(t.teamKey.Bytes(), []string{device.SealingKey})
	if err != nil {
		return fmt.Errorf("trust: sealing team key to device %s: %w", device.ID, err)
	}
	t.keyring[device.ID] = ciphertext
	return nil
}

// adoptKeyring unions a peer's keyring into ours and, if we do not
// yet hold the team key and an entry for our device appeared, unseals
// it. Caller holds the lock.
func (t *Team) adoptKeyring(keyring map[string]string) {
	for rawDevice, sealedKey := range keyring {
		device, err := ref.ParseDeviceID(rawDevice)
		if err != nil {
			continue
		}
		if _, exists := t.keyring[device]; !exists {
			t.keyring[device] = sealedKey
		}
	}

	if t.teamKey != nil {
		return
	}
	sealedKey, exists := t.keyring[t.identity.Device.ID]
	if !exists {
		return
	}
	teamKey, err := sealed.Decrypt(sealedKey, t.identity.SealingKey)
	if err != nil {
		t.logger.Warn("sealed team key for this device did not open", "error", err)
		t.notify(Notification{Kind: NotificationRemoteError, Err: err})
		return
	}
	if teamKey.Len() != teamKeySize {
		teamKey.Close()
		t.logger.Warn("sealed team key has wrong size", "size", teamKey.Len())
		return
	}
	t.teamKey = teamKey
	t.logger.Info("team key obtained", "share", t.shareID.String())
}

// Close releases the team key. The local identity is owned by the
// caller and is not closed here.
func (t *Team) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.teamKey != nil {
		err := t.teamKey.Close()
		t.teamKey = nil
		return err
	}
	return nil
}
