// Copyright 2026 The RoaringRoster Authors
// SPDX-License-Identifier: Apache-2.0

// Package account implements the local account lifecycle: registering
// a username with a password-protected encrypted database, logging in
// and out, and tying the trust, document, and invitation layers
// together into organizations. Exactly one account is open per manager
// at a time; login and logout are strict state transitions, and any
// storage failure while an account is open logs the account out before
// the error surfaces, so a session is never left half-open.
package account

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/roaringroster/core/apperror"
	"github.com/roaringroster/core/docsync"
	"github.com/roaringroster/core/lib/clock"
	"github.com/roaringroster/core/lib/codec"
	"github.com/roaringroster/core/lib/ref"
	"github.com/roaringroster/core/lib/secret"
	"github.com/roaringroster/core/store"
	"github.com/roaringroster/core/trust"
	"github.com/roaringroster/core/vault"
)

// usernamePattern allows letters, digits, and a few separators, at
// least two characters. Usernames are case-insensitive: ALICE and
// alice are the same account.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{2,}$`)

// Record ids inside the account's local table.
const (
	accountRecordID  = "account"
	identityRecordID = "identity"
	recordType       = "account"
)

// Settings are per-account preferences.
type Settings struct {
	Locale        string `cbor:"1,keyasint,omitempty"`
	DefaultServer string `cbor:"2,keyasint,omitempty"`
}

// OrganizationRef names one organization the account belongs to, the
// server its share syncs through, and the relay public key pinned on
// first contact. Sessions refuse a relay presenting a different key.
type OrganizationRef struct {
	Share     ref.ShareID `cbor:"1,keyasint"`
	Server    string      `cbor:"2,keyasint,omitempty"`
	ServerKey []byte      `cbor:"3,keyasint,omitempty"`
}

// LocalAccount is the persisted account record.
type LocalAccount struct {
	Username           string            `cbor:"1,keyasint"`
	Actor              ref.ActorID       `cbor:"2,keyasint"`
	Settings           Settings          `cbor:"3,keyasint"`
	Organizations      []OrganizationRef `cbor:"4,keyasint,omitempty"`
	ActiveOrganization ref.ShareID       `cbor:"5,keyasint,omitempty"`
	ActiveTeam         string            `cbor:"6,keyasint,omitempty"`
}

// EventKind classifies account lifecycle events.
type EventKind string

const (
	EventLogin  EventKind = "login"
	EventLogout EventKind = "logout"
)

// Event is delivered to observers on login and logout.
type Event struct {
	Kind     EventKind
	Username string
}

// Observer receives account events. Delivery is synchronous and in
// registration order.
type Observer func(Event)

// Config configures a Manager.
type Config struct {
	// Dir is the directory holding the vault and the per-account
	// databases.
	Dir string

	// DeviceName labels this installation in device lists.
	DeviceName string

	// ReadOnly rejects every mutating operation with AppIsReadOnly.
	ReadOnly bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the vault and at most one open account.
type Manager struct {
	dir        string
	deviceName string
	vault      *vault.Vault
	readOnly   bool
	clock      clock.Clock
	logger     *slog.Logger

	mu        sync.Mutex
	active    *ActiveAccount
	observers []Observer

	// loginMu is held across the whole login sequence so two
	// concurrent Logins cannot both pass the already-logged-in check
	// and leak an open store.
	loginMu sync.Mutex

	// opMu serializes organization creation and invitation redemption:
	// the two are mutually exclusive per account.
	opMu sync.Mutex
}

// ActiveAccount is one open, unlocked account. It owns the decrypted
// store, the document repo over it, and the local identity. All fields
// are invalidated by Logout.
type ActiveAccount struct {
	Username string
	Account  LocalAccount
	Identity *trust.Identity

	DB   *store.Store
	Repo *docsync.Repo

	key   *secret.Buffer
	teams map[ref.ShareID]*trust.Team
}

// NewManager creates a manager rooted at cfg.Dir.
func NewManager(cfg Config) *Manager {
	if cfg.DeviceName == "" {
		cfg.DeviceName = "unnamed device"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		dir:        cfg.Dir,
		deviceName: cfg.DeviceName,
		vault:      vault.New(cfg.Dir, cfg.Logger),
		readOnly:   cfg.ReadOnly,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// Subscribe registers an observer for login and logout events.
func (m *Manager) Subscribe(observer Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, observer)
}

func (m *Manager) emit(event Event) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, observer := range observers {
		observer(event)
	}
}

func (m *Manager) storePath(username string) string {
	return filepath.Join(m.dir, "account."+strings.ToLower(username))
}

func (m *Manager) checkWritable() error {
	if m.readOnly {
		return apperror.New(apperror.AppIsReadOnly)
	}
	return nil
}

// validateCredentials runs the synchronous checks shared by every
// credential-taking operation. Fails fast, before any I/O.
func validateCredentials(username, password string) error {
	if username == "" {
		return apperror.New(apperror.UsernameMissing)
	}
	if password == "" {
		return apperror.New(apperror.PasswordMissing)
	}
	if !usernamePattern.MatchString(username) {
		return apperror.Newf(apperror.UsernameInvalid, "username %q", username)
	}
	return nil
}

// Register creates a new account: a fresh 32-byte store key wrapped
// under the password in the vault, a new encrypted database, and a new
// user/device identity persisted inside it. The account is not logged
// in on return.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if err := validateCredentials(username, password); err != nil {
		return err
	}
	path := m.storePath(username)
	if store.Exists(path) {
		return apperror.Newf(apperror.UsernameExists, "username %q", username)
	}

	rawKey := make([]byte, store.KeySize)
	if err := fillRandom(rawKey); err != nil {
		return err
	}
	key, err := secret.NewFromBytes(rawKey)
	if err != nil {
		return err
	}
	defer key.Close()

	if err := m.vault.WrapKey(ctx, username, password, key); err != nil {
		return err
	}
	// From here a failure must unwind the vault record, or the orphan
	// blocks the username forever.
	registered := false
	defer func() {
		if registered {
			return
		}
		if err := m.vault.Delete(ctx, username); err != nil {
			m.logger.Warn("removing credential after failed registration", "error", err)
		}
		if store.Exists(path) {
			if err := store.Remove(path); err != nil {
				m.logger.Warn("removing store after failed registration", "error", err)
			}
		}
	}()

	db, err := store.Open(ctx, store.Config{Path: path, Key: key})
	if err != nil {
		return err
	}
	defer db.Close()

	identity, err := trust.NewIdentity(username, m.deviceName)
	if err != nil {
		return err
	}
	defer identity.Close()

	account := LocalAccount{
		Username: username,
		Actor:    ref.NewActorID(),
	}
	if err := writeIdentity(ctx, db, identity); err != nil {
		return err
	}
	if err := writeAccount(ctx, db, account); err != nil {
		return err
	}
	registered = true
	m.logger.Info("account registered", "username", strings.ToLower(username))
	return nil
}

// Login unwraps the account key with the password, opens the store,
// and restores the identity. Fails with WrongPassword on a bad
// password and UsernameDoesNotExist for unknown accounts, leaving no
// open session in either case.
func (m *Manager) Login(ctx context.Context, username, password string) (*ActiveAccount, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, apperror.Newf(apperror.GenericError, "another account is logged in")
	}
	m.mu.Unlock()

	path := m.storePath(username)
	if !store.Exists(path) {
		return nil, apperror.Newf(apperror.UsernameDoesNotExist, "username %q", username)
	}

	key, err := m.vault.UnwrapKey(ctx, username, password)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, store.Config{Path: path, Key: key})
	if err != nil {
		key.Close()
		return nil, err
	}

	identity, account, err := readAccountState(ctx, db)
	if err != nil {
		db.Close()
		key.Close()
		return nil, err
	}

	active := &ActiveAccount{
		Username: strings.ToLower(username),
		Account:  account,
		Identity: identity,
		DB:       db,
		Repo:     docsync.NewRepo(db, docsync.Config{Clock: m.clock, Logger: m.logger}),
		key:      key,
		teams:    make(map[ref.ShareID]*trust.Team),
	}

	m.mu.Lock()
	m.active = active
	m.mu.Unlock()

	m.logger.Info("account logged in", "username", active.Username)
	m.emit(Event{Kind: EventLogin, Username: active.Username})
	return active, nil
}

// Active returns the open account, or NotLoggedIn.
func (m *Manager) Active() (*ActiveAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, apperror.New(apperror.NotLoggedIn)
	}
	return m.active, nil
}

// Logout closes the open account: the repo detaches, the store closes
// and poisons its key, cached teams and the identity release their key
// material.
func (m *Manager) Logout() error {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()

	if active == nil {
		return apperror.New(apperror.NotLoggedIn)
	}

	active.Repo.Close()
	for _, team := range active.teams {
		team.Close()
	}
	active.teams = nil
	err := active.DB.Close()
	active.Identity.Close()
	active.key.Close()

	m.logger.Info("account logged out", "username", active.Username)
	m.emit(Event{Kind: EventLogout, Username: active.Username})
	return err
}

// failOnStorage handles a storage or crypto failure observed while the
// account is open: the account is logged out before the error
// surfaces.
func (m *Manager) failOnStorage(err error) error {
	if err == nil {
		return nil
	}
	m.mu.Lock()
	open := m.active != nil
	m.mu.Unlock()
	if open {
		m.logger.Error("storage failure while logged in, closing account", "error", err)
		if logoutErr := m.Logout(); logoutErr != nil {
			m.logger.Warn("logout after storage failure failed", "error", logoutErr)
		}
	}
	return err
}

// ChangePassword re-verifies the old password by unwrapping the key,
// then wraps the same key under the new password. The store key never
// changes, so the database is not re-encrypted.
func (m *Manager) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if err := validateCredentials(username, oldPassword); err != nil {
		return err
	}
	if newPassword == "" {
		return apperror.New(apperror.PasswordMissing)
	}

	key, err := m.vault.UnwrapKey(ctx, username, oldPassword)
	if err != nil {
		return err
	}
	defer key.Close()
	return m.vault.WrapKey(ctx, username, newPassword, key)
}

// Delete removes an account after verifying the password: the
// encrypted database and the vault entry both go. A logged-in account
// is logged out first.
func (m *Manager) Delete(ctx context.Context, username, password string) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if err := validateCredentials(username, password); err != nil {
		return err
	}

	key, err := m.vault.UnwrapKey(ctx, username, password)
	if err != nil {
		return err
	}
	key.Close()

	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active != nil && active.Username == strings.ToLower(username) {
		if err := m.Logout(); err != nil {
			return err
		}
	}

	if err := store.Remove(m.storePath(username)); err != nil {
		return err
	}
	return m.vault.Delete(ctx, username)
}

// UpdateSettings mutates the account settings and persists the record.
func (m *Manager) UpdateSettings(ctx context.Context, mutate func(*Settings)) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	active, err := m.Active()
	if err != nil {
		return err
	}
	mutate(&active.Account.Settings)
	return m.failOnStorage(writeAccount(ctx, active.DB, active.Account))
}

// UpdateAccount mutates the account record and persists it. The
// username and actor id are fixed; changes to them are ignored.
func (m *Manager) UpdateAccount(ctx context.Context, mutate func(*LocalAccount)) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	active, err := m.Active()
	if err != nil {
		return err
	}
	username, actor := active.Account.Username, active.Account.Actor
	mutate(&active.Account)
	active.Account.Username = username
	active.Account.Actor = actor
	return m.failOnStorage(writeAccount(ctx, active.DB, active.Account))
}

func fillRandom(buffer []byte) error {
	if _, err := rand.Read(buffer); err != nil {
		return fmt.Errorf("account: generating key: %w", err)
	}
	return nil
}

func writeAccount(ctx context.Context, db *store.Store, account LocalAccount) error {
	value, err := codec.Marshal(account)
	if err != nil {
		return err
	}
	return db.PutLocal(ctx, store.Record{ID: accountRecordID, Type: recordType, Value: value})
}

func writeIdentity(ctx context.Context, db *store.Store, identity *trust.Identity) error {
	value, err := identity.Export()
	if err != nil {
		return err
	}
	err = db.PutLocal(ctx, store.Record{ID: identityRecordID, Type: recordType, Value: value})
	secret.Zero(value)
	return err
}

func readAccountState(ctx context.Context, db *store.Store) (*trust.Identity, LocalAccount, error) {
	identityRecord, err := db.GetLocal(ctx, identityRecordID)
	if err != nil {
		return nil, LocalAccount{}, fmt.Errorf("account: reading identity: %w", err)
	}
	identity, err := trust.ImportIdentity(identityRecord.Value)
	if err != nil {
		return nil, LocalAccount{}, err
	}

	accountRecord, err := db.GetLocal(ctx, accountRecordID)
	if err != nil {
		identity.Close()
		return nil, LocalAccount{}, fmt.Errorf("account: reading account record: %w", err)
	}
	var account LocalAccount
	if err := codec.Unmarshal(accountRecord.Value, &account); err != nil {
		identity.Close()
		return nil, LocalAccount{}, fmt.Errorf("account: decoding account record: %w", err)
	}
	return identity, account, nil
}
