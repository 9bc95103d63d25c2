// Package filestore persists users and OAuth2 accounts in a single
// human-readable JSON document. Writes rewrite the whole document through a
// temp file and rename so readers never observe a torn state.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"

	"github.com/copima/copima/core"
)

const documentVersion = 1

type document struct {
	Version  int            `json:"version"`
	Users    []core.User    `json:"users"`
	Accounts []core.Account `json:"accounts"`
}

// Store is a single-writer credential store backed by one JSON file.
type Store struct {
	mu     sync.Mutex
	path   string
	logger core.Logger
	doc    document
	loaded bool

	// Now is swappable in tests.
	Now func() time.Time
	// NewID is swappable in tests.
	NewID func() string
}

type Option func(*Store)

func WithLogger(logger core.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.Now = now
		}
	}
}

// New builds a store rooted at path. The file is created lazily on first
// write; a corrupt file is logged and treated as empty.
func New(path string, options ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, core.NewError("filestore: path is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	store := &Store{
		path:   path,
		logger: glog.Nop(),
		Now:    func() time.Time { return time.Now().UTC() },
		NewID:  func() string { return uuid.NewString() },
	}
	for _, option := range options {
		option(store)
	}
	return store, nil
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) InsertUser(_ context.Context, user core.User) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return core.User{}, err
	}

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" {
		return core.User{}, core.NewError("filestore: user email is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	if _, found := s.findUserIndexByEmail(user.Email); found {
		return core.User{}, core.NewError(
			fmt.Sprintf("filestore: user with email %s already exists", user.Email),
			goerrors.CategoryConflict, core.ErrorInternal)
	}

	now := s.Now()
	if strings.TrimSpace(user.ID) == "" {
		user.ID = s.NewID()
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	s.doc.Users = append(s.doc.Users, user)
	if err := s.persist(); err != nil {
		s.doc.Users = s.doc.Users[:len(s.doc.Users)-1]
		return core.User{}, err
	}
	return user, nil
}

// UpsertUser inserts or updates by email, the stable identity key.
func (s *Store) UpsertUser(_ context.Context, user core.User) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return core.User{}, err
	}

	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Email == "" {
		return core.User{}, core.NewError("filestore: user email is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}

	now := s.Now()
	if idx, found := s.findUserIndexByEmail(user.Email); found {
		existing := s.doc.Users[idx]
		if strings.TrimSpace(user.Name) != "" {
			existing.Name = user.Name
		}
		existing.EmailVerified = user.EmailVerified
		existing.UpdatedAt = now
		s.doc.Users[idx] = existing
		if err := s.persist(); err != nil {
			return core.User{}, err
		}
		return existing, nil
	}

	if strings.TrimSpace(user.ID) == "" {
		user.ID = s.NewID()
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	s.doc.Users = append(s.doc.Users, user)
	if err := s.persist(); err != nil {
		s.doc.Users = s.doc.Users[:len(s.doc.Users)-1]
		return core.User{}, err
	}
	return user, nil
}

func (s *Store) FindUserByID(_ context.Context, id string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return core.User{}, err
	}
	for _, user := range s.doc.Users {
		if user.ID == id {
			return user, nil
		}
	}
	return core.User{}, notFound("user", id)
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return core.User{}, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if idx, found := s.findUserIndexByEmail(email); found {
		return s.doc.Users[idx], nil
	}
	return core.User{}, notFound("user", email)
}

// DeleteUser removes a user and every account it owns in one persist.
func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	for i, user := range s.doc.Users {
		if user.ID == id {
			s.doc.Users = append(s.doc.Users[:i], s.doc.Users[i+1:]...)
			kept := make([]core.Account, 0, len(s.doc.Accounts))
			for _, account := range s.doc.Accounts {
				if account.UserID != id {
					kept = append(kept, account)
				}
			}
			s.doc.Accounts = kept
			return s.persist()
		}
	}
	return notFound("user", id)
}

func (s *Store) InsertAccount(_ context.Context, account core.Account) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return core.Account{}, err
	}

	account.AccountID = strings.TrimSpace(account.AccountID)
	if account.AccountID == "" {
		return core.Account{}, core.NewError("filestore: account id is required", goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	account.UserID = strings.TrimSpace(account.UserID)
	if account.UserID == "" {
		return core.Account{}, core.NewError(
			fmt.Sprintf("filestore: account %s requires a user id", account.AccountID),
			goerrors.CategoryBadInput, core.ErrorConfigInvalid)
	}
	if !s.userExists(account.UserID) {
		return core.Account{}, core.NewError(
			fmt.Sprintf("filestore: user %s not found for account %s", account.UserID, account.AccountID),
			goerrors.CategoryConflict, core.ErrorInternal)
	}
	if _, found := s.findAccountIndex(account.AccountID); found {
		return core.Account{}, core.NewError(
			fmt.Sprintf("filestore: account %s already exists", account.AccountID),
			goerrors.CategoryConflict, core.ErrorInternal)
	}

	now := s.Now()
	if strings.TrimSpace(account.ID) == "" {
		account.ID = s.NewID()
	}
	if account.ProviderID == "" {
		account.ProviderID = core.ProviderGitLab
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	s.doc.Accounts = append(s.doc.Accounts, account)
	if err := s.persist(); err != nil {
		s.doc.Accounts = s.doc.Accounts[:len(s.doc.Accounts)-1]
		return core.Account{}, err
	}
	return account, nil
}

func (s *Store) FindAccountByAccountID(_ context.Context, accountID string) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return core.Account{}, err
	}
	if idx, found := s.findAccountIndex(strings.TrimSpace(accountID)); found {
		return s.doc.Accounts[idx], nil
	}
	return core.Account{}, notFound("account", accountID)
}

func (s *Store) FindAccountsByUserID(_ context.Context, userID string) ([]core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	accounts := []core.Account{}
	for _, account := range s.doc.Accounts {
		if account.UserID == userID {
			accounts = append(accounts, account)
		}
	}
	return accounts, nil
}

func (s *Store) UpdateAccount(_ context.Context, accountID string, patch core.AccountPatch) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return core.Account{}, err
	}
	idx, found := s.findAccountIndex(strings.TrimSpace(accountID))
	if !found {
		return core.Account{}, notFound("account", accountID)
	}

	account := s.doc.Accounts[idx]
	if patch.AccessToken != nil {
		account.AccessToken = *patch.AccessToken
	}
	if patch.RefreshToken != nil {
		account.RefreshToken = *patch.RefreshToken
	}
	if patch.AccessTokenExpiresAt != nil {
		expiresAt := patch.AccessTokenExpiresAt.UTC()
		account.AccessTokenExpiresAt = &expiresAt
	}
	if patch.RefreshTokenExpiresAt != nil {
		expiresAt := patch.RefreshTokenExpiresAt.UTC()
		account.RefreshTokenExpiresAt = &expiresAt
	}
	if patch.Scope != nil {
		account.Scope = *patch.Scope
	}
	account.UpdatedAt = s.Now()
	s.doc.Accounts[idx] = account
	if err := s.persist(); err != nil {
		return core.Account{}, err
	}
	return account, nil
}

func (s *Store) DeleteAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	idx, found := s.findAccountIndex(strings.TrimSpace(accountID))
	if !found {
		return notFound("account", accountID)
	}
	s.doc.Accounts = append(s.doc.Accounts[:idx], s.doc.Accounts[idx+1:]...)
	return s.persist()
}

func (s *Store) AccountsWithUsers(_ context.Context) ([]core.AccountWithUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	usersByID := make(map[string]core.User, len(s.doc.Users))
	for _, user := range s.doc.Users {
		usersByID[user.ID] = user
	}
	joined := make([]core.AccountWithUser, 0, len(s.doc.Accounts))
	for _, account := range s.doc.Accounts {
		joined = append(joined, core.AccountWithUser{
			Account: account,
			User:    usersByID[account.UserID],
		})
	}
	return joined, nil
}

func (s *Store) findUserIndexByEmail(email string) (int, bool) {
	for i, user := range s.doc.Users {
		if strings.EqualFold(user.Email, email) {
			return i, true
		}
	}
	return 0, false
}

func (s *Store) userExists(id string) bool {
	for _, user := range s.doc.Users {
		if user.ID == id {
			return true
		}
	}
	return false
}

func (s *Store) findAccountIndex(accountID string) (int, bool) {
	for i, account := range s.doc.Accounts {
		if account.AccountID == accountID {
			return i, true
		}
	}
	return 0, false
}

// ensureLoaded reads the document once. Missing file starts empty; a corrupt
// file is logged and replaced on the next persist rather than aborting runs.
func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	s.doc = document{Version: documentVersion}
	s.loaded = true

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("filestore: read %s", s.path), core.ErrorStateCorrupt)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("credential file is corrupt, starting empty",
			"path", s.path, "error", err.Error())
		return nil
	}
	if doc.Version == 0 {
		doc.Version = documentVersion
	}
	s.doc = doc
	return nil
}

func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			"filestore: create parent directory", core.ErrorSinkWrite)
	}
	payload, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			"filestore: encode document", core.ErrorInternal)
	}
	payload = append(payload, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("filestore: write %s", tmp), core.ErrorSinkWrite)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return core.WrapError(err, goerrors.CategoryInternal,
			fmt.Sprintf("filestore: replace %s", s.path), core.ErrorSinkWrite)
	}
	return nil
}

func notFound(kind, key string) *goerrors.Error {
	return core.NewError(
		fmt.Sprintf("filestore: %s %s not found", kind, strings.TrimSpace(key)),
		goerrors.CategoryNotFound, core.ErrorAuthMissing)
}

var _ core.CredentialStore = (*Store)(nil)
