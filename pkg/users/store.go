// Package users implements the durable users file: a JSON object keyed by
// username, holding the password hash and permission letter for each
// account. The whole file is rewritten after every mutation, so reopening it
// always yields the current state.
package users

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/cubeflix/cshd/pkg/auth"
)

// Permission is the single-letter permission tier of a user.
type Permission string

const (
	// PermRead allows read-only file commands.
	PermRead Permission = "r"
	// PermWrite allows read and write file commands.
	PermWrite Permission = "w"
	// PermAdmin allows everything, including admin commands.
	PermAdmin Permission = "a"
)

// Valid reports whether p is one of the three known tiers.
func (p Permission) Valid() bool {
	return p == PermRead || p == PermWrite || p == PermAdmin
}

// CanRead reports whether the tier admits read-only file commands.
func (p Permission) CanRead() bool { return p.Valid() }

// CanWrite reports whether the tier admits mutating file commands.
func (p Permission) CanWrite() bool { return p == PermWrite || p == PermAdmin }

// User is one users-file record. The JSON field names are the on-disk
// format and must not change.
type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"password_hash"`
	Permissions  Permission `json:"permissions"`
}

// Store is the in-memory users map backed by the users file. All methods
// are safe for concurrent use; persistence writes are serialized by the
// same mutex that guards the map.
type Store struct {
	mu    sync.RWMutex
	path  string
	users map[string]User
}

var (
	// ErrNotFound reports an unknown username.
	ErrNotFound = errors.New("users: user does not exist")
	// ErrExists reports a username collision on create.
	ErrExists = errors.New("users: user already exists")
	// ErrBadPermission reports an unknown permission letter.
	ErrBadPermission = errors.New("users: invalid permissions")
)

// Load opens (or initializes) the users file at path. An empty or missing
// file is treated as an empty user set and written out, so an unwritable
// location fails here rather than at the first mutation.
func Load(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]User)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read users file: %w", err)
	case len(data) == 0:
		// An empty file is equivalent to an empty object.
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(data, &s.users); err != nil {
			return nil, fmt.Errorf("parse users file: %w", err)
		}
		// The map key is authoritative for the username field.
		for name, u := range s.users {
			u.Username = name
			s.users[name] = u
		}
	}
	return s, nil
}

// Get returns the record for a username.
func (s *Store) Get(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

// Authenticate verifies a username/password pair against the store.
func (s *Store) Authenticate(username, password string) (User, bool) {
	u, ok := s.Get(username)
	if !ok {
		return User{}, false
	}
	return u, auth.VerifyPassword(password, u.PasswordHash)
}

// Count returns the number of users.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Usernames returns all usernames, sorted.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every record, sorted by username.
func (s *Store) All() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Create adds a user and persists the file.
func (s *Store) Create(username, password string, perms Permission) error {
	if !perms.Valid() {
		return fmt.Errorf("%w: %q", ErrBadPermission, perms)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return fmt.Errorf("%w: %q", ErrExists, username)
	}
	s.users[username] = User{
		Username:     username,
		PasswordHash: auth.HashPassword(password),
		Permissions:  perms,
	}
	return s.persistLocked()
}

// Update applies a field→value mapping to an existing user and persists. A
// "password" entry is hashed before storage; "permissions" must be a valid
// tier. Unknown fields are rejected.
func (s *Store) Update(username string, toModify map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	for field, value := range toModify {
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("users: field %q requires a string value", field)
		}
		switch field {
		case "password":
			u.PasswordHash = auth.HashPassword(str)
		case "password_hash":
			u.PasswordHash = str
		case "permissions":
			perms := Permission(str)
			if !perms.Valid() {
				return fmt.Errorf("%w: %q", ErrBadPermission, perms)
			}
			u.Permissions = perms
		case "username":
			// Renames would desynchronize the map key; refuse.
			return errors.New("users: username cannot be modified")
		default:
			return fmt.Errorf("users: unknown field %q", field)
		}
	}
	s.users[username] = u
	return s.persistLocked()
}

// Delete removes a user and persists the file.
func (s *Store) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, username)
	}
	delete(s.users, username)
	return s.persistLocked()
}

// persistLocked rewrites the users file in full. Callers hold s.mu (or are
// still single-threaded during Load). The advisory file lock keeps a running
// server and the offline user tool from interleaving writes.
func (s *Store) persistLocked() error {
	data, err := json.Marshal(s.users)
	if err != nil {
		return fmt.Errorf("encode users file: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock users file: %w", err)
	}
	defer lock.Unlock() //nolint:errcheck

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write users file: %w", err)
	}
	return nil
}
