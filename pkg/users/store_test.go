package users

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeflix/cshd/pkg/auth"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	s, err := Load(path)
	require.NoError(t, err)
	return s, path
}

func TestLoadMissingFileInitializes(t *testing.T) {
	s, path := tempStore(t)
	assert.Equal(t, 0, s.Count())

	// The file is written out as an empty object.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(data))
}

func TestLoadEmptyFileInitializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestCreatePersistsAndReloads(t *testing.T) {
	s, path := tempStore(t)
	require.NoError(t, s.Create("alice", "secret", PermWrite))

	reloaded, err := Load(path)
	require.NoError(t, err)
	u, ok := reloaded.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, auth.HashPassword("secret"), u.PasswordHash)
	assert.Equal(t, PermWrite, u.Permissions)
}

func TestCreateRejectsDuplicatesAndBadPerms(t *testing.T) {
	s, _ := tempStore(t)
	require.NoError(t, s.Create("alice", "pw", PermRead))
	assert.ErrorIs(t, s.Create("alice", "pw", PermRead), ErrExists)
	assert.ErrorIs(t, s.Create("bob", "pw", Permission("x")), ErrBadPermission)
}

func TestAuthenticate(t *testing.T) {
	s, _ := tempStore(t)
	require.NoError(t, s.Create("alice", "secret", PermAdmin))

	u, ok := s.Authenticate("alice", "secret")
	assert.True(t, ok)
	assert.Equal(t, PermAdmin, u.Permissions)

	_, ok = s.Authenticate("alice", "wrong")
	assert.False(t, ok)
	_, ok = s.Authenticate("nobody", "secret")
	assert.False(t, ok)
}

func TestUpdateFields(t *testing.T) {
	s, path := tempStore(t)
	require.NoError(t, s.Create("alice", "old", PermRead))

	require.NoError(t, s.Update("alice", map[string]any{"password": "new"}))
	_, ok := s.Authenticate("alice", "new")
	assert.True(t, ok)

	require.NoError(t, s.Update("alice", map[string]any{"permissions": "a"}))
	u, _ := s.Get("alice")
	assert.Equal(t, PermAdmin, u.Permissions)

	hash := auth.HashPassword("direct")
	require.NoError(t, s.Update("alice", map[string]any{"password_hash": hash}))
	_, ok = s.Authenticate("alice", "direct")
	assert.True(t, ok)

	assert.Error(t, s.Update("alice", map[string]any{"username": "bob"}))
	assert.Error(t, s.Update("alice", map[string]any{"unknown": "x"}))
	assert.Error(t, s.Update("alice", map[string]any{"permissions": "z"}))
	assert.Error(t, s.Update("alice", map[string]any{"password": 42}))
	assert.ErrorIs(t, s.Update("ghost", map[string]any{"password": "x"}), ErrNotFound)

	// Mutations persisted across the whole sequence.
	reloaded, err := Load(path)
	require.NoError(t, err)
	_, ok = reloaded.Authenticate("alice", "direct")
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	s, path := tempStore(t)
	require.NoError(t, s.Create("alice", "pw", PermRead))
	require.NoError(t, s.Delete("alice"))
	assert.ErrorIs(t, s.Delete("alice"), ErrNotFound)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Count())
}

func TestUsernamesAndAllSorted(t *testing.T) {
	s, _ := tempStore(t)
	require.NoError(t, s.Create("charlie", "pw", PermRead))
	require.NoError(t, s.Create("alice", "pw", PermRead))
	require.NoError(t, s.Create("bob", "pw", PermRead))

	assert.Equal(t, []string{"alice", "bob", "charlie"}, s.Usernames())
	all := s.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].Username)
	assert.Equal(t, "charlie", all[2].Username)
}

func TestOnDiskFormat(t *testing.T) {
	s, path := tempStore(t)
	require.NoError(t, s.Create("alice", "secret", PermRead))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Contains(t, raw, "alice")
	assert.Equal(t, "alice", raw["alice"]["username"])
	assert.Equal(t, auth.HashPassword("secret"), raw["alice"]["password_hash"])
	assert.Equal(t, "r", raw["alice"]["permissions"])
}

func TestMapKeyAuthoritativeForUsername(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	blob := `{"alice": {"username": "stale", "password_hash": "h", "permissions": "r"}}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	u, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)
}
