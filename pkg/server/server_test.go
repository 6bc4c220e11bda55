package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeflix/cshd/pkg/config"
	"github.com/cubeflix/cshd/pkg/protocol"
	"github.com/cubeflix/cshd/pkg/ratelimit"
	"github.com/cubeflix/cshd/pkg/session"
	"github.com/cubeflix/cshd/pkg/users"
	"github.com/cubeflix/cshd/pkg/wire"
)

type testEnv struct {
	srv   *Server
	addr  string
	root  string
	store *users.Store
}

// newTestEnv starts a full server on a loopback port with the session ID
// generator running, serving a fresh temp root.
func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Host:                   "127.0.0.1",
		Port:                   0,
		Path:                   t.TempDir(),
		UsersFile:              filepath.Join(t.TempDir(), "users.json"),
		ServerName:             "testbox",
		AllowChangeExpire:      true,
		SessionExpirationDelay: 100,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := users.Load(cfg.UsersFile)
	require.NoError(t, err)

	srv, err := New(cfg, store)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = srv.Sessions().RunGenerator(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &testEnv{
		srv:   srv,
		addr:  srv.Addr().String(),
		root:  srv.Root(),
		store: store,
	}
}

// send performs one full protocol exchange: dial, one request, one response.
func send(t *testing.T, addr string, req wire.Map) wire.Map {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteMessage(conn, req))
	resp, err := wire.ReadMessage(conn, 0)
	require.NoError(t, err)
	return resp
}

func code(resp wire.Map) int64 {
	c, _ := resp.GetInt("code")
	return c
}

func login(t *testing.T, env *testEnv, username, password string) string {
	t.Helper()
	resp := send(t, env.addr, wire.Map{
		"command":  "L",
		"username": username,
		"password": password,
	})
	require.EqualValues(t, 0, code(resp), "login response: %v", resp)
	id, ok := resp.GetString("session_id")
	require.True(t, ok)
	require.Len(t, id, 128)
	return id
}

func cmdReq(command int64, username, sessionID string, args wire.Map) wire.Map {
	if args == nil {
		args = wire.Map{}
	}
	return wire.Map{
		"command":    command,
		"username":   username,
		"session_id": sessionID,
		"args":       args,
	}
}

func adminReq(username, password string, adminCommand int64, args wire.Map) wire.Map {
	if args == nil {
		args = wire.Map{}
	}
	return wire.Map{
		"command":       "A",
		"username":      username,
		"password":      password,
		"admin_command": adminCommand,
		"args":          args,
	}
}

func TestLoginStatusLogoutReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermAdmin))

	resp := send(t, env.addr, wire.Map{
		"command":         "L",
		"username":        "u",
		"password":        "p",
		"expiration_time": int64(3600),
	})
	require.EqualValues(t, 0, code(resp))
	id, _ := resp.GetString("session_id")
	require.Len(t, id, 128)
	ts, ok := resp["timestamp"].(wire.Tuple)
	require.True(t, ok)
	assert.Len(t, ts, 9)

	status := send(t, env.addr, wire.Map{"command": "I"})
	assert.EqualValues(t, 0, code(status))
	assert.Equal(t, "OK", status["status"])
	assert.Equal(t, Version, status["version"])
	assert.Equal(t, "testbox", status["name"])
	assert.Equal(t, runtime.GOOS, status["os"])
	assert.Equal(t, Language, status["language"])

	logout := send(t, env.addr, cmdReq(0, "u", id, nil))
	assert.EqualValues(t, 0, code(logout))

	replay := send(t, env.addr, cmdReq(0, "u", id, nil))
	assert.EqualValues(t, 1, code(replay))
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermRead))

	resp := send(t, env.addr, wire.Map{"command": "L", "username": "ghost", "password": "p"})
	assert.EqualValues(t, 13, code(resp))

	resp = send(t, env.addr, wire.Map{"command": "L", "username": "u", "password": "wrong"})
	assert.EqualValues(t, 14, code(resp))

	resp = send(t, env.addr, wire.Map{"command": "L", "username": "u"})
	assert.EqualValues(t, 12, code(resp))
}

func TestSandboxEscapeRefused(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermAdmin))
	id := login(t, env, "u", "p")

	resp := send(t, env.addr, cmdReq(1, "u", id, wire.Map{
		"path":   "../etc/passwd",
		"start":  int64(0),
		"length": int64(-1),
	}))
	assert.EqualValues(t, 18, code(resp))
}

func TestWriteThenRead(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermWrite))
	id := login(t, env, "u", "p")

	resp := send(t, env.addr, cmdReq(2, "u", id, wire.Map{
		"path": "a.txt",
		"data": []byte("hello"),
		"mode": "wb",
	}))
	require.EqualValues(t, 0, code(resp))

	resp = send(t, env.addr, cmdReq(1, "u", id, wire.Map{
		"path":   "a.txt",
		"start":  int64(0),
		"length": int64(-1),
	}))
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, []byte("hello"), resp["data"])

	resp = send(t, env.addr, cmdReq(1, "u", id, wire.Map{
		"path":   "a.txt",
		"start":  int64(1),
		"length": int64(3),
	}))
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, []byte("ell"), resp["data"])

	// Append mode.
	resp = send(t, env.addr, cmdReq(2, "u", id, wire.Map{
		"path": "a.txt",
		"data": []byte(" world"),
		"mode": "ab",
	}))
	require.EqualValues(t, 0, code(resp))
	resp = send(t, env.addr, cmdReq(1, "u", id, wire.Map{"path": "a.txt"}))
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, []byte("hello world"), resp["data"])
}

func TestReadHugeLengthIsBounded(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermWrite))
	id := login(t, env, "u", "p")

	resp := send(t, env.addr, cmdReq(2, "u", id, wire.Map{
		"path": "a.txt",
		"data": []byte("hello"),
	}))
	require.EqualValues(t, 0, code(resp))

	// A length far beyond the file must not allocate beyond the file.
	resp = send(t, env.addr, cmdReq(1, "u", id, wire.Map{
		"path":   "a.txt",
		"start":  int64(0),
		"length": int64(1) << 62,
	}))
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, []byte("hello"), resp["data"])

	// A start beyond the end reads nothing.
	resp = send(t, env.addr, cmdReq(1, "u", id, wire.Map{
		"path":   "a.txt",
		"start":  int64(100),
		"length": int64(1) << 62,
	}))
	require.EqualValues(t, 0, code(resp))
	assert.Empty(t, resp["data"])

	// The server is still serving.
	assert.EqualValues(t, 0, code(send(t, env.addr, wire.Map{"command": "I"})))
}

func TestHandlerPanicIsContained(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermRead))
	id := login(t, env, "u", "p")

	sessionCommands[999] = commandDef{
		name: "explode",
		perm: permNone,
		run: func(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
			panic("exploded")
		},
	}
	t.Cleanup(func() { delete(sessionCommands, 999) })

	resp := send(t, env.addr, cmdReq(999, "u", id, nil))
	assert.EqualValues(t, 11, code(resp))
	msg, _ := resp.GetString("error")
	assert.Contains(t, msg, "exploded")

	// The accept loop survived and the session is still valid.
	assert.EqualValues(t, 0, code(send(t, env.addr, wire.Map{"command": "I"})))
	assert.EqualValues(t, 0, code(send(t, env.addr, cmdReq(11, "u", id, nil))))
}

func TestWriteArgumentValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermWrite))
	id := login(t, env, "u", "p")

	resp := send(t, env.addr, cmdReq(2, "u", id, wire.Map{
		"path": "a.txt",
		"data": "not bytes",
	}))
	assert.EqualValues(t, 5, code(resp))

	resp = send(t, env.addr, cmdReq(2, "u", id, wire.Map{
		"path": "a.txt",
		"data": []byte("x"),
		"mode": "rb",
	}))
	assert.EqualValues(t, 6, code(resp))

	resp = send(t, env.addr, cmdReq(2, "u", id, wire.Map{
		"path":  "a.txt",
		"data":  []byte("x"),
		"bogus": int64(1),
	}))
	assert.EqualValues(t, 22, code(resp))
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("reader", "p", users.PermRead))
	id := login(t, env, "reader", "p")

	resp := send(t, env.addr, cmdReq(2, "reader", id, wire.Map{
		"path": "a.txt",
		"data": []byte("x"),
	}))
	assert.EqualValues(t, 19, code(resp))
	assert.NoFileExists(t, filepath.Join(env.root, "a.txt"))
}

func TestSessionLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SessionLimit = 2
	})
	require.NoError(t, env.store.Create("u", "p", users.PermRead))

	for i := 0; i < 2; i++ {
		resp := send(t, env.addr, wire.Map{"command": "L", "username": "u", "password": "p"})
		require.EqualValues(t, 0, code(resp))
	}
	resp := send(t, env.addr, wire.Map{"command": "L", "username": "u", "password": "p"})
	assert.EqualValues(t, 24, code(resp))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit = []ratelimit.Rule{{WindowSeconds: 60, Max: 2}}
	})

	assert.EqualValues(t, 0, code(send(t, env.addr, wire.Map{"command": "I"})))
	assert.EqualValues(t, 0, code(send(t, env.addr, wire.Map{"command": "I"})))
	assert.EqualValues(t, 20, code(send(t, env.addr, wire.Map{"command": "I"})))
}

func TestBadMagic(t *testing.T) {
	env := newTestEnv(t, nil)

	conn, err := net.Dial("tcp", env.addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{'X', 'X', 'X', 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	resp, err := wire.ReadMessage(conn, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 8, code(resp))
}

func TestUnknownCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermAdmin))
	id := login(t, env, "u", "p")

	resp := send(t, env.addr, cmdReq(99, "u", id, nil))
	assert.EqualValues(t, 10, code(resp))

	resp = send(t, env.addr, wire.Map{"command": "Z"})
	assert.EqualValues(t, 10, code(resp))

	resp = send(t, env.addr, wire.Map{})
	assert.EqualValues(t, 9, code(resp))
}

func TestFileCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermWrite))
	id := login(t, env, "u", "p")

	run := func(command int64, args wire.Map) wire.Map {
		return send(t, env.addr, cmdReq(command, "u", id, args))
	}

	// mkdir + list + exists.
	require.EqualValues(t, 0, code(run(5, wire.Map{"path": "docs"})))
	require.EqualValues(t, 0, code(run(2, wire.Map{"path": "docs/f.txt", "data": []byte("abc")})))

	resp := run(7, wire.Map{"path": "docs"})
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, wire.List{"f.txt"}, resp["data"])

	resp = run(13, wire.Map{"path": "docs/f.txt"})
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, true, resp["exists"])
	assert.Equal(t, true, resp["isfile"])
	assert.Equal(t, false, resp["isdir"])

	resp = run(13, wire.Map{"path": "docs"})
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, true, resp["isdir"])

	resp = run(13, wire.Map{"path": "ghost"})
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, false, resp["exists"])

	// size.
	resp = run(12, wire.Map{"path": "docs/f.txt"})
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, int64(3), resp["size"])

	// size of a directory is an invalid path.
	assert.EqualValues(t, 18, code(run(12, wire.Map{"path": "docs"})))

	// rename within the directory.
	require.EqualValues(t, 0, code(run(4, wire.Map{"path": "docs/f.txt", "new_name": "g.txt"})))
	assert.FileExists(t, filepath.Join(env.root, "docs", "g.txt"))

	// A new name carrying a separator is refused, not truncated to its base.
	assert.EqualValues(t, 18, code(run(4, wire.Map{"path": "docs/g.txt", "new_name": "sub/evil.txt"})))
	assert.EqualValues(t, 18, code(run(4, wire.Map{"path": "docs/g.txt", "new_name": "../escape.txt"})))
	assert.EqualValues(t, 18, code(run(4, wire.Map{"path": "docs/g.txt", "new_name": ".."})))
	assert.FileExists(t, filepath.Join(env.root, "docs", "g.txt"))

	// copy then move.
	require.EqualValues(t, 0, code(run(9, wire.Map{"path": "docs/g.txt", "destination": "copy.txt"})))
	assert.FileExists(t, filepath.Join(env.root, "copy.txt"))
	assert.FileExists(t, filepath.Join(env.root, "docs", "g.txt"))

	require.EqualValues(t, 0, code(run(8, wire.Map{"path": "docs/g.txt", "destination": "moved.txt"})))
	assert.FileExists(t, filepath.Join(env.root, "moved.txt"))
	assert.NoFileExists(t, filepath.Join(env.root, "docs", "g.txt"))

	// chdir + cwd + relative access.
	require.EqualValues(t, 0, code(run(10, wire.Map{"path": "docs"})))
	resp = run(11, nil)
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, "docs", resp["path"])

	require.EqualValues(t, 0, code(run(2, wire.Map{"path": "inner.txt", "data": []byte("x")})))
	assert.FileExists(t, filepath.Join(env.root, "docs", "inner.txt"))

	// Rooted path ignores the cwd.
	resp = run(1, wire.Map{"path": "/moved.txt"})
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, []byte("abc"), resp["data"])

	// chdir back to the root.
	require.EqualValues(t, 0, code(run(10, wire.Map{"path": "/"})))
	resp = run(11, nil)
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, ".", resp["path"])

	// chdir to a missing directory is refused before mutation.
	assert.EqualValues(t, 18, code(run(10, wire.Map{"path": "nowhere"})))
	resp = run(11, nil)
	assert.Equal(t, ".", resp["path"])

	// delete file, rmdir directory.
	require.EqualValues(t, 0, code(run(3, wire.Map{"path": "moved.txt"})))
	assert.NoFileExists(t, filepath.Join(env.root, "moved.txt"))

	require.EqualValues(t, 0, code(run(6, wire.Map{"path": "docs"})))
	assert.NoDirExists(t, filepath.Join(env.root, "docs"))

	// delete on a directory and rmdir on a file are invalid paths.
	require.EqualValues(t, 0, code(run(5, wire.Map{"path": "d2"})))
	assert.EqualValues(t, 18, code(run(3, wire.Map{"path": "d2"})))
	assert.EqualValues(t, 18, code(run(6, wire.Map{"path": "copy.txt"})))

	// read of a missing file is an invalid path.
	assert.EqualValues(t, 18, code(run(1, wire.Map{"path": "ghost.txt"})))
}

func TestClearUserSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("u", "p", users.PermRead))
	id := login(t, env, "u", "p")

	resp := send(t, env.addr, wire.Map{"command": "CS", "username": "u", "password": "p"})
	require.EqualValues(t, 0, code(resp))

	resp = send(t, env.addr, cmdReq(11, "u", id, nil))
	assert.EqualValues(t, 1, code(resp))
}

func TestAdminUserManagement(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("root", "pw", users.PermAdmin))

	resp := send(t, env.addr, adminReq("root", "pw", 1, wire.Map{
		"username":    "alice",
		"password":    "secret",
		"permissions": "w",
	}))
	require.EqualValues(t, 0, code(resp))

	// The new user can log in.
	login(t, env, "alice", "secret")

	resp = send(t, env.addr, adminReq("root", "pw", 2, wire.Map{"username": "alice"}))
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, "w", resp["permissions"])
	hash, _ := resp.GetString("password_hash")
	assert.Len(t, hash, 64)

	resp = send(t, env.addr, adminReq("root", "pw", 13, nil))
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, wire.List{"alice", "root"}, resp["data"])

	resp = send(t, env.addr, adminReq("root", "pw", 3, wire.Map{
		"username":  "alice",
		"to_modify": wire.Map{"permissions": "r"},
	}))
	require.EqualValues(t, 0, code(resp))
	u, _ := env.store.Get("alice")
	assert.Equal(t, users.PermRead, u.Permissions)

	resp = send(t, env.addr, adminReq("root", "pw", 4, wire.Map{"username": "alice"}))
	require.EqualValues(t, 0, code(resp))
	_, ok := env.store.Get("alice")
	assert.False(t, ok)

	// Deleting again fails.
	resp = send(t, env.addr, adminReq("root", "pw", 4, wire.Map{"username": "alice"}))
	assert.EqualValues(t, 17, code(resp))
}

func TestAdminRequiresAdminTier(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("w", "pw", users.PermWrite))

	resp := send(t, env.addr, adminReq("w", "pw", 13, nil))
	assert.EqualValues(t, 19, code(resp))

	resp = send(t, env.addr, adminReq("w", "wrong", 13, nil))
	assert.EqualValues(t, 14, code(resp))

	resp = send(t, env.addr, adminReq("ghost", "pw", 13, nil))
	assert.EqualValues(t, 13, code(resp))
}

func TestAdminSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("root", "pw", users.PermAdmin))

	require.EqualValues(t, 0, code(send(t, env.addr,
		adminReq("root", "pw", 7, wire.Map{"name": "renamed"}))))
	require.EqualValues(t, 0, code(send(t, env.addr,
		adminReq("root", "pw", 14, wire.Map{"session_limit": int64(7)}))))
	require.EqualValues(t, 0, code(send(t, env.addr,
		adminReq("root", "pw", 8, wire.Map{
			"default_expire":      int64(1800),
			"allow_change_expire": false,
		}))))

	resp := send(t, env.addr, adminReq("root", "pw", 15, nil))
	require.EqualValues(t, 0, code(resp))
	settings, ok := resp["data"].(wire.Map)
	require.True(t, ok)
	assert.Equal(t, "renamed", settings["server_name"])
	assert.Equal(t, int64(7), settings["session_limit"])
	assert.Equal(t, int64(1800), settings["default_expire"])
	assert.Equal(t, false, settings["allow_change_expire"])
	assert.Equal(t, false, settings["secure"])

	// The status command reflects the new name.
	status := send(t, env.addr, wire.Map{"command": "I"})
	assert.Equal(t, "renamed", status["name"])

	// All touched settings are queued for write-back.
	touched := env.srv.Settings().TouchedValues()
	assert.Contains(t, touched, "server_name")
	assert.Contains(t, touched, "session_limit")
	assert.Contains(t, touched, "default_expire")
	assert.Contains(t, touched, "allow_change_expire")

	resp = send(t, env.addr, adminReq("root", "pw", 11, nil))
	require.EqualValues(t, 0, code(resp))
	assert.Equal(t, env.root, resp["data"])

	resp = send(t, env.addr, adminReq("root", "pw", 99, nil))
	assert.EqualValues(t, 10, code(resp))
}

func TestAdminUpdateRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("root", "pw", users.PermAdmin))

	resp := send(t, env.addr, adminReq("root", "pw", 6, wire.Map{
		"new_limit": wire.List{wire.Tuple{int64(60), int64(5)}},
	}))
	require.EqualValues(t, 0, code(resp))

	rules := env.srv.Settings().RateLimit()
	require.Len(t, rules, 1)
	assert.EqualValues(t, 60, rules[0].WindowSeconds)
	assert.EqualValues(t, 5, rules[0].Max)

	// Back to unlimited.
	resp = send(t, env.addr, adminReq("root", "pw", 6, wire.Map{"new_limit": nil}))
	require.EqualValues(t, 0, code(resp))
	assert.Empty(t, env.srv.Settings().RateLimit())
}

func TestAdminClearSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("root", "pw", users.PermAdmin))
	id := login(t, env, "root", "pw")

	resp := send(t, env.addr, adminReq("root", "pw", 5, nil))
	require.EqualValues(t, 0, code(resp))

	resp = send(t, env.addr, cmdReq(11, "root", id, nil))
	assert.EqualValues(t, 1, code(resp))
}

func TestAdminFormat(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("root", "pw", users.PermAdmin))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "junk.txt"), []byte("x"), 0o644))

	resp := send(t, env.addr, adminReq("root", "pw", 9, nil))
	require.EqualValues(t, 0, code(resp))

	entries, err := os.ReadDir(env.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdminShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.store.Create("root", "pw", users.PermAdmin))

	resp := send(t, env.addr, adminReq("root", "pw", 0, nil))
	require.EqualValues(t, 0, code(resp))

	select {
	case <-env.srv.ShutdownRequested():
	default:
		t.Fatal("shutdown was not requested")
	}
}

func TestMissingSessionFields(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := send(t, env.addr, wire.Map{"command": int64(0), "username": "u"})
	assert.EqualValues(t, 15, code(resp))

	resp = send(t, env.addr, wire.Map{"command": int64(0), "username": "u", "session_id": "x"})
	assert.EqualValues(t, 16, code(resp))
}
