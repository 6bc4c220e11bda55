package server

import (
	"errors"
	"os"
	"os/exec"

	"github.com/cubeflix/cshd/internal/logger"
	"github.com/cubeflix/cshd/pkg/config"
	"github.com/cubeflix/cshd/pkg/metrics"
	"github.com/cubeflix/cshd/pkg/protocol"
	"github.com/cubeflix/cshd/pkg/users"
	"github.com/cubeflix/cshd/pkg/wire"
)

type adminDef struct {
	name string
	// run returns the response and an optional action to execute after the
	// response has been written (shutdown).
	run func(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error)
}

// adminCommands is the numeric dispatch table for admin commands.
var adminCommands = map[int64]adminDef{
	0:  {"shutdown", adminShutdown},
	1:  {"create_user", adminCreateUser},
	2:  {"get_user", adminGetUser},
	3:  {"update_user", adminUpdateUser},
	4:  {"delete_user", adminDeleteUser},
	5:  {"clear_sessions", adminClearSessions},
	6:  {"update_rate_limit", adminUpdateRateLimit},
	7:  {"update_server_name", adminUpdateServerName},
	8:  {"update_session_expiration", adminUpdateSessionExpiration},
	9:  {"format", adminFormat},
	10: {"backup", adminBackup},
	11: {"get_server_path", adminGetServerPath},
	12: {"run_shell", adminRunShell},
	13: {"all_users", adminAllUsers},
	14: {"update_max_sessions", adminUpdateMaxSessions},
	15: {"get_all_settings", adminGetAllSettings},
}

// handleAdmin authenticates, requires the admin tier, and dispatches an
// admin command. The returned func, when non-nil, runs after the response
// is written.
func (s *Server) handleAdmin(r protocol.AdminRequest) (wire.Map, func()) {
	u, perr := s.authenticate(r.Username, r.Password)
	if perr != nil {
		return protocol.BuildError(perr), nil
	}
	if u.Permissions != users.PermAdmin {
		return protocol.BuildError(protocol.Errf(protocol.CodePermissionDenied,
			"User does not have permission to preform this command.")), nil
	}

	def, ok := adminCommands[r.AdminCommand]
	if !ok {
		return protocol.BuildError(protocol.Errf(protocol.CodeUnknownCommand, "Command ID is invalid.")), nil
	}
	metrics.RequestsTotal.WithLabelValues("admin_" + def.name).Inc()
	logger.Info("preforming admin command", "command", def.name, "user", r.Username, "args", protocol.Describe(r.Args))

	resp, after, perr := def.run(s, r.Args)
	if perr != nil {
		return protocol.BuildError(perr), nil
	}
	return resp, after
}

func adminShutdown(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	return protocol.OK(), s.RequestShutdown, nil
}

type createUserArgs struct {
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Permissions string `mapstructure:"permissions"`
}

func adminCreateUser(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a createUserArgs
	if perr := protocol.DecodeArgs(args, &a, "username", "password", "permissions"); perr != nil {
		return nil, nil, perr
	}
	if err := s.users.Create(a.Username, a.Password, users.Permission(a.Permissions)); err != nil {
		return nil, nil, protocol.AsError(err, protocol.CodeCommandFailed)
	}
	return protocol.OK(), nil, nil
}

type usernameArgs struct {
	Username string `mapstructure:"username"`
}

func adminGetUser(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a usernameArgs
	if perr := protocol.DecodeArgs(args, &a, "username"); perr != nil {
		return nil, nil, perr
	}
	u, ok := s.users.Get(a.Username)
	if !ok {
		return nil, nil, protocol.AsError(users.ErrNotFound, protocol.CodeCommandFailed)
	}
	return protocol.OKWith(map[string]any{
		"password_hash": u.PasswordHash,
		"permissions":   string(u.Permissions),
	}), nil, nil
}

type updateUserArgs struct {
	Username string `mapstructure:"username"`
	ToModify any    `mapstructure:"to_modify"`
}

func adminUpdateUser(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a updateUserArgs
	if perr := protocol.DecodeArgs(args, &a, "username", "to_modify"); perr != nil {
		return nil, nil, perr
	}
	fields, ok := a.ToModify.(wire.Map)
	if !ok {
		return nil, nil, protocol.Errf(protocol.CodeBadArguments, "Error with creating command: [to_modify must be a mapping]")
	}
	if err := s.users.Update(a.Username, fields.StringKeyed()); err != nil {
		return nil, nil, protocol.AsError(err, protocol.CodeCommandFailed)
	}
	return protocol.OK(), nil, nil
}

func adminDeleteUser(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a usernameArgs
	if perr := protocol.DecodeArgs(args, &a, "username"); perr != nil {
		return nil, nil, perr
	}
	if err := s.users.Delete(a.Username); err != nil {
		return nil, nil, protocol.AsError(err, protocol.CodeCommandFailed)
	}
	return protocol.OK(), nil, nil
}

func adminClearSessions(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	n := s.sessions.Clear()
	metrics.LiveSessions.Set(0)
	logger.Info("cleared all sessions", "count", n)
	return protocol.OK(), nil, nil
}

type rateLimitArgs struct {
	NewLimit any `mapstructure:"new_limit"`
}

func adminUpdateRateLimit(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a rateLimitArgs
	if perr := protocol.DecodeArgs(args, &a, "new_limit"); perr != nil {
		return nil, nil, perr
	}
	rules, err := config.ParseRateLimit(a.NewLimit)
	if err != nil {
		return nil, nil, protocol.AsError(err, protocol.CodeCommandFailed)
	}
	s.limiter.SetRules(rules)
	s.settings.SetRateLimit(rules)
	return protocol.OK(), nil, nil
}

type serverNameArgs struct {
	Name string `mapstructure:"name"`
}

func adminUpdateServerName(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a serverNameArgs
	if perr := protocol.DecodeArgs(args, &a, "name"); perr != nil {
		return nil, nil, perr
	}
	s.settings.SetServerName(a.Name)
	return protocol.OK(), nil, nil
}

type expirationArgs struct {
	DefaultExpire     int64 `mapstructure:"default_expire"`
	AllowChangeExpire bool  `mapstructure:"allow_change_expire"`
}

func adminUpdateSessionExpiration(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a expirationArgs
	if perr := protocol.DecodeArgs(args, &a, "default_expire", "allow_change_expire"); perr != nil {
		return nil, nil, perr
	}
	s.settings.SetExpiration(a.DefaultExpire, a.AllowChangeExpire)
	return protocol.OK(), nil, nil
}

func adminFormat(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	root := s.box.Root()
	if err := os.RemoveAll(root); err != nil {
		return nil, nil, protocol.AsError(err, protocol.CodeCommandFailed)
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, nil, protocol.AsError(err, protocol.CodeCommandFailed)
	}
	logger.Warn("server root formatted", "root", root)
	return protocol.OK(), nil, nil
}

type backupArgs struct {
	Path    string `mapstructure:"path"`
	Replace bool   `mapstructure:"replace"`
}

func adminBackup(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a backupArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, nil, perr
	}
	target, perr := createBackup(s.box.Root(), a.Path, a.Replace)
	if perr != nil {
		return nil, nil, perr
	}
	logger.Info("backup created", "target", target)
	return protocol.OK(), nil, nil
}

func adminGetServerPath(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	return protocol.OKWith(map[string]any{"data": s.box.Root()}), nil, nil
}

type runShellArgs struct {
	Command string `mapstructure:"command"`
}

func adminRunShell(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a runShellArgs
	if perr := protocol.DecodeArgs(args, &a, "command"); perr != nil {
		return nil, nil, perr
	}
	logger.Warn("running shell command", "command", a.Command)
	if err := exec.Command("sh", "-c", a.Command).Run(); err != nil {
		var exit *exec.ExitError
		if !errors.As(err, &exit) {
			return nil, nil, protocol.AsError(err, protocol.CodeCommandFailed)
		}
		// A non-zero exit status is the command's business, not a failure of
		// the admin operation.
		logger.Warn("shell command exited non-zero", "command", a.Command, "status", exit.ExitCode())
	}
	return protocol.OK(), nil, nil
}

func adminAllUsers(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	names := s.users.Usernames()
	data := make(wire.List, 0, len(names))
	for _, name := range names {
		data = append(data, name)
	}
	return protocol.OKWith(map[string]any{"data": data}), nil, nil
}

type maxSessionsArgs struct {
	SessionLimit int64 `mapstructure:"session_limit"`
}

func adminUpdateMaxSessions(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var a maxSessionsArgs
	if perr := protocol.DecodeArgs(args, &a, "session_limit"); perr != nil {
		return nil, nil, perr
	}
	s.settings.SetSessionLimit(int(a.SessionLimit))
	return protocol.OK(), nil, nil
}

func adminGetAllSettings(s *Server, args wire.Map) (wire.Map, func(), *protocol.Error) {
	var secure any = false
	if s.cfg.Secure != nil {
		secure = s.cfg.Secure.Protocol
	}
	defaultExpire, allowChange := s.settings.Expiration()
	data := wire.Map{
		"server_name":              s.settings.ServerName(),
		"secure":                   secure,
		"rate_limit":               config.RateLimitSetting(s.settings.RateLimit()),
		"session_limit":            int64(s.settings.SessionLimit()),
		"default_expire":           defaultExpire,
		"allow_change_expire":      allowChange,
		"session_expiration_delay": s.settings.SessionExpirationDelay(),
	}
	return protocol.OKWith(map[string]any{"data": data}), nil, nil
}
