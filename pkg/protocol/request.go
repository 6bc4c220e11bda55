package protocol

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/cubeflix/cshd/pkg/wire"
)

// Request is the discriminated union of the five top-level request shapes,
// produced by ParseRequest from the decoded wire mapping.
type Request interface {
	isRequest()
}

// LoginRequest is command "L".
type LoginRequest struct {
	Username string
	Password string
	// ExpirationTime is the client-requested TTL in seconds; nil when the
	// client did not send one.
	ExpirationTime *int64
}

// StatusRequest is command "I".
type StatusRequest struct{}

// AdminRequest is command "A".
type AdminRequest struct {
	Username     string
	Password     string
	AdminCommand int64
	Args         wire.Map
}

// ClearSessionsRequest is command "CS".
type ClearSessionsRequest struct {
	Username string
	Password string
}

// CommandRequest is an integer session command.
type CommandRequest struct {
	Command   int64
	Username  string
	SessionID string
	Args      wire.Map
}

func (LoginRequest) isRequest()         {}
func (StatusRequest) isRequest()        {}
func (AdminRequest) isRequest()         {}
func (ClearSessionsRequest) isRequest() {}
func (CommandRequest) isRequest()       {}

// ParseRequest classifies a decoded request mapping into one of the five
// request shapes, enforcing the outer-layer field requirements (codes 9, 12,
// 15 and 16).
func ParseRequest(m wire.Map) (Request, *Error) {
	cmd, ok := m["command"]
	if !ok {
		return nil, Errf(CodeMissingCommand, "Command ID not in data.")
	}

	switch c := cmd.(type) {
	case string:
		switch c {
		case "L":
			req := LoginRequest{}
			var perr *Error
			if req.Username, req.Password, perr = credentials(m, "Log in"); perr != nil {
				return nil, perr
			}
			if exp, ok := m.GetInt("expiration_time"); ok {
				req.ExpirationTime = &exp
			}
			return req, nil
		case "I":
			return StatusRequest{}, nil
		case "A":
			req := AdminRequest{}
			var perr *Error
			if req.Username, req.Password, perr = credentials(m, "Admin"); perr != nil {
				return nil, perr
			}
			id, ok := m.GetInt("admin_command")
			if !ok {
				return nil, Errf(CodeMissingCommand, "Command ID not in data.")
			}
			req.AdminCommand = id
			args, perr := argsMapping(m)
			if perr != nil {
				return nil, perr
			}
			req.Args = args
			return req, nil
		case "CS":
			req := ClearSessionsRequest{}
			var perr *Error
			if req.Username, req.Password, perr = credentials(m, "Clear user sessions"); perr != nil {
				return nil, perr
			}
			return req, nil
		default:
			return nil, Errf(CodeUnknownCommand, "Command ID is invalid.")
		}
	case int64:
		username, uok := m.GetString("username")
		sessionID, sok := m.GetString("session_id")
		if !uok || !sok {
			return nil, Errf(CodeMissingSession, "Commands must have username and session ID provided.")
		}
		args, perr := argsMapping(m)
		if perr != nil {
			return nil, perr
		}
		return CommandRequest{
			Command:   c,
			Username:  username,
			SessionID: sessionID,
			Args:      args,
		}, nil
	default:
		return nil, Errf(CodeUnknownCommand, "Command ID is invalid.")
	}
}

func credentials(m wire.Map, kind string) (username, password string, perr *Error) {
	username, uok := m.GetString("username")
	password, pok := m.GetString("password")
	if !uok || !pok {
		return "", "", Errf(CodeMissingCreds, "%s command must have username and password provided.", kind)
	}
	return username, password, nil
}

func argsMapping(m wire.Map) (wire.Map, *Error) {
	v, ok := m["args"]
	if !ok {
		return nil, Errf(CodeMissingArgs, "Arguments must be included in data.")
	}
	args, ok := v.(wire.Map)
	if !ok {
		return nil, Errf(CodeMissingArgs, "Arguments must be included in data.")
	}
	return args, nil
}

// DecodeArgs populates a typed argument struct from the args mapping,
// refusing unknown keys and missing required keys. Failures map onto code
// 22 (bad argument shape).
func DecodeArgs(args wire.Map, out any, required ...string) *Error {
	for _, key := range required {
		if !args.Has(key) {
			return Errf(CodeBadArguments, "Error with creating command: [missing argument %q]", key)
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return Errf(CodeBadArguments, "Error with creating command: [%v]", err)
	}
	if err := dec.Decode(args.StringKeyed()); err != nil {
		return Errf(CodeBadArguments, "Error with creating command: [%v]", err)
	}
	return nil
}

// BuildError shapes a protocol error into the response mapping.
func BuildError(e *Error) wire.Map {
	return wire.Map{"code": int64(e.Code), "error": e.Message}
}

// OK is the bare success response.
func OK() wire.Map {
	return wire.Map{"code": int64(CodeOK)}
}

// OKWith builds a success response with extra fields.
func OKWith(fields map[string]any) wire.Map {
	m := wire.Map{"code": int64(CodeOK)}
	for k, v := range fields {
		m[k] = v
	}
	return m
}

// Describe renders a short, truncated summary of an args mapping for
// request logging.
func Describe(args wire.Map) string {
	s := fmt.Sprintf("%v", args.StringKeyed())
	if len(s) > 75 {
		return s[:75] + "..."
	}
	return s
}
