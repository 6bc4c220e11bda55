package server

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cubeflix/cshd/pkg/metrics"
	"github.com/cubeflix/cshd/pkg/protocol"
	"github.com/cubeflix/cshd/pkg/sandbox"
	"github.com/cubeflix/cshd/pkg/session"
	"github.com/cubeflix/cshd/pkg/wire"
)

// permTier is the permission level a session command requires.
type permTier int

const (
	// permNone requires only a valid session (logout).
	permNone permTier = iota
	// permRead requires any valid permission tier.
	permRead
	// permWrite requires the write or admin tier.
	permWrite
)

type commandDef struct {
	name string
	perm permTier
	run  func(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error)
}

// sessionCommands is the numeric dispatch table for session commands.
var sessionCommands = map[int64]commandDef{
	0:  {"logout", permNone, cmdLogout},
	1:  {"read", permRead, cmdRead},
	2:  {"write", permWrite, cmdWrite},
	3:  {"delete", permWrite, cmdDelete},
	4:  {"rename", permWrite, cmdRename},
	5:  {"mkdir", permWrite, cmdMkdir},
	6:  {"rmdir", permWrite, cmdRmdir},
	7:  {"list", permRead, cmdList},
	8:  {"move", permWrite, cmdMove},
	9:  {"copy", permWrite, cmdCopy},
	10: {"chdir", permRead, cmdChdir},
	11: {"cwd", permRead, cmdCwd},
	12: {"size", permRead, cmdSize},
	13: {"exists", permRead, cmdExists},
}

var errInvalidPath = protocol.Errf(protocol.CodeInvalidPath, "Invalid path.")

// resolveFile resolves a client path that must be an existing regular file.
func (s *Server) resolveFile(sess session.Session, path string) (string, *protocol.Error) {
	full, err := s.box.Resolve(sess.Cwd, path)
	if err != nil {
		return "", errInvalidPath
	}
	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		return "", errInvalidPath
	}
	return full, nil
}

// resolveDir resolves a client path that must be an existing directory.
func (s *Server) resolveDir(sess session.Session, path string) (string, *protocol.Error) {
	full, err := s.box.Resolve(sess.Cwd, path)
	if err != nil {
		return "", errInvalidPath
	}
	st, err := os.Stat(full)
	if err != nil || !st.IsDir() {
		return "", errInvalidPath
	}
	return full, nil
}

// resolveExisting resolves a client path that must exist, file or directory.
func (s *Server) resolveExisting(sess session.Session, path string) (string, *protocol.Error) {
	full, err := s.box.Resolve(sess.Cwd, path)
	if err != nil {
		return "", errInvalidPath
	}
	if _, err := os.Stat(full); err != nil {
		return "", errInvalidPath
	}
	return full, nil
}

// resolveAny resolves a client path with no existence requirement.
func (s *Server) resolveAny(sess session.Session, path string) (string, *protocol.Error) {
	full, err := s.box.Resolve(sess.Cwd, path)
	if err != nil {
		return "", errInvalidPath
	}
	return full, nil
}

func cmdLogout(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	if !s.sessions.Remove(sess.ID) {
		return nil, protocol.Errf(protocol.CodeLogoutFailed, "Error with logging out.")
	}
	metrics.LiveSessions.Set(float64(s.sessions.Count()))
	return protocol.OK(), nil
}

type readArgs struct {
	Path   string `mapstructure:"path"`
	Start  int64  `mapstructure:"start"`
	Length int64  `mapstructure:"length"`
}

func cmdRead(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	a := readArgs{Start: 0, Length: -1}
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveFile(sess, a.Path)
	if perr != nil {
		return nil, perr
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, protocol.MapFSError(err, "File", "reading file", a.Path)
	}
	defer f.Close()

	if a.Start > 0 {
		if _, err := f.Seek(a.Start, io.SeekStart); err != nil {
			return nil, protocol.MapFSError(err, "File", "reading file", a.Path)
		}
	}

	// The requested length only bounds the read; the allocation tracks what
	// the file actually holds, so a hostile length cannot exhaust memory.
	var data []byte
	if a.Length < 0 {
		data, err = io.ReadAll(f)
	} else {
		data, err = io.ReadAll(io.LimitReader(f, a.Length))
	}
	if err != nil {
		return nil, protocol.MapFSError(err, "File", "reading file", a.Path)
	}
	return protocol.OKWith(map[string]any{"data": data}), nil
}

type writeArgs struct {
	Path string `mapstructure:"path"`
	Data any    `mapstructure:"data"`
	Mode string `mapstructure:"mode"`
}

func cmdWrite(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	a := writeArgs{Mode: "wb"}
	if perr := protocol.DecodeArgs(args, &a, "path", "data"); perr != nil {
		return nil, perr
	}
	data, ok := a.Data.([]byte)
	if !ok {
		return nil, protocol.Errf(protocol.CodeBadWriteData, "Invalid data type for write data.")
	}

	var flags int
	switch strings.ToLower(a.Mode) {
	case "wb":
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "ab":
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		return nil, protocol.Errf(protocol.CodeBadWriteMode, "Mode is invalid.")
	}

	full, perr := s.resolveAny(sess, a.Path)
	if perr != nil {
		return nil, perr
	}

	f, err := os.OpenFile(full, flags, 0o644)
	if err == nil {
		_, err = f.Write(data)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("File", a.Path, "not found or not writable")
		}
		return nil, protocol.Errf(protocol.CodeFilesystem, "Error with writing to file.")
	}
	return protocol.OK(), nil
}

type pathArgs struct {
	Path string `mapstructure:"path"`
}

func cmdDelete(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a pathArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveFile(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	if err := os.Remove(full); err != nil {
		return nil, protocol.MapFSError(err, "File", "deleting file", a.Path)
	}
	return protocol.OK(), nil
}

type renameArgs struct {
	Path    string `mapstructure:"path"`
	NewName string `mapstructure:"new_name"`
}

func cmdRename(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a renameArgs
	if perr := protocol.DecodeArgs(args, &a, "path", "new_name"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveExisting(sess, a.Path)
	if perr != nil {
		return nil, perr
	}

	// The new name is a bare file name inside the renamed path's own
	// directory; anything carrying a separator is refused rather than
	// silently truncated to its base name.
	if strings.ContainsAny(a.NewName, `/\`) {
		return nil, errInvalidPath
	}
	base := a.NewName
	if base == "" || base == "." || base == ".." {
		return nil, errInvalidPath
	}
	target := filepath.Join(filepath.Dir(full), base)
	if !s.box.Contains(target) {
		return nil, errInvalidPath
	}

	if err := os.Rename(full, target); err != nil {
		return nil, protocol.MapFSError(err, "Path", "renaming path", a.Path)
	}
	return protocol.OK(), nil
}

func cmdMkdir(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a pathArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveAny(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	if err := os.Mkdir(full, 0o755); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound("Path", a.Path, "cannot be created")
		}
		return nil, protocol.Errf(protocol.CodeFilesystem, "Error with creating path.")
	}
	return protocol.OK(), nil
}

func cmdRmdir(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a pathArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveDir(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	if err := os.RemoveAll(full); err != nil {
		return nil, protocol.MapFSError(err, "Path", "deleting path", a.Path)
	}
	return protocol.OK(), nil
}

func cmdList(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a pathArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveDir(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, protocol.MapFSError(err, "Path", "listing directory", a.Path)
	}
	names := make(wire.List, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return protocol.OKWith(map[string]any{"data": names}), nil
}

type transferArgs struct {
	Path        string `mapstructure:"path"`
	Destination string `mapstructure:"destination"`
}

func cmdMove(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a transferArgs
	if perr := protocol.DecodeArgs(args, &a, "path", "destination"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveExisting(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	dest, derr := s.box.Resolve(sess.Cwd, a.Destination)
	if derr != nil {
		return nil, protocol.Errf(protocol.CodeInvalidPath, "Invalid destination path.")
	}
	// Moving onto an existing directory moves into it.
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, filepath.Base(full))
	}
	if err := os.Rename(full, dest); err != nil {
		return nil, protocol.MapFSError(err, "Path", "moving path", a.Path)
	}
	return protocol.OK(), nil
}

func cmdCopy(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a transferArgs
	if perr := protocol.DecodeArgs(args, &a, "path", "destination"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveExisting(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	dest, derr := s.box.Resolve(sess.Cwd, a.Destination)
	if derr != nil {
		return nil, protocol.Errf(protocol.CodeInvalidPath, "Invalid destination path.")
	}
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, filepath.Base(full))
	}
	if err := copyFile(full, dest); err != nil {
		return nil, protocol.MapFSError(err, "Path", "copying path", a.Path)
	}
	return protocol.OK(), nil
}

func cmdChdir(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a pathArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	// The target is validated before the session is mutated.
	if _, perr := s.resolveDir(sess, a.Path); perr != nil {
		return nil, perr
	}
	next := sandbox.NormalizeCwd(sess.Cwd, a.Path)
	if !s.sessions.SetCwd(sess.ID, next) {
		return nil, protocol.Errf(protocol.CodeInvalidSession, "Session invalid or expired.")
	}
	return protocol.OK(), nil
}

func cmdCwd(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	cwd := sess.Cwd
	if cwd == "" {
		cwd = "."
	}
	return protocol.OKWith(map[string]any{"path": cwd}), nil
}

func cmdSize(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a pathArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveFile(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, protocol.MapFSError(err, "File", "getting file size", a.Path)
	}
	return protocol.OKWith(map[string]any{"size": st.Size()}), nil
}

func cmdExists(s *Server, sess session.Session, args wire.Map) (wire.Map, *protocol.Error) {
	var a pathArgs
	if perr := protocol.DecodeArgs(args, &a, "path"); perr != nil {
		return nil, perr
	}
	full, perr := s.resolveAny(sess, a.Path)
	if perr != nil {
		return nil, perr
	}
	exists, isFile, isDir := false, false, false
	if st, err := os.Stat(full); err == nil {
		exists = true
		isDir = st.IsDir()
		isFile = !isDir
	}
	return protocol.OKWith(map[string]any{"exists": exists, "isfile": isFile, "isdir": isDir}), nil
}

// notFound builds a masked code-3 error quoting only the client path.
func notFound(noun, clientPath, suffix string) *protocol.Error {
	quoted := protocol.QuotePath(clientPath)
	return protocol.Errf(protocol.CodeNotFound, "%s %s %s.", noun, quoted, suffix)
}

// copyFile copies a regular file's contents and mode. Directories are
// refused.
func copyFile(src, dest string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return errors.New("source is a directory")
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
