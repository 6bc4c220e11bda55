package server

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/cubeflix/cshd/pkg/protocol"
)

// createBackup archives the server root into
// <dir>/BACKUP-YYYYmmdd-HHMMSS.bak.zip and returns the archive path. An
// existing archive with the same name is refused unless replace is set.
func createBackup(root, dir string, replace bool) (string, *protocol.Error) {
	name := "BACKUP-" + time.Now().Format("20060102-150405")
	target := filepath.Join(dir, name+".bak.zip")

	if _, err := os.Stat(target); err == nil && !replace {
		return "", protocol.Errf(protocol.CodeBackupExists, "Backup already exists.")
	}

	f, err := os.Create(target)
	if err != nil {
		return "", protocol.AsError(err, protocol.CodeCommandFailed)
	}

	zw := zip.NewWriter(f)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return "", protocol.AsError(err, protocol.CodeCommandFailed)
	}
	return target, nil
}
