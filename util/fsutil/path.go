package fsutil

import (
	"os"
	"path/filepath"
)

// EnsureDir ensures a directory exists.
func EnsureDir(p string) error {
	s, err := os.Stat(p)
	if err == nil {
		if !s.IsDir() {
			return &os.PathError{Op: "mkdir", Path: p, Err: os.ErrExist}
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}
	return os.MkdirAll(p, 0775)
}

// EnsurePath ensures a directory exists, given a file path. This calls path.Dir(p)
func EnsurePath(p string) error {
	return EnsureDir(filepath.Dir(p))
}
