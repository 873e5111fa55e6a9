// Package keystore persists generated key material on local disk.
package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/keel/pkg/stack"
)

// File modes for stored artifacts.
const (
	DirMode        os.FileMode = 0o700
	PrivateKeyMode os.FileMode = 0o600
	KeyInfoMode    os.FileMode = 0o644
)

// ErrNotRegular is returned when a target path exists but is not a regular file.
var ErrNotRegular = errors.New("not a regular file")

// Store writes key files into one directory.
type Store struct {
	dir string
}

// New creates a store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a file in the store. Absolute paths are
// returned unchanged.
func (s *Store) Path(file string) (string, error) {
	if filepath.IsAbs(file) {
		return filepath.Clean(file), nil
	}
	abs, err := filepath.Abs(filepath.Join(s.dir, file))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", file, err)
	}
	return abs, nil
}

// WritePrivateKey stores the private key readable by the owner only and
// returns its absolute path.
func (s *Store) WritePrivateKey(file string, key stack.Sensitive) (string, error) {
	if key == "" {
		return "", fmt.Errorf("write private key: empty key")
	}
	path, err := s.write(file, []byte(key.Reveal()), PrivateKeyMode)
	if err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	log.Info().Stringer("path", stack.Sensitive(path)).Msg("private key saved")
	return path, nil
}

// WriteKeyInfo stores the key information document and returns its path.
func (s *Store) WriteKeyInfo(file, doc string) (string, error) {
	path, err := s.write(file, []byte(doc), KeyInfoMode)
	if err != nil {
		return "", fmt.Errorf("write key info: %w", err)
	}
	log.Debug().Str("file", filepath.Base(path)).Msg("key info saved")
	return path, nil
}

// Remove deletes the given files. Missing files are ignored.
func (s *Store) Remove(files ...string) error {
	for _, f := range files {
		path, err := s.Path(f)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// write replaces the target atomically through a temp file in the same
// directory, so a reader never sees a partial key.
func (s *Store) write(file string, data []byte, mode os.FileMode) (string, error) {
	path, err := s.Path(file)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}

	info, err := os.Lstat(path)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return "", fmt.Errorf("%s: %w", path, ErrNotRegular)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("stat %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".keel-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename to %s: %w", path, err)
	}
	return path, nil
}
