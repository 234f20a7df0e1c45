package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks writes that have not been renamed into place yet.
const tempPrefix = ".staging-"

// Staging keeps attachment bytes on disk from the moment a message is
// composed until its upload is confirmed, so that queued sends survive a
// restart. Files are addressed by their SHA-256 and fanned out by the first
// two hex digits.
type Staging struct {
	root string
	log  *slog.Logger
}

// NewStaging opens the staging directory and removes writes left unfinished
// by a previous run.
func NewStaging(root string, logger *slog.Logger) (*Staging, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", root, err)
	}
	s := &Staging{root: root, log: logger}
	if n := s.sweep(); n > 0 {
		logger.Info("removed unfinished staged writes", "count", n)
	}
	return s, nil
}

func (s *Staging) path(hash string) (string, error) {
	if !validHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrBadHash, hash)
	}
	return filepath.Join(s.root, hash[:2], hash), nil
}

// Stage writes the content of r under hash. The content must hash to hash.
// Staging content that is already present is a no-op.
func (s *Staging) Stage(r io.Reader, hash string) error {
	path, err := s.path(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("filestore: stage %s: %w", hash, err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return fmt.Errorf("filestore: stage %s: %w", hash, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != hash {
		return fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, hash, got)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("filestore: stage %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: stage %s: %w", hash, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("filestore: stage %s: %w", hash, err)
	}
	return nil
}

// Open returns the staged content. Missing content is ErrNotStaged.
func (s *Staging) Open(hash string) (io.ReadCloser, error) {
	path, err := s.path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotStaged, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open %s: %w", hash, err)
	}
	return f, nil
}

// Release drops staged content once nothing needs to upload it any more.
// Releasing missing content is not an error.
func (s *Staging) Release(hash string) error {
	path, err := s.path(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore: release %s: %w", hash, err)
	}
	// Fails while other files share the fan-out directory.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

func (s *Staging) sweep() int {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn("failed to remove unfinished staged write", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		s.log.Warn("failed to sweep staging directory", "error", err)
	}
	return removed
}
