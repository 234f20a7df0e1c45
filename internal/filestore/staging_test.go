package filestore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaging(t *testing.T) {
	s, err := NewStaging(t.TempDir(), nil)
	require.NoError(t, err)

	data := []byte("attachment bytes")
	hash := Hash(data)

	require.NoError(t, s.Stage(bytes.NewReader(data), hash))
	// Already staged content is not rewritten.
	require.NoError(t, s.Stage(bytes.NewReader([]byte("ignored")), hash))

	rc, err := s.Open(hash)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, s.Release(hash))
	require.NoError(t, s.Release(hash))
	_, err = s.Open(hash)
	require.ErrorIs(t, err, ErrNotStaged)
}

func TestStagingRejectsWrongContent(t *testing.T) {
	root := t.TempDir()
	s, err := NewStaging(root, nil)
	require.NoError(t, err)

	hash := Hash([]byte("expected"))
	err = s.Stage(bytes.NewReader([]byte("something else")), hash)
	require.ErrorIs(t, err, ErrHashMismatch)
	_, err = s.Open(hash)
	require.ErrorIs(t, err, ErrNotStaged)

	entries, err := os.ReadDir(filepath.Join(root, hash[:2]))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestStagingRejectsBadHash(t *testing.T) {
	s, err := NewStaging(t.TempDir(), nil)
	require.NoError(t, err)

	for _, hash := range []string{"", "../../etc/passwd", "zz" + Hash(nil)[2:]} {
		require.ErrorIs(t, s.Stage(bytes.NewReader(nil), hash), ErrBadHash, hash)
		_, err := s.Open(hash)
		require.ErrorIs(t, err, ErrBadHash, hash)
		require.ErrorIs(t, s.Release(hash), ErrBadHash, hash)
	}
}

func TestStagingSweepsUnfinishedWrites(t *testing.T) {
	root := t.TempDir()
	data := []byte("kept")
	hash := Hash(data)

	s, err := NewStaging(root, nil)
	require.NoError(t, err)
	require.NoError(t, s.Stage(bytes.NewReader(data), hash))

	leftover := filepath.Join(root, hash[:2], tempPrefix+"123")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o600))

	s, err = NewStaging(root, nil)
	require.NoError(t, err)
	_, err = os.Stat(leftover)
	require.ErrorIs(t, err, os.ErrNotExist)

	rc, err := s.Open(hash)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}
