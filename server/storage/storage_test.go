package storage

import (
	"bytes"
	"os"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, WriteFile(s, "runs/1/images/0", bytes.NewReader([]byte("hello"))))
	b, err := ReadFile(s, "runs/1/images/0")
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	f, err := s.ReadFile("runs/1/images/0")
	require.NoError(t, err)
	require.Equal(t, int64(5), f.Size)
	f.Reader.Close()

	_, err = s.ReadFile("../etc/passwd")
	require.Error(t, err)

	require.NoError(t, DeleteFiles(s, []string{"runs/1/images/0"}))
	_, err = ReadFile(s, "runs/1/images/0")
	require.ErrorIs(t, err, os.ErrNotExist)
	// Already gone
	require.NoError(t, DeleteFiles(s, []string{"runs/1/images/0"}))
	require.Error(t, DeleteFiles(s, []string{"../outside"}))
}
