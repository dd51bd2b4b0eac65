package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFS_Contract(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	listerContract(t, s)
}

func TestFS_WritesNestedKeys(t *testing.T) {
	root := t.TempDir()
	s, err := NewFS(root)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "api/items/id%3D1.json", []byte(`{"id":1}`), "application/json"))

	data, err := os.ReadFile(filepath.Join(root, "api", "items", "id%3D1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(data))
}

func TestFS_RejectsEscapingKeys(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../outside.json", "/abs.json", ".", "a/../../b.json"} {
		t.Run(key, func(t *testing.T) {
			assert.Error(t, s.Create(context.Background(), key, []byte("x"), ""))
		})
	}
}

func TestFS_CanceledContext(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Create(ctx, "k.json", []byte("x"), ""), context.Canceled)
}
