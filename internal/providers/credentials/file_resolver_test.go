package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileResolver_ResolveReadsTokenFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme-github.toml"), []byte(`token = "ghp_abc123"`), 0o600))

	r := NewFileResolver(dir)
	token, err := r.Resolve(context.Background(), "acme-github")
	require.NoError(t, err)
	assert.Equal(t, "ghp_abc123", token)
}

func TestFileResolver_ResolveErrorsOnEmptyRef(t *testing.T) {
	r := NewFileResolver(t.TempDir())
	_, err := r.Resolve(context.Background(), "")
	assert.Error(t, err)
}

func TestFileResolver_ResolveErrorsOnMissingFile(t *testing.T) {
	r := NewFileResolver(t.TempDir())
	_, err := r.Resolve(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestFileResolver_ResolveErrorsOnEmptyToken(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.toml"), []byte(`token = ""`), 0o600))

	r := NewFileResolver(dir)
	_, err := r.Resolve(context.Background(), "broken")
	assert.Error(t, err)
}
