// Package credentials resolves an Integration's opaque CredentialRef into
// the secret value a provider adapter needs. The core never stores or
// inspects these secrets itself; it only passes the reference through.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// credentialFile is the on-disk shape of one credential file: a small TOML
// document named "<credential_ref>.toml" inside the configured directory.
type credentialFile struct {
	Token string `toml:"token"`
}

// FileResolver loads credentials from individual TOML files in a directory,
// following the same file-per-credential layout the teacher uses for its
// auth credential store.
type FileResolver struct {
	dir string
}

func NewFileResolver(dir string) *FileResolver {
	return &FileResolver{dir: dir}
}

// Resolve reads "<dir>/<credentialRef>.toml" and returns its token field.
func (r *FileResolver) Resolve(ctx context.Context, credentialRef string) (string, error) {
	if credentialRef == "" {
		return "", fmt.Errorf("empty credential reference")
	}

	path := filepath.Join(r.dir, credentialRef+".toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read credential file %s: %w", path, err)
	}

	var doc credentialFile
	if err := toml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse credential file %s: %w", path, err)
	}
	if doc.Token == "" {
		return "", fmt.Errorf("credential file %s has no token", path)
	}
	return doc.Token, nil
}
