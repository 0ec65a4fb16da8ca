package interfaces

import "context"

// CredentialResolver turns an Integration's opaque CredentialRef into the
// secret value a provider adapter needs (typically an API token). The core
// never inspects or stores the resolved value; only the provider adapter
// that owns the integration sees it.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialRef string) (string, error)
}
