// Package credentials resolves a (user, provider) pair to a plaintext
// upstream credential, decrypting stored secrets and delegating the
// Anthropic path to the OAuth token manager.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	gateway "github.com/oakmund/strider/internal"
	"github.com/oakmund/strider/internal/crypto"
	"github.com/oakmund/strider/internal/oauth"
	"github.com/oakmund/strider/internal/storage"
)

// defaultVertexRegion applies when stored Vertex credentials omit a region.
const defaultVertexRegion = "asia-northeast1"

// ErrNoCredential signals that the user has nothing stored for this
// provider; the proxy core treats it as "try the next candidate".
var ErrNoCredential = errors.New("credentials: none configured")

// vertexCredential is the JSON shape of a stored Vertex AI credential.
type vertexCredential struct {
	APIKey    string `json:"apiKey"`
	ProjectID string `json:"projectId"`
	Region    string `json:"region"`
}

// Resolver decrypts per-user upstream credentials.
type Resolver struct {
	store  storage.CredentialStore
	cipher *crypto.Cipher
	oauth  *oauth.Manager
}

// NewResolver wires the resolver over the store, cipher, and OAuth manager.
func NewResolver(store storage.CredentialStore, cipher *crypto.Cipher, oauthMgr *oauth.Manager) *Resolver {
	return &Resolver{store: store, cipher: cipher, oauth: oauthMgr}
}

// Resolve returns the plaintext credential for (userID, pt).
// Returns ErrNoCredential when nothing is configured for the provider.
func (r *Resolver) Resolve(ctx context.Context, userID string, pt gateway.ProviderType) (gateway.Credential, error) {
	if pt == gateway.ProviderAnthropicAgent {
		token, err := r.oauth.AccessToken(ctx, userID)
		if err != nil {
			if errors.Is(err, oauth.ErrNotConnected) {
				return gateway.Credential{}, ErrNoCredential
			}
			return gateway.Credential{}, err
		}
		return gateway.Credential{AccessToken: token}, nil
	}

	rec, err := r.store.GetCredential(ctx, userID, pt)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.Credential{}, ErrNoCredential
		}
		return gateway.Credential{}, fmt.Errorf("load credential: %w", err)
	}

	plain, err := r.cipher.Decrypt(rec.EncryptedAPIKey, rec.IV)
	if err != nil {
		return gateway.Credential{}, fmt.Errorf("decrypt %s credential: %w", pt, err)
	}

	if pt == gateway.ProviderVertexAI {
		var vc vertexCredential
		if err := json.Unmarshal([]byte(plain), &vc); err != nil || vc.APIKey == "" {
			return gateway.Credential{}, gateway.BadRequest(gateway.CodeInvalidRequest, "Invalid Vertex AI credentials")
		}
		if vc.Region == "" {
			vc.Region = defaultVertexRegion
		}
		return gateway.Credential{APIKey: vc.APIKey, ProjectID: vc.ProjectID, Region: vc.Region}, nil
	}

	return gateway.Credential{APIKey: plain}, nil
}

// Configured lists the provider types the user has credentials for,
// including the OAuth-backed Anthropic path. Used by the model list
// aggregator to decide which upstreams to query.
func (r *Resolver) Configured(ctx context.Context, userID string) ([]gateway.ProviderType, error) {
	creds, err := r.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []gateway.ProviderType
	for _, c := range creds {
		out = append(out, c.ProviderType)
	}
	if r.oauth.IsConfigured(ctx, userID) {
		out = append(out, gateway.ProviderAnthropicAgent)
	}
	return out, nil
}
