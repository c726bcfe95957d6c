package providers

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/hadrianai/hadrian/internal/config"
)

const (
	azureCognitiveScope = "https://cognitiveservices.azure.com/.default"

	// tokenExpiryMargin is subtracted from the token lifetime so a header
	// handed out now is never within five minutes of expiring.
	tokenExpiryMargin = 5 * time.Minute
)

// bearerSource produces a cached pre-formatted "Bearer …" header.
type bearerSource interface {
	BearerHeader(ctx context.Context) (string, error)
}

// azureTokenSource caches one bearer header per adapter. The read path takes
// the read lock only; refreshes double-check under the write lock so N
// concurrent callers on a cold cache trigger a single credential call.
type azureTokenSource struct {
	provider string
	cred     azcore.TokenCredential
	scope    string

	mu        sync.RWMutex
	header    string
	expiresAt time.Time
}

func newAzureTokenSource(provider string, auth config.AzureAuthConfig) (*azureTokenSource, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)
	switch auth.Mode {
	case "azure_ad":
		cred, err = azidentity.NewClientSecretCredential(auth.TenantID, auth.ClientID, auth.ClientSecret, nil)
	case "managed_identity":
		opts := &azidentity.ManagedIdentityCredentialOptions{}
		if auth.ClientID != "" {
			opts.ID = azidentity.ClientID(auth.ClientID)
		}
		cred, err = azidentity.NewManagedIdentityCredential(opts)
	default:
		return nil, NewConfigError(provider, "unsupported azure auth mode "+auth.Mode)
	}
	if err != nil {
		return nil, NewConfigError(provider, "azure credential: "+err.Error())
	}
	return &azureTokenSource{provider: provider, cred: cred, scope: azureCognitiveScope}, nil
}

func (s *azureTokenSource) BearerHeader(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.header != "" && time.Now().Before(s.expiresAt) {
		h := s.header
		s.mu.RUnlock()
		return h, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header != "" && time.Now().Before(s.expiresAt) {
		return s.header, nil
	}

	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{s.scope}})
	if err != nil {
		return "", NewTokenError(s.provider, err)
	}
	s.header = "Bearer " + tok.Token
	s.expiresAt = tok.ExpiresOn.Add(-tokenExpiryMargin)
	return s.header, nil
}
