package providers

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hadrianai/hadrian/internal/config"
)

const (
	gcpCloudScope = "https://www.googleapis.com/auth/cloud-platform"

	// gcpTokenLifetime bounds cache residency when the token source does not
	// report an expiry.
	gcpTokenLifetime = time.Hour
)

// gcpTokenSource caches a pre-formatted bearer header over an oauth2 token
// source, with the same double-checked refresh discipline as the Azure
// source.
type gcpTokenSource struct {
	provider string
	source   oauth2.TokenSource

	mu        sync.RWMutex
	header    string
	expiresAt time.Time
}

func newGCPTokenSource(provider string, auth config.GCPAuthConfig) (*gcpTokenSource, error) {
	ctx := context.Background()
	var (
		source oauth2.TokenSource
		err    error
	)
	mode := auth.Mode
	if mode == "" {
		mode = "adc"
	}
	switch mode {
	case "adc":
		source, err = google.DefaultTokenSource(ctx, gcpCloudScope)
	case "service_account_path":
		var blob []byte
		blob, err = os.ReadFile(auth.ServiceAccountPath)
		if err == nil {
			source, err = tokenSourceFromJSON(ctx, blob)
		}
	case "service_account_json":
		source, err = tokenSourceFromJSON(ctx, []byte(auth.ServiceAccountJSON))
	default:
		return nil, NewConfigError(provider, "unsupported gcp auth mode "+mode)
	}
	if err != nil {
		return nil, NewConfigError(provider, "gcp credentials: "+err.Error())
	}
	return &gcpTokenSource{provider: provider, source: source}, nil
}

func tokenSourceFromJSON(ctx context.Context, blob []byte) (oauth2.TokenSource, error) {
	creds, err := google.CredentialsFromJSON(ctx, blob, gcpCloudScope)
	if err != nil {
		return nil, err
	}
	return creds.TokenSource, nil
}

func (s *gcpTokenSource) BearerHeader(ctx context.Context) (string, error) {
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

	tok, err := s.source.Token()
	if err != nil {
		return "", NewTokenError(s.provider, err)
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(gcpTokenLifetime)
	}
	s.header = "Bearer " + tok.AccessToken
	s.expiresAt = expiry.Add(-tokenExpiryMargin)
	return s.header, nil
}
