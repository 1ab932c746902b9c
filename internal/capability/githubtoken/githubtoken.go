// Package githubtoken implements capability.TokenProvider for GitHub App
// installation credentials, and a static-PAT fallback for projects not
// onboarded onto the app. Grounded on the GitHub App client-construction
// pattern in other_examples' autoralph client (ghclient.WithAppAuth /
// AppCredentials), adapted here onto bradleyfalzon/ghinstallation's
// transport directly rather than autoralph's own wrapper type.
package githubtoken

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v4"

	"github.com/kestrelflow/forge/internal/capability"
)

// AppProvider exchanges a GitHub App's private key for short-lived
// installation tokens, one ghinstallation.Transport per installation ID
// (each transport caches and auto-refreshes its own token internally).
type AppProvider struct {
	appID      int64
	privateKey *rsa.PrivateKey
	base       http.RoundTripper

	mu         sync.Mutex
	transports map[string]*ghinstallation.Transport
}

// NewAppProvider parses a PEM-encoded app private key. base is the
// transport installation tokens are fetched over; pass nil for
// http.DefaultTransport.
func NewAppProvider(appID int64, pemKey []byte, base http.RoundTripper) (*AppProvider, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemKey)
	if err != nil {
		return nil, fmt.Errorf("githubtoken: parse app private key: %w", err)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &AppProvider{
		appID:      appID,
		privateKey: key,
		base:       base,
		transports: make(map[string]*ghinstallation.Transport),
	}, nil
}

// Token returns a fresh installation token, minting a new ghinstallation
// transport the first time a given installation ID is seen and reusing it
// afterward so ghinstallation's own token cache takes effect.
func (p *AppProvider) Token(ctx context.Context, installationID string) (string, error) {
	instID, err := strconv.ParseInt(installationID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("githubtoken: installation id %q is not numeric: %w", installationID, err)
	}

	p.mu.Lock()
	tr, ok := p.transports[installationID]
	if !ok {
		appsTransport, aErr := ghinstallation.NewAppsTransportFromPrivateKey(p.base, p.appID, p.privateKey)
		if aErr != nil {
			p.mu.Unlock()
			return "", fmt.Errorf("githubtoken: build app transport: %w", aErr)
		}
		tr = ghinstallation.NewFromAppsTransport(appsTransport, instID)
		p.transports[installationID] = tr
	}
	p.mu.Unlock()

	token, err := tr.Token(ctx)
	if err != nil {
		if isAuthFailure(err) {
			return "", fmt.Errorf("%w: %v", capability.ErrAuth, err)
		}
		// A network blip or GitHub outage while minting the installation
		// token is not a credential problem — it should be retried like
		// any other transient failure (§7: "missing token that can be
		// re-fetched" is TransientIO, not OAuth/Auth).
		return "", fmt.Errorf("%w: %v", capability.ErrTransientIO, err)
	}
	return token, nil
}

// isAuthFailure reports whether err is a genuine GitHub authentication
// failure (401/403) while minting an installation token, as opposed to a
// transient transport error.
func isAuthFailure(err error) bool {
	var httpErr *ghinstallation.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return httpErr.Response.StatusCode == http.StatusUnauthorized || httpErr.Response.StatusCode == http.StatusForbidden
	}
	return false
}

// StaticProvider always returns the same personal-access token, for
// projects configured without a GitHub App installation.
type StaticProvider struct {
	Token_ string
}

func (p *StaticProvider) Token(_ context.Context, _ string) (string, error) {
	if p.Token_ == "" {
		return "", fmt.Errorf("%w: no static token configured", capability.ErrAuth)
	}
	return p.Token_, nil
}
