// Package auth implements the interactive-login credential flow spec.md
// §9 leaves open ("ambiguous... the spec forbids it [for SdkSessions'
// raw-RPC surface]" is about a different ambiguity; this package backs
// authpolicy.CheckInteractiveLogin's allowed path: a non-hosted deployment
// resolving auth.mode=interactive into short-lived backend credentials).
// Grounded on the teacher's auth/oidc_provider.go OIDC-discovery-and-
// verify shape, generalized from a single fixed issuer serving the
// gateway's own login to an issuer named per creation request.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fernlab-dev/agentgateway/config"
	"github.com/fernlab-dev/agentgateway/log"
)

// InteractiveProvider wraps OIDC discovery and token exchange for the
// "interactive" auth mode: the gateway opens a login URL, the user
// authenticates with the model provider's identity system, and the
// resulting token becomes the backend session's credential.
type InteractiveProvider struct {
	mu           sync.RWMutex
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

var (
	shared     *InteractiveProvider
	sharedOnce sync.Once
	sharedErr  error
)

// Get returns the process-wide provider, discovering the issuer on first
// use. Returns an error if GATEWAY_OAUTH_ISSUER_URL is unset, the expected
// state for deployments that never offer interactive login.
func Get() (*InteractiveProvider, error) {
	sharedOnce.Do(func() {
		cfg := config.Get()
		if cfg.OAuthIssuerURL == "" {
			sharedErr = fmt.Errorf("auth: GATEWAY_OAUTH_ISSUER_URL not configured")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		provider, err := oidc.NewProvider(ctx, cfg.OAuthIssuerURL)
		if err != nil {
			sharedErr = fmt.Errorf("auth: discover OIDC provider: %w", err)
			log.Error().Err(err).Str("issuer", cfg.OAuthIssuerURL).Msg("auth: OIDC discovery failed")
			return
		}

		oauth2Config := &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURI,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", "offline_access"},
		}

		shared = &InteractiveProvider{
			provider:     provider,
			oauth2Config: oauth2Config,
			verifier:     provider.Verifier(&oidc.Config{ClientID: cfg.OAuthClientID}),
		}
		log.Info().Str("issuer", cfg.OAuthIssuerURL).Msg("auth: OIDC provider discovered")
	})
	return shared, sharedErr
}

// LoginURL returns the authorization URL a client should redirect a user
// to in order to begin interactive login, keyed by an opaque state value
// the caller correlates back to the pending session-creation request.
func (p *InteractiveProvider) LoginURL(state string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.oauth2Config.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens once the user completes
// the provider's login flow.
func (p *InteractiveProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.oauth2Config.Exchange(ctx, code)
}

// VerifyIDToken checks signature, issuer, audience and expiry of a raw ID
// token returned alongside an access token.
func (p *InteractiveProvider) VerifyIDToken(ctx context.Context, raw string) (*oidc.IDToken, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.verifier.Verify(ctx, raw)
}
