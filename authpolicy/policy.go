// Package authpolicy implements the hosted-auth policy checks from
// spec.md §4.8: rejecting agent-environment secrets unless explicitly
// authorised, blocking interactive-login backends in hosted mode, and
// resolving which credential source a creation request should use.
// Grounded on the teacher's auth/oauth.go AuthMode switch and config's
// hosted/auth-mode fields, generalized from a single-tenant OAuth gate to
// a per-request policy check.
package authpolicy

import (
	"fmt"
	"strings"

	gwsession "github.com/fernlab-dev/agentgateway/session"
)

// ErrSecretEnvNotAuthorised is returned when a creation request's env map
// carries a provider secret variable the auth mode doesn't permit.
type ErrSecretEnvNotAuthorised struct{ Var string }

func (e *ErrSecretEnvNotAuthorised) Error() string {
	return fmt.Sprintf("authpolicy: environment variable %q requires explicit auth.mode authorisation", e.Var)
}

// ErrInteractiveLoginBlocked is returned when a hosted deployment refuses
// a backend requiring interactive ChatGPT-style login.
var ErrInteractiveLoginBlocked = fmt.Errorf("authpolicy: interactive login is disabled in hosted mode")

// Policy evaluates creation requests against the deployment's hosted-mode
// configuration.
type Policy struct {
	HostedMode bool
}

func New(hostedMode bool) *Policy {
	return &Policy{HostedMode: hostedMode}
}

// CheckEnv rejects *_API_KEY / Google-Cloud variables in env unless
// auth.mode explicitly authorises them (mode != AuthNone), spec.md §4.8
// point 1.
func (p *Policy) CheckEnv(auth gwsession.AuthSpec, env map[string]string) error {
	authorised := auth.Mode != "" && auth.Mode != gwsession.AuthNone
	if authorised {
		return nil
	}
	for name := range env {
		if isProviderSecretVar(name) {
			return &ErrSecretEnvNotAuthorised{Var: name}
		}
	}
	return nil
}

// CheckInteractiveLogin blocks the SDK backend's interactive-login flow
// when running hosted, spec.md §4.8 point 2.
func (p *Policy) CheckInteractiveLogin(auth gwsession.AuthSpec) error {
	if p.HostedMode && auth.Mode == gwsession.AuthInteractive {
		return ErrInteractiveLoginBlocked
	}
	return nil
}

// ResolveAPIKeyRef classifies how a creation request's credential should
// be sourced, spec.md §4.8 points 3-5. The caller (api.CreateSession) uses
// this to decide whether to consult the credentials store.
type CredentialSource string

const (
	CredentialStored CredentialSource = "stored"
	CredentialInline CredentialSource = "inline"
	CredentialNone   CredentialSource = "none"
)

func (p *Policy) ResolveAPIKeyRef(auth gwsession.AuthSpec) (CredentialSource, error) {
	switch auth.APIKeyRef {
	case "stored":
		if auth.StoredCredentialID == "" {
			return "", fmt.Errorf("authpolicy: apiKeyRef=stored requires storedCredentialId")
		}
		return CredentialStored, nil
	case "inline":
		if auth.APIKey == "" {
			return "", fmt.Errorf("authpolicy: apiKeyRef=inline requires apiKey")
		}
		return CredentialInline, nil
	case "", "none":
		return CredentialNone, nil
	default:
		return "", fmt.Errorf("authpolicy: unknown apiKeyRef %q", auth.APIKeyRef)
	}
}

// isProviderSecretVar mirrors subprocess.isProviderSecretVar's
// classification (any *_API_KEY suffix or GOOGLE_CLOUD_* prefix) for the
// distinct concern of validating a creation request's env map rather than
// filtering the gateway's own process environment before a child spawn.
func isProviderSecretVar(name string) bool {
	upper := strings.ToUpper(name)
	if strings.HasSuffix(upper, "_API_KEY") {
		return true
	}
	if strings.HasPrefix(upper, "GOOGLE_CLOUD_") {
		return true
	}
	return false
}
