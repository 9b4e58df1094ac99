// Package oauth implements component C7: the OAuth 2.1 + PKCE state
// machine a client walks through to obtain and refresh an access token for
// a remote MCP server, independent of any particular transport.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/modelcontextprotocol/inspector-sub002/internal/audit"
	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/metrics"
)

// State names a node in the authorization state graph.
type State string

const (
	StateProtectedResourceMetadata   State = "protected_resource_metadata"
	StateAuthorizationServerMetadata State = "authorization_server_metadata"
	StateClientRegistration          State = "client_registration"
	StateAuthorizationRedirect       State = "authorization_redirect"
	StateAwaitingAuthorizationCode   State = "awaiting_authorization_code"
	StateTokenRequest                State = "token_request"
	StateComplete                    State = "complete"
	StateRefresh                     State = "refresh"
	StateFailed                      State = "failed"
)

// ProtectedResourceMetadata is the subset of RFC 9728 metadata this state
// machine needs.
type ProtectedResourceMetadata struct {
	AuthorizationServers []string
	ScopesSupported      []string
}

// AuthorizationServerMetadata is the subset of RFC 8414 metadata needed to
// drive the authorization code flow.
type AuthorizationServerMetadata struct {
	Issuer                        string
	AuthorizationEndpoint         string
	TokenEndpoint                 string
	RegistrationEndpoint          string
	CodeChallengeMethodsSupported []string
	// ScopesSupported is the authorization server's fallback scope list,
	// consulted when the protected resource metadata doesn't advertise one.
	ScopesSupported []string
}

// ClientRegistration is the result of RFC 7591 dynamic client registration.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
}

// Discoverer performs the HTTP lookups the state machine needs; hosts
// supply a real implementation, tests a fake one.
type Discoverer interface {
	FetchProtectedResourceMetadata(ctx context.Context, serverURL string) (*ProtectedResourceMetadata, error)
	FetchAuthorizationServerMetadata(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error)
	RegisterClient(ctx context.Context, meta *AuthorizationServerMetadata, redirectURI string) (*ClientRegistration, error)
	ExchangeCode(ctx context.Context, meta *AuthorizationServerMetadata, reg *ClientRegistration, code, verifier, redirectURI string) (*oauth2.Token, error)
	RefreshToken(ctx context.Context, meta *AuthorizationServerMetadata, reg *ClientRegistration, refreshToken string) (*oauth2.Token, error)
}

// Navigation is how the state machine asks the host to send the user's
// browser to the authorization endpoint.
type Navigation interface {
	NavigateTo(ctx context.Context, url string) error
}

// Storage persists per-server OAuth state across process restarts.
type Storage interface {
	Load(serverURL string) (*Record, error)
	Save(serverURL string, rec *Record) error
	Delete(serverURL string) error
}

// Record is the persisted state for one server URL.
type Record struct {
	ServerURL    string
	ClientID     string
	ClientSecret string
	Issuer       string
	Token        *oauth2.Token
}

// pkce holds one authorization attempt's verifier/challenge pair.
type pkce struct {
	verifier  string
	challenge string
}

func newPKCE() (*pkce, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return &pkce{verifier: verifier, challenge: challenge}, nil
}

// newCSRFState generates the state parameter sent with the authorization
// redirect and expected back unchanged on the callback.
func newCSRFState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Flow drives one server's authorization attempt from start to a stored
// token, and its subsequent refreshes.
type Flow struct {
	serverURL   string
	redirectURI string
	discoverer  Discoverer
	nav         Navigation
	storage     Storage

	mu        sync.Mutex
	state     State
	prm       *ProtectedResourceMetadata
	asm       *AuthorizationServerMetadata
	reg       *ClientRegistration
	pk        *pkce
	csrfState string
	token     *oauth2.Token
}

// NewFlow constructs a Flow for one server URL.
func NewFlow(serverURL, redirectURI string, d Discoverer, nav Navigation, storage Storage) *Flow {
	return &Flow{
		serverURL:   serverURL,
		redirectURI: redirectURI,
		discoverer:  d,
		nav:         nav,
		storage:     storage,
		state:       StateProtectedResourceMetadata,
	}
}

// State returns the flow's current node.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Token returns the current access token, satisfying transport.TokenSource.
func (f *Flow) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == nil {
		return ""
	}
	return f.token.AccessToken
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Flow) recordStep(outcome string) {
	state := f.State()
	metrics.OAuthSteps.WithLabelValues(string(state), outcome).Inc()
	audit.Log(&audit.Event{
		Operation: audit.OpOAuthStep,
		ServerURL: f.serverURL,
		Success:   outcome == "ok",
		Details:   map[string]any{"state": string(state)},
	})
}

// Start runs the flow up to the point where user interaction is required:
// protected resource metadata, authorization server metadata, dynamic
// client registration, and finally a redirect to the authorization
// endpoint.
func (f *Flow) Start(ctx context.Context) error {
	if rec, err := f.storage.Load(f.serverURL); err == nil && rec != nil && rec.Token != nil {
		f.mu.Lock()
		f.token = rec.Token
		f.reg = &ClientRegistration{ClientID: rec.ClientID, ClientSecret: rec.ClientSecret}
		f.mu.Unlock()
		f.setState(StateComplete)
		return nil
	}

	prm, err := f.discoverer.FetchProtectedResourceMetadata(ctx, f.serverURL)
	if err != nil {
		f.recordStep("error")
		return ierrors.Auth("oauth.protected_resource_metadata", err)
	}
	f.mu.Lock()
	f.prm = prm
	f.mu.Unlock()
	f.setState(StateAuthorizationServerMetadata)
	f.recordStep("ok")

	issuer := f.serverURL
	if len(prm.AuthorizationServers) > 0 {
		issuer = prm.AuthorizationServers[0]
	}
	asm, err := f.discoverer.FetchAuthorizationServerMetadata(ctx, issuer)
	if err != nil {
		f.recordStep("error")
		return ierrors.Auth("oauth.authorization_server_metadata", err)
	}
	f.mu.Lock()
	f.asm = asm
	f.mu.Unlock()
	f.setState(StateClientRegistration)
	f.recordStep("ok")

	reg, err := f.discoverer.RegisterClient(ctx, asm, f.redirectURI)
	if err != nil {
		f.recordStep("error")
		return ierrors.Auth("oauth.client_registration", err)
	}
	f.mu.Lock()
	f.reg = reg
	f.mu.Unlock()
	f.setState(StateAuthorizationRedirect)
	f.recordStep("ok")

	pk, err := newPKCE()
	if err != nil {
		f.recordStep("error")
		return ierrors.Auth("oauth.pkce", err)
	}
	csrf, err := newCSRFState()
	if err != nil {
		f.recordStep("error")
		return ierrors.Auth("oauth.state", err)
	}
	f.mu.Lock()
	f.pk = pk
	f.csrfState = csrf
	f.mu.Unlock()

	authURL := f.buildAuthorizationURL(asm, reg, pk, csrf)
	if err := f.nav.NavigateTo(ctx, authURL); err != nil {
		f.recordStep("error")
		return ierrors.Auth("oauth.navigate", err)
	}
	f.setState(StateAwaitingAuthorizationCode)
	f.recordStep("ok")
	return nil
}

// selectScope picks the scope string to request: the protected resource
// metadata's scopes_supported if present, otherwise the authorization
// server's, otherwise none.
func (f *Flow) selectScope(asm *AuthorizationServerMetadata) string {
	f.mu.Lock()
	prm := f.prm
	f.mu.Unlock()
	if prm != nil && len(prm.ScopesSupported) > 0 {
		return strings.Join(prm.ScopesSupported, " ")
	}
	if asm != nil && len(asm.ScopesSupported) > 0 {
		return strings.Join(asm.ScopesSupported, " ")
	}
	return ""
}

func (f *Flow) buildAuthorizationURL(asm *AuthorizationServerMetadata, reg *ClientRegistration, pk *pkce, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", reg.ClientID)
	q.Set("redirect_uri", f.redirectURI)
	q.Set("code_challenge", pk.challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	if scope := f.selectScope(asm); scope != "" {
		q.Set("scope", scope)
	}
	return asm.AuthorizationEndpoint + "?" + q.Encode()
}

// Complete finishes the flow once the host has captured the authorization
// code and state from the redirect. state must match the value generated
// for this attempt in Start.
func (f *Flow) Complete(ctx context.Context, code, state string) error {
	f.mu.Lock()
	asm, reg, pk, expected := f.asm, f.reg, f.pk, f.csrfState
	f.mu.Unlock()
	if asm == nil || reg == nil || pk == nil {
		return ierrors.Auth("oauth.complete", fmt.Errorf("flow not ready for completion, state=%s", f.State()))
	}
	if expected == "" || state != expected {
		f.recordStep("error")
		f.setState(StateFailed)
		return ierrors.Auth("oauth.complete", fmt.Errorf("state parameter mismatch"))
	}

	f.setState(StateTokenRequest)
	tok, err := f.discoverer.ExchangeCode(ctx, asm, reg, code, pk.verifier, f.redirectURI)
	if err != nil {
		f.recordStep("error")
		f.setState(StateFailed)
		return ierrors.Auth("oauth.token_request", err)
	}

	f.mu.Lock()
	f.token = tok
	f.mu.Unlock()
	f.setState(StateComplete)
	f.recordStep("ok")

	return f.storage.Save(f.serverURL, &Record{
		ServerURL:    f.serverURL,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Issuer:       asm.Issuer,
		Token:        tok,
	})
}

// Refresh exchanges the current refresh token for a new access token,
// called when a protected request returns 401 or the token's expiry has
// passed.
func (f *Flow) Refresh(ctx context.Context) error {
	f.mu.Lock()
	asm, reg, tok := f.asm, f.reg, f.token
	f.mu.Unlock()
	if tok == nil || tok.RefreshToken == "" {
		return ierrors.Auth("oauth.refresh", fmt.Errorf("no refresh token available"))
	}

	prevState := f.State()
	f.setState(StateRefresh)
	newTok, err := f.discoverer.RefreshToken(ctx, asm, reg, tok.RefreshToken)
	if err != nil {
		f.recordStep("error")
		if isInvalidGrant(err) {
			f.mu.Lock()
			f.token = nil
			f.asm = nil
			f.reg = nil
			f.prm = nil
			f.pk = nil
			f.csrfState = ""
			f.mu.Unlock()
			f.setState(StateProtectedResourceMetadata)
			_ = f.storage.Delete(f.serverURL)
			return ierrors.Auth("oauth.refresh", fmt.Errorf("refresh token rejected (invalid_grant): %w", err))
		}
		f.setState(prevState)
		return ierrors.Auth("oauth.refresh", err)
	}

	f.mu.Lock()
	f.token = newTok
	f.mu.Unlock()
	f.setState(StateComplete)
	f.recordStep("ok")

	return f.storage.Save(f.serverURL, &Record{
		ServerURL:    f.serverURL,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Token:        newTok,
	})
}

// isInvalidGrant reports whether err is a token endpoint rejection with
// error code invalid_grant, the signal that the refresh token itself is no
// longer valid and the flow must restart from scratch rather than retry.
func isInvalidGrant(err error) bool {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return rerr.ErrorCode == "invalid_grant"
	}
	return false
}

// NeedsRefresh reports whether the current token is missing or expired.
func (f *Flow) NeedsRefresh() bool {
	f.mu.Lock()
	tok := f.token
	f.mu.Unlock()
	if tok == nil {
		return true
	}
	return !tok.Valid() || (tok.Expiry != (time.Time{}) && time.Now().After(tok.Expiry))
}
