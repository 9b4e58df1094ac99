package oauth

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// stateFromRedirect extracts the state query parameter the flow embedded in
// the authorization URL it handed to Navigation.
func stateFromRedirect(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parsing redirect URL: %v", err)
	}
	return u.Query().Get("state")
}

type fakeDiscoverer struct{}

func (fakeDiscoverer) FetchProtectedResourceMetadata(ctx context.Context, serverURL string) (*ProtectedResourceMetadata, error) {
	return &ProtectedResourceMetadata{AuthorizationServers: []string{serverURL}}, nil
}

func (fakeDiscoverer) FetchAuthorizationServerMetadata(ctx context.Context, issuer string) (*AuthorizationServerMetadata, error) {
	return &AuthorizationServerMetadata{
		Issuer:                issuer,
		AuthorizationEndpoint: issuer + "/authorize",
		TokenEndpoint:         issuer + "/token",
	}, nil
}

func (fakeDiscoverer) RegisterClient(ctx context.Context, meta *AuthorizationServerMetadata, redirectURI string) (*ClientRegistration, error) {
	return &ClientRegistration{ClientID: "client-123", ClientSecret: "secret"}, nil
}

func (fakeDiscoverer) ExchangeCode(ctx context.Context, meta *AuthorizationServerMetadata, reg *ClientRegistration, code, verifier, redirectURI string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "access-" + code, RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)}, nil
}

func (fakeDiscoverer) RefreshToken(ctx context.Context, meta *AuthorizationServerMetadata, reg *ClientRegistration, refreshToken string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "refreshed-access", RefreshToken: refreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

type fakeNav struct {
	lastURL string
}

func (n *fakeNav) NavigateTo(ctx context.Context, url string) error {
	n.lastURL = url
	return nil
}

type memStorage struct {
	records map[string]*Record
}

func newMemStorage() *memStorage { return &memStorage{records: make(map[string]*Record)} }

func (m *memStorage) Load(serverURL string) (*Record, error) { return m.records[serverURL], nil }
func (m *memStorage) Save(serverURL string, rec *Record) error {
	m.records[serverURL] = rec
	return nil
}
func (m *memStorage) Delete(serverURL string) error {
	delete(m.records, serverURL)
	return nil
}

func TestFlowStartThenComplete(t *testing.T) {
	nav := &fakeNav{}
	storage := newMemStorage()
	f := NewFlow("https://example.test/mcp", "http://localhost:8765/callback", fakeDiscoverer{}, nav, storage)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.State() != StateAwaitingAuthorizationCode {
		t.Fatalf("State() = %v, want awaiting_authorization_code", f.State())
	}
	if nav.lastURL == "" {
		t.Fatal("expected NavigateTo to be called")
	}

	state := stateFromRedirect(t, nav.lastURL)
	if state == "" {
		t.Fatal("expected a state parameter in the authorization URL")
	}
	if err := f.Complete(context.Background(), "auth-code-xyz", state); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if f.State() != StateComplete {
		t.Fatalf("State() = %v, want complete", f.State())
	}
	if f.Token() != "access-auth-code-xyz" {
		t.Errorf("Token() = %q", f.Token())
	}

	rec, err := storage.Load("https://example.test/mcp")
	if err != nil || rec == nil {
		t.Fatalf("expected persisted record, err=%v", err)
	}
}

func TestFlowResumesFromStoredToken(t *testing.T) {
	storage := newMemStorage()
	storage.records["https://example.test/mcp"] = &Record{
		ServerURL: "https://example.test/mcp",
		ClientID:  "existing-client",
		Token:     &oauth2.Token{AccessToken: "cached-token", Expiry: time.Now().Add(time.Hour)},
	}
	f := NewFlow("https://example.test/mcp", "http://localhost:8765/callback", fakeDiscoverer{}, &fakeNav{}, storage)

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.State() != StateComplete {
		t.Fatalf("State() = %v, want complete (resumed from storage)", f.State())
	}
	if f.Token() != "cached-token" {
		t.Errorf("Token() = %q, want cached-token", f.Token())
	}
}

func TestFlowRefresh(t *testing.T) {
	storage := newMemStorage()
	nav := &fakeNav{}
	f := NewFlow("https://example.test/mcp", "http://localhost:8765/callback", fakeDiscoverer{}, nav, storage)
	_ = f.Start(context.Background())
	_ = f.Complete(context.Background(), "code1", stateFromRedirect(t, nav.lastURL))

	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if f.Token() != "refreshed-access" {
		t.Errorf("Token() after refresh = %q", f.Token())
	}
}

func TestFlowCompleteRejectsStateMismatch(t *testing.T) {
	nav := &fakeNav{}
	f := NewFlow("https://example.test/mcp", "http://localhost:8765/callback", fakeDiscoverer{}, nav, newMemStorage())
	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := f.Complete(context.Background(), "auth-code-xyz", "wrong-state"); err == nil {
		t.Fatal("expected an error for a mismatched state parameter")
	}
	if f.State() != StateFailed {
		t.Errorf("State() = %v, want failed", f.State())
	}
}

type invalidGrantDiscoverer struct {
	fakeDiscoverer
}

func (invalidGrantDiscoverer) RefreshToken(ctx context.Context, meta *AuthorizationServerMetadata, reg *ClientRegistration, refreshToken string) (*oauth2.Token, error) {
	return nil, &oauth2.RetrieveError{
		Response:  &http.Response{StatusCode: http.StatusBadRequest},
		ErrorCode: "invalid_grant",
	}
}

func TestFlowRefreshInvalidGrantRestartsFromProtectedResourceMetadata(t *testing.T) {
	storage := newMemStorage()
	nav := &fakeNav{}
	f := NewFlow("https://example.test/mcp", "http://localhost:8765/callback", invalidGrantDiscoverer{}, nav, storage)
	_ = f.Start(context.Background())
	if err := f.Complete(context.Background(), "code1", stateFromRedirect(t, nav.lastURL)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := f.Refresh(context.Background()); err == nil {
		t.Fatal("expected an error for invalid_grant")
	}
	if f.State() != StateProtectedResourceMetadata {
		t.Errorf("State() = %v, want protected_resource_metadata", f.State())
	}
	if f.Token() != "" {
		t.Errorf("Token() = %q, want cleared after invalid_grant", f.Token())
	}
	if rec, err := storage.Load("https://example.test/mcp"); err != nil || rec != nil {
		t.Errorf("expected stored record to be deleted, got rec=%v err=%v", rec, err)
	}
}

func TestNeedsRefreshWithNoToken(t *testing.T) {
	f := NewFlow("https://example.test/mcp", "http://localhost/cb", fakeDiscoverer{}, &fakeNav{}, newMemStorage())
	if !f.NeedsRefresh() {
		t.Error("expected NeedsRefresh to be true with no token yet")
	}
}
