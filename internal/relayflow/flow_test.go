package relayflow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/wrale/oauth2-token-relay/internal/oauthclient"
	"github.com/wrale/oauth2-token-relay/internal/provider"
	"github.com/wrale/oauth2-token-relay/internal/state"
	"github.com/wrale/oauth2-token-relay/internal/tokenstore"
)

// mockOAuth implements OAuthClient for testing, counting calls so tests can
// assert which exchanges ran
type mockOAuth struct {
	exchangeCalls int
	refreshCalls  int
	revokeCalls   int
	token         *oauthclient.Token
	err           error
	revokeErr     error
}

func (m *mockOAuth) ExchangeCode(ctx context.Context, p *provider.Config, code, redirectURI string) (*oauthclient.Token, error) {
	m.exchangeCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.token, nil
}

func (m *mockOAuth) Refresh(ctx context.Context, p *provider.Config, refreshToken string) (*oauthclient.Token, error) {
	m.refreshCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.token, nil
}

func (m *mockOAuth) Revoke(ctx context.Context, p *provider.Config, token string) error {
	m.revokeCalls++
	return m.revokeErr
}

// failingStore wraps a Store and fails selected operations
type failingStore struct {
	tokenstore.Store
	saveErr error
}

func (s *failingStore) Save(ctx context.Context, deviceID, providerName string, record *tokenstore.Record) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, deviceID, providerName, record)
}

func newTestFlow(t *testing.T, store tokenstore.Store, oauth OAuthClient, opts ...Option) (*Flow, *state.Signer) {
	t.Helper()

	registry, err := provider.NewRegistry([]provider.Config{{
		Name:             "acme",
		AuthorizationURI: "https://acme.example/auth",
		TokenURI:         "https://acme.example/token",
		ClientID:         "cid",
		ClientSecret:     "sec",
		Scope:            "read",
	}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	signer, err := state.NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	return New(registry, store, oauth, signer, "https://relay.example", "https://app.example/return", opts...), signer
}

// fragment parses the URL fragment of a redirect target
func fragment(t *testing.T, redirect string) url.Values {
	t.Helper()
	_, frag, ok := strings.Cut(redirect, "#")
	if !ok {
		t.Fatalf("redirect %q carries no fragment", redirect)
	}
	values, err := url.ParseQuery(frag)
	if err != nil {
		t.Fatalf("parsing fragment: %v", err)
	}
	return values
}

func timePtr(tm time.Time) *time.Time { return &tm }

func TestBeginAuth(t *testing.T) {
	flow, signer := newTestFlow(t, tokenstore.NewMemoryStore(), &mockOAuth{})
	ctx := context.Background()

	t.Run("unknown_provider", func(t *testing.T) {
		if _, err := flow.BeginAuth(ctx, "dev-1", "nope"); !errors.Is(err, provider.ErrUnknownProvider) {
			t.Errorf("BeginAuth() error = %v, want %v", err, provider.ErrUnknownProvider)
		}
	})

	t.Run("redirect_url", func(t *testing.T) {
		raw, err := flow.BeginAuth(ctx, "dev-1", "acme")
		if err != nil {
			t.Fatalf("BeginAuth() error = %v", err)
		}

		parsed, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("BeginAuth() produced unparseable URL: %v", err)
		}
		if got := parsed.Scheme + "://" + parsed.Host + parsed.Path; got != "https://acme.example/auth" {
			t.Errorf("BeginAuth() endpoint = %q, want acme authorization URI", got)
		}

		query := parsed.Query()
		if query.Get("client_id") != "cid" {
			t.Errorf("client_id = %q, want %q", query.Get("client_id"), "cid")
		}
		if query.Get("response_type") != "code" {
			t.Errorf("response_type = %q, want %q", query.Get("response_type"), "code")
		}
		if query.Get("scope") != "read" {
			t.Errorf("scope = %q, want %q", query.Get("scope"), "read")
		}
		if query.Get("redirect_uri") != "https://relay.example/acme/callback" {
			t.Errorf("redirect_uri = %q", query.Get("redirect_uri"))
		}
		if query.Get("state") != signer.Token("dev-1") {
			t.Errorf("state = %q, want the device-bound token", query.Get("state"))
		}

		if strings.Contains(raw, "sec") {
			t.Errorf("BeginAuth() leaked client secret: %s", raw)
		}
	})
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	okToken := &oauthclient.Token{
		AccessToken:  "tok1",
		TokenType:    "Bearer",
		RefreshToken: "rt1",
		ExpiresAt:    timePtr(time.Now().Add(3595 * time.Second)),
	}

	t.Run("state_mismatch_aborts_before_exchange", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{token: okToken}
		flow, _ := newTestFlow(t, store, oauth)

		redirect, err := flow.HandleCallback(ctx, "dev-1", "acme", Callback{State: "forged", Code: "abc123"})
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}

		if got := fragment(t, redirect).Get("error"); got != "invalid_request" {
			t.Errorf("error = %q, want invalid_request", got)
		}
		if oauth.exchangeCalls != 0 {
			t.Errorf("exchange calls = %d, want 0 on state mismatch", oauth.exchangeCalls)
		}
		if rec, _ := store.Load(ctx, "dev-1", "acme"); rec != nil {
			t.Error("no record should be persisted on state mismatch")
		}
	})

	t.Run("provider_declined", func(t *testing.T) {
		oauth := &mockOAuth{token: okToken}
		flow, signer := newTestFlow(t, tokenstore.NewMemoryStore(), oauth)

		redirect, err := flow.HandleCallback(ctx, "dev-1", "acme", Callback{
			State: signer.Token("dev-1"),
			Error: "access_denied",
		})
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}

		if got := fragment(t, redirect).Get("error"); got != "access_denied" {
			t.Errorf("error = %q, want the provider's code echoed", got)
		}
		if oauth.exchangeCalls != 0 {
			t.Errorf("exchange calls = %d, want 0 when the provider declined", oauth.exchangeCalls)
		}
	})

	t.Run("missing_code", func(t *testing.T) {
		flow, signer := newTestFlow(t, tokenstore.NewMemoryStore(), &mockOAuth{token: okToken})

		redirect, err := flow.HandleCallback(ctx, "dev-1", "acme", Callback{State: signer.Token("dev-1")})
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}
		if got := fragment(t, redirect).Get("error"); got != "invalid_request" {
			t.Errorf("error = %q, want invalid_request", got)
		}
	})

	t.Run("exchange_rejected", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{err: &oauthclient.ProviderError{Code: "invalid_grant"}}
		flow, signer := newTestFlow(t, store, oauth)

		redirect, err := flow.HandleCallback(ctx, "dev-1", "acme", Callback{
			State: signer.Token("dev-1"),
			Code:  "abc123",
		})
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}

		if got := fragment(t, redirect).Get("error"); got != "invalid_grant" {
			t.Errorf("error = %q, want invalid_grant", got)
		}
		if rec, _ := store.Load(ctx, "dev-1", "acme"); rec != nil {
			t.Error("no record should be persisted on a rejected exchange")
		}
	})

	t.Run("exchange_transport_failure", func(t *testing.T) {
		oauth := &mockOAuth{err: errors.New("connection refused")}
		flow, signer := newTestFlow(t, tokenstore.NewMemoryStore(), oauth)

		redirect, err := flow.HandleCallback(ctx, "dev-1", "acme", Callback{
			State: signer.Token("dev-1"),
			Code:  "abc123",
		})
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}
		if got := fragment(t, redirect).Get("error"); got != "server_error" {
			t.Errorf("error = %q, want server_error", got)
		}
	})

	t.Run("success_persists_and_redirects", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{token: okToken}
		flow, signer := newTestFlow(t, store, oauth)

		redirect, err := flow.HandleCallback(ctx, "dev-1", "acme", Callback{
			State: signer.Token("dev-1"),
			Code:  "abc123",
		})
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}

		record, err := store.Load(ctx, "dev-1", "acme")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if record == nil {
			t.Fatal("expected a persisted record")
		}
		if record.AccessToken != "tok1" || record.RefreshToken != "rt1" {
			t.Errorf("record = %+v, want tok1/rt1", record)
		}
		if record.ExpiresAt == nil {
			t.Fatal("record expiry should be set")
		}
		remaining := time.Until(*record.ExpiresAt)
		if remaining < 3590*time.Second || remaining > 3600*time.Second {
			t.Errorf("record expires in %v, want about an hour", remaining)
		}

		frag := fragment(t, redirect)
		if !strings.HasPrefix(redirect, "https://app.example/return#") {
			t.Errorf("redirect = %q, want the app return URI with a fragment", redirect)
		}
		if frag.Get("access_token") != "tok1" {
			t.Errorf("access_token = %q, want tok1", frag.Get("access_token"))
		}
		if frag.Get("provider") != "acme" {
			t.Errorf("provider = %q, want acme", frag.Get("provider"))
		}
		if frag.Get("expires_in") == "" {
			t.Error("expires_in missing from fragment")
		}
	})

	t.Run("persistence_failure", func(t *testing.T) {
		store := &failingStore{Store: tokenstore.NewMemoryStore(), saveErr: errors.New("backend down")}
		flow, signer := newTestFlow(t, store, &mockOAuth{token: okToken})

		redirect, err := flow.HandleCallback(ctx, "dev-1", "acme", Callback{
			State: signer.Token("dev-1"),
			Code:  "abc123",
		})
		if err != nil {
			t.Fatalf("HandleCallback() error = %v", err)
		}

		frag := fragment(t, redirect)
		if frag.Get("error") != "server_error" {
			t.Errorf("error = %q, want server_error", frag.Get("error"))
		}
		if strings.Contains(redirect, "backend down") {
			t.Error("raw storage error must not reach the device")
		}
	})

	t.Run("unknown_provider", func(t *testing.T) {
		flow, _ := newTestFlow(t, tokenstore.NewMemoryStore(), &mockOAuth{})
		if _, err := flow.HandleCallback(ctx, "dev-1", "nope", Callback{}); !errors.Is(err, provider.ErrUnknownProvider) {
			t.Errorf("HandleCallback() error = %v, want %v", err, provider.ErrUnknownProvider)
		}
	})
}

func TestToken(t *testing.T) {
	ctx := context.Background()

	t.Run("absent", func(t *testing.T) {
		flow, _ := newTestFlow(t, tokenstore.NewMemoryStore(), &mockOAuth{})
		if _, err := flow.Token(ctx, "dev-1", "acme"); !errors.Is(err, ErrNoToken) {
			t.Errorf("Token() error = %v, want %v", err, ErrNoToken)
		}
	})

	t.Run("fresh_token_returned_without_refresh", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken:  "tok1",
			ExpiresAt:    timePtr(time.Now().Add(2 * time.Hour)),
			RefreshToken: "rt1",
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		info, err := flow.Token(ctx, "dev-1", "acme")
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if info.AccessToken != "tok1" {
			t.Errorf("access token = %q, want tok1", info.AccessToken)
		}
		if info.ExpiresIn < 7100 || info.ExpiresIn > 7200 {
			t.Errorf("expires_in = %d, want about 7200", info.ExpiresIn)
		}
		if oauth.refreshCalls != 0 {
			t.Errorf("refresh calls = %d, want 0 for a fresh token", oauth.refreshCalls)
		}
	})

	t.Run("non_expiring_token_never_refreshes", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{AccessToken: "tok1"}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		info, err := flow.Token(ctx, "dev-1", "acme")
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if info.ExpiresIn != 0 {
			t.Errorf("expires_in = %d, want 0 for a non-expiring token", info.ExpiresIn)
		}
		if oauth.refreshCalls != 0 {
			t.Errorf("refresh calls = %d, want 0", oauth.refreshCalls)
		}
	})

	t.Run("stale_token_refreshed_once", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{token: &oauthclient.Token{
			AccessToken: "tok2",
			TokenType:   "Bearer",
			ExpiresAt:   timePtr(time.Now().Add(time.Hour)),
		}}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken:  "tok1",
			ExpiresAt:    timePtr(time.Now().Add(10 * time.Second)), // inside the freshness window
			RefreshToken: "rt1",
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		info, err := flow.Token(ctx, "dev-1", "acme")
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if info.AccessToken != "tok2" {
			t.Errorf("access token = %q, want the refreshed tok2", info.AccessToken)
		}
		if oauth.refreshCalls != 1 {
			t.Errorf("refresh calls = %d, want exactly 1", oauth.refreshCalls)
		}

		record, _ := store.Load(ctx, "dev-1", "acme")
		if record == nil {
			t.Fatal("refreshed record should be persisted")
		}
		if record.AccessToken != "tok2" {
			t.Errorf("persisted access token = %q, want tok2", record.AccessToken)
		}
		// Provider did not rotate the refresh token; the old one is kept
		if record.RefreshToken != "rt1" {
			t.Errorf("persisted refresh token = %q, want the retained rt1", record.RefreshToken)
		}
	})

	t.Run("refresh_rotates_refresh_token", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{token: &oauthclient.Token{
			AccessToken:  "tok2",
			RefreshToken: "rt2",
			ExpiresAt:    timePtr(time.Now().Add(time.Hour)),
		}}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken:  "tok1",
			ExpiresAt:    timePtr(time.Now().Add(-time.Second)),
			RefreshToken: "rt1",
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		if _, err := flow.Token(ctx, "dev-1", "acme"); err != nil {
			t.Fatalf("Token() error = %v", err)
		}

		record, _ := store.Load(ctx, "dev-1", "acme")
		if record == nil || record.RefreshToken != "rt2" {
			t.Errorf("persisted record = %+v, want rotated refresh token rt2", record)
		}
	})

	t.Run("refresh_rejected_deletes_record", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{err: &oauthclient.ProviderError{Code: "invalid_grant"}}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken:  "tok1",
			ExpiresAt:    timePtr(time.Now().Add(-time.Hour)),
			RefreshToken: "rt1",
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		_, err := flow.Token(ctx, "dev-1", "acme")
		var perr *oauthclient.ProviderError
		if !errors.As(err, &perr) || perr.Code != "invalid_grant" {
			t.Errorf("Token() error = %v, want the provider's invalid_grant", err)
		}

		if record, _ := store.Load(ctx, "dev-1", "acme"); record != nil {
			t.Error("rejected record should be deleted")
		}
	})

	t.Run("refresh_transport_failure_keeps_record", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{err: errors.New("connection refused")}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken:  "tok1",
			ExpiresAt:    timePtr(time.Now().Add(-time.Hour)),
			RefreshToken: "rt1",
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		if _, err := flow.Token(ctx, "dev-1", "acme"); !errors.Is(err, ErrUpstream) {
			t.Errorf("Token() error = %v, want %v", err, ErrUpstream)
		}

		// The refresh token may still work once the provider is reachable
		if record, _ := store.Load(ctx, "dev-1", "acme"); record == nil {
			t.Error("record should survive a transport failure")
		}
	})

	t.Run("expired_unrefreshable_deletes_record", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken: "tok1",
			ExpiresAt:   timePtr(time.Now().Add(-time.Hour)),
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		if _, err := flow.Token(ctx, "dev-1", "acme"); !errors.Is(err, ErrNoToken) {
			t.Errorf("Token() error = %v, want %v", err, ErrNoToken)
		}
		if oauth.refreshCalls != 0 {
			t.Errorf("refresh calls = %d, want 0 without a refresh token", oauth.refreshCalls)
		}
		if record, _ := store.Load(ctx, "dev-1", "acme"); record != nil {
			t.Error("unrefreshable record should be deleted")
		}
	})

	t.Run("custom_freshness_window", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{token: &oauthclient.Token{AccessToken: "tok2"}}
		flow, _ := newTestFlow(t, store, oauth, WithFreshnessWindow(10*time.Minute))

		// Fresh under the default window, stale under the widened one
		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken:  "tok1",
			ExpiresAt:    timePtr(time.Now().Add(5 * time.Minute)),
			RefreshToken: "rt1",
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		if _, err := flow.Token(ctx, "dev-1", "acme"); err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if oauth.refreshCalls != 1 {
			t.Errorf("refresh calls = %d, want 1 under the widened window", oauth.refreshCalls)
		}
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("absent_record_is_noop", func(t *testing.T) {
		oauth := &mockOAuth{}
		flow, _ := newTestFlow(t, tokenstore.NewMemoryStore(), oauth)

		if err := flow.Revoke(ctx, "dev-1", "acme"); err != nil {
			t.Fatalf("Revoke() error = %v", err)
		}
		if oauth.revokeCalls != 0 {
			t.Errorf("revoke calls = %d, want 0 for an absent record", oauth.revokeCalls)
		}
	})

	t.Run("revokes_and_deletes", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{
			AccessToken:  "tok1",
			RefreshToken: "rt1",
		}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		if err := flow.Revoke(ctx, "dev-1", "acme"); err != nil {
			t.Fatalf("Revoke() error = %v", err)
		}
		if oauth.revokeCalls != 2 {
			t.Errorf("revoke calls = %d, want both tokens revoked", oauth.revokeCalls)
		}
		if record, _ := store.Load(ctx, "dev-1", "acme"); record != nil {
			t.Error("record should be deleted after revocation")
		}
	})

	t.Run("upstream_failure_still_deletes", func(t *testing.T) {
		store := tokenstore.NewMemoryStore()
		oauth := &mockOAuth{revokeErr: errors.New("revocation endpoint down")}
		flow, _ := newTestFlow(t, store, oauth)

		if err := store.Save(ctx, "dev-1", "acme", &tokenstore.Record{AccessToken: "tok1"}); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		if err := flow.Revoke(ctx, "dev-1", "acme"); err != nil {
			t.Fatalf("Revoke() error = %v", err)
		}
		if record, _ := store.Load(ctx, "dev-1", "acme"); record != nil {
			t.Error("record should be deleted even when upstream revocation fails")
		}
	})
}
