// Package relayflow drives the authorization-code relay: it builds the
// provider redirect, validates the callback, exchanges the code for tokens,
// persists them, and serves token reads with transparent refresh.
package relayflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrale/oauth2-token-relay/internal/oauthclient"
	"github.com/wrale/oauth2-token-relay/internal/provider"
	"github.com/wrale/oauth2-token-relay/internal/state"
	"github.com/wrale/oauth2-token-relay/internal/tokenstore"
)

// OAuthClient performs the outbound provider exchanges for the flow.
type OAuthClient interface {
	// ExchangeCode trades an authorization code for tokens
	ExchangeCode(ctx context.Context, p *provider.Config, code, redirectURI string) (*oauthclient.Token, error)

	// Refresh trades a refresh token for a new access token
	Refresh(ctx context.Context, p *provider.Config, refreshToken string) (*oauthclient.Token, error)

	// Revoke invalidates a token at the provider
	Revoke(ctx context.Context, p *provider.Config, token string) error
}

// Callback carries the query parameters the provider sends to the callback
// endpoint.
type Callback struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// TokenInfo is the device-facing view of a stored token. ExpiresIn is zero
// for non-expiring tokens.
type TokenInfo struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// Flow ties the registry, state signer, OAuth client and token store into
// the relay state machine.
type Flow struct {
	registry  *provider.Registry
	store     tokenstore.Store
	oauth     OAuthClient
	signer    *state.Signer
	baseURL   string
	returnURI string
	freshness time.Duration
	logger    zerolog.Logger
}

// New creates a relay flow. baseURL is this service's externally visible
// root, used to build per-provider callback URLs; appReturnURI is where the
// device's browser is sent once the flow completes or fails.
func New(registry *provider.Registry, store tokenstore.Store, oauth OAuthClient, signer *state.Signer, baseURL, appReturnURI string, opts ...Option) *Flow {
	f := &Flow{
		registry:  registry,
		store:     store,
		oauth:     oauth,
		signer:    signer,
		baseURL:   baseURL,
		returnURI: appReturnURI,
		freshness: DefaultFreshnessWindow,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CallbackURL returns the redirect URI registered with the provider for this
// service.
func (f *Flow) CallbackURL(providerName string) string {
	return f.baseURL + "/" + providerName + "/callback"
}

// BeginAuth resolves the provider and builds the authorization redirect URL
// with a state token bound to the device. Nothing is persisted.
func (f *Flow) BeginAuth(ctx context.Context, deviceID, providerName string) (string, error) {
	p, err := f.registry.Lookup(providerName)
	if err != nil {
		return "", err
	}

	stateToken := f.signer.Token(deviceID)
	return p.AuthCodeURL(f.CallbackURL(providerName), stateToken), nil
}

// HandleCallback validates the provider callback, performs the code
// exchange, persists the resulting record and returns the app-return
// redirect URL. Every outcome is a redirect; errors travel in the URL
// fragment so the mid-redirect browser can hand them back to the app. The
// only returned error is an unknown provider name.
func (f *Flow) HandleCallback(ctx context.Context, deviceID, providerName string, cb Callback) (string, error) {
	p, err := f.registry.Lookup(providerName)
	if err != nil {
		return "", err
	}

	// State mismatch aborts before any call to the provider's token
	// endpoint
	if !f.signer.Verify(deviceID, cb.State) {
		f.logger.Warn().
			Str("device_id", deviceID).
			Str("provider", providerName).
			Str("state", cb.State).
			Msg("callback state mismatch, possible CSRF attempt")
		return f.ErrorRedirect(providerName, oauthclient.ErrorCodeInvalidRequest), nil
	}

	if cb.Error != "" {
		f.logger.Warn().
			Str("device_id", deviceID).
			Str("provider", providerName).
			Str("error", cb.Error).
			Str("error_description", cb.ErrorDescription).
			Msg("provider declined authorization")
		return f.ErrorRedirect(providerName, cb.Error), nil
	}

	if cb.Code == "" {
		f.logger.Warn().
			Str("device_id", deviceID).
			Str("provider", providerName).
			Msg("callback carried neither code nor error")
		return f.ErrorRedirect(providerName, oauthclient.ErrorCodeInvalidRequest), nil
	}

	token, err := f.oauth.ExchangeCode(ctx, p, cb.Code, f.CallbackURL(providerName))
	if err != nil {
		var perr *oauthclient.ProviderError
		if errors.As(err, &perr) {
			return f.ErrorRedirect(providerName, perr.Code), nil
		}
		f.logger.Warn().
			Err(err).
			Str("device_id", deviceID).
			Str("provider", providerName).
			Msg("code exchange failed")
		return f.ErrorRedirect(providerName, oauthclient.ErrorCodeServerError), nil
	}

	record := &tokenstore.Record{
		AccessToken:  token.AccessToken,
		ExpiresAt:    token.ExpiresAt,
		RefreshToken: token.RefreshToken,
	}
	if err := f.store.Save(ctx, deviceID, providerName, record); err != nil {
		// Never leak the raw storage error to the device
		f.logger.Error().
			Err(err).
			Str("device_id", deviceID).
			Str("provider", providerName).
			Msg("persisting token record failed")
		return f.ErrorRedirect(providerName, oauthclient.ErrorCodeServerError), nil
	}

	return f.successRedirect(providerName, record), nil
}

// Token loads the stored record for the key, refreshing it transparently
// when it is within the freshness window of expiry. Records that can no
// longer produce a usable token are deleted.
func (f *Flow) Token(ctx context.Context, deviceID, providerName string) (*TokenInfo, error) {
	p, err := f.registry.Lookup(providerName)
	if err != nil {
		return nil, err
	}

	record, err := f.store.Load(ctx, deviceID, providerName)
	if err != nil {
		return nil, fmt.Errorf("loading token record: %w", err)
	}
	if record == nil {
		return nil, ErrNoToken
	}

	if !f.stale(record) {
		return tokenInfo(record), nil
	}

	if record.RefreshToken == "" {
		// Expired and unrefreshable; the device must redo the auth flow
		if err := f.store.Delete(ctx, deviceID, providerName); err != nil {
			return nil, fmt.Errorf("deleting unrefreshable record: %w", err)
		}
		return nil, ErrNoToken
	}

	token, err := f.oauth.Refresh(ctx, p, record.RefreshToken)
	if err != nil {
		var perr *oauthclient.ProviderError
		if !errors.As(err, &perr) {
			return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
		}

		// The provider rejected the refresh token; the record is dead
		f.logger.Warn().
			Str("device_id", deviceID).
			Str("provider", providerName).
			Str("error", perr.Code).
			Msg("provider rejected token refresh, deleting record")
		if err := f.store.Delete(ctx, deviceID, providerName); err != nil {
			f.logger.Error().
				Err(err).
				Str("device_id", deviceID).
				Str("provider", providerName).
				Msg("deleting rejected token record failed")
		}
		return nil, fmt.Errorf("refreshing token: %w", perr)
	}

	refreshed := &tokenstore.Record{
		AccessToken:  token.AccessToken,
		ExpiresAt:    token.ExpiresAt,
		RefreshToken: token.RefreshToken,
	}
	if refreshed.RefreshToken == "" {
		// Providers that do not rotate refresh tokens omit them from the
		// refresh response; keep the one we have
		refreshed.RefreshToken = record.RefreshToken
	}
	if err := f.store.Save(ctx, deviceID, providerName, refreshed); err != nil {
		return nil, fmt.Errorf("persisting refreshed record: %w", err)
	}

	return tokenInfo(refreshed), nil
}

// Revoke invalidates the stored tokens at the provider (best effort) and
// deletes the record. Revoking an absent record is a no-op.
func (f *Flow) Revoke(ctx context.Context, deviceID, providerName string) error {
	p, err := f.registry.Lookup(providerName)
	if err != nil {
		return err
	}

	record, err := f.store.Load(ctx, deviceID, providerName)
	if err != nil {
		return fmt.Errorf("loading token record: %w", err)
	}
	if record == nil {
		return nil
	}

	for _, tok := range []string{record.RefreshToken, record.AccessToken} {
		if tok == "" {
			continue
		}
		if err := f.oauth.Revoke(ctx, p, tok); err != nil && !errors.Is(err, oauthclient.ErrRevocationUnsupported) {
			f.logger.Warn().
				Err(err).
				Str("device_id", deviceID).
				Str("provider", providerName).
				Msg("upstream token revocation failed")
		}
	}

	if err := f.store.Delete(ctx, deviceID, providerName); err != nil {
		return fmt.Errorf("deleting token record: %w", err)
	}
	return nil
}

// CheckHealth verifies the flow's storage backend is healthy.
func (f *Flow) CheckHealth(ctx context.Context) error {
	return f.store.CheckHealth(ctx)
}

// ErrorRedirect builds an app-return redirect whose fragment carries the
// given OAuth2 error code.
func (f *Flow) ErrorRedirect(providerName, code string) string {
	fragment := url.Values{
		"provider": {providerName},
		"error":    {code},
	}
	return f.returnURI + "#" + fragment.Encode()
}

// successRedirect builds the app-return redirect carrying the token in the
// URL fragment. Fragments are never sent to servers, so the token cannot
// leak into request logs or referrer chains along the way.
func (f *Flow) successRedirect(providerName string, record *tokenstore.Record) string {
	fragment := url.Values{
		"provider":     {providerName},
		"access_token": {record.AccessToken},
	}
	if record.ExpiresAt != nil {
		fragment.Set("expires_in", strconv.FormatInt(int64(time.Until(*record.ExpiresAt).Seconds()), 10))
	}
	return f.returnURI + "#" + fragment.Encode()
}

func (f *Flow) stale(record *tokenstore.Record) bool {
	return record.ExpiresAt != nil && time.Until(*record.ExpiresAt) < f.freshness
}

func tokenInfo(record *tokenstore.Record) *TokenInfo {
	info := &TokenInfo{AccessToken: record.AccessToken}
	if record.ExpiresAt != nil {
		info.ExpiresIn = int64(time.Until(*record.ExpiresAt).Seconds())
	}
	return info
}
