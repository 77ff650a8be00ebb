// Package oauthclient performs the authorization-code and refresh-token
// exchanges against provider token endpoints on the device's behalf.
package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wrale/oauth2-token-relay/internal/provider"
)

const (
	// defaultTimeout bounds outbound provider calls so a hung provider
	// cannot stall a request indefinitely
	defaultTimeout = 10 * time.Second

	// defaultRefreshMargin is subtracted from expires_in when computing the
	// absolute expiry, absorbing clock skew and request latency
	defaultRefreshMargin = 5 * time.Second
)

// Token is a normalized successful token response. ExpiresAt is computed at
// the moment of receipt; nil means the provider issued a non-expiring token.
type Token struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Client exchanges authorization codes and refresh tokens with provider
// token endpoints.
type Client struct {
	http   *http.Client
	margin time.Duration
	logger zerolog.Logger
}

// Option configures the client
type Option func(*Client)

// WithTimeout sets the outbound HTTP timeout for provider calls.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithRefreshMargin sets the safety margin subtracted from expires_in.
func WithRefreshMargin(d time.Duration) Option {
	return func(c *Client) {
		c.margin = d
	}
}

// New creates a client with the provided options.
func New(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: defaultTimeout},
		margin: defaultRefreshMargin,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExchangeCode trades an authorization code for tokens at the provider's
// token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, p *provider.Config, code, redirectURI string) (*Token, error) {
	form := url.Values{
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURI},
	}
	return c.tokenRequest(ctx, p, form)
}

// Refresh trades a refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context, p *provider.Config, refreshToken string) (*Token, error) {
	form := url.Values{
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return c.tokenRequest(ctx, p, form)
}

// Revoke asks the provider to invalidate a token. Providers without a
// configured revocation endpoint return ErrRevocationUnsupported.
func (c *Client) Revoke(ctx context.Context, p *provider.Config, token string) error {
	if p.RevokeURI == "" {
		return ErrRevocationUnsupported
	}

	form := url.Values{
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
		"token":         {token},
	}

	resp, body, err := c.postForm(ctx, p.RevokeURI, form)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().
			Str("provider", p.Name).
			Int("status", resp.StatusCode).
			Msg("provider rejected token revocation")
		return fmt.Errorf("revocation failed: %s: %s", resp.Status, body)
	}
	return nil
}

// tokenRequest posts the form to the provider token endpoint and classifies
// the response by HTTP status: 2xx parses as the success shape, anything else
// as the OAuth2 error shape.
func (c *Client) tokenRequest(ctx context.Context, p *provider.Config, form url.Values) (*Token, error) {
	resp, body, err := c.postForm(ctx, p.TokenURI, form)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &ProviderError{}
		if err := json.Unmarshal(body, perr); err != nil || perr.Code == "" {
			// Non-2xx with a body that is not an OAuth2 error document;
			// classify as a generic upstream failure
			perr = &ProviderError{
				Code:        ErrorCodeServerError,
				Description: fmt.Sprintf("provider returned %s", resp.Status),
			}
		}
		c.logger.Warn().
			Str("provider", p.Name).
			Int("status", resp.StatusCode).
			Str("error", perr.Code).
			Str("error_description", perr.Description).
			Str("grant_type", form.Get("grant_type")).
			Msg("provider token request failed")
		return nil, perr
	}

	var success struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &success); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if success.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	token := &Token{
		AccessToken:  success.AccessToken,
		TokenType:    success.TokenType,
		RefreshToken: success.RefreshToken,
	}
	if success.ExpiresIn > 0 {
		expiresAt := time.Now().Add(time.Duration(success.ExpiresIn)*time.Second - c.margin)
		token.ExpiresAt = &expiresAt
	}
	return token, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("creating provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sending provider request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading provider response: %w", err)
	}
	return resp, body, nil
}
