// Package provider holds the static registry of upstream OAuth2 providers.
package provider

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrUnknownProvider indicates a provider name with no registered configuration
var ErrUnknownProvider = errors.New("unknown provider")

// Config describes a single upstream OAuth2 provider. The client secret is
// only ever sent to the provider's token and revocation endpoints, never to
// the device.
type Config struct {
	Name             string `yaml:"name"`
	AuthorizationURI string `yaml:"authorization_uri"`
	TokenURI         string `yaml:"token_uri"`
	RevokeURI        string `yaml:"revoke_uri"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	Scope            string `yaml:"scope"`

	// Extra holds provider-specific authorization request parameters,
	// e.g. access_type=offline for Google or force_reapprove for Dropbox.
	Extra map[string]string `yaml:"extra"`
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("provider %q: client_id is required", c.Name)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("provider %q: client_secret is required", c.Name)
	}
	if c.AuthorizationURI == "" {
		return fmt.Errorf("provider %q: authorization_uri is required", c.Name)
	}
	if c.TokenURI == "" {
		return fmt.Errorf("provider %q: token_uri is required", c.Name)
	}
	return nil
}

// AuthCodeURL builds the authorization redirect URL for this provider. The
// URL carries the client id, redirect URI, response type, scope, state and
// any provider extras; the client secret is never part of it.
func (c *Config) AuthCodeURL(redirectURI, state string) string {
	conf := &oauth2.Config{
		ClientID:    c.ClientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthorizationURI,
			TokenURL: c.TokenURI,
		},
	}
	if c.Scope != "" {
		conf.Scopes = []string{c.Scope}
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(c.Extra))
	for k, v := range c.Extra {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	return conf.AuthCodeURL(state, opts...)
}
