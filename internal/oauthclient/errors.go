package oauthclient

import "errors"

// OAuth2 error codes from RFC 6749 section 5.2, plus server_error used when
// a provider fails without a parseable error document.
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeServerError          = "server_error"
)

// ErrRevocationUnsupported indicates the provider has no revocation endpoint
// configured
var ErrRevocationUnsupported = errors.New("provider does not support token revocation")

// ProviderError is the OAuth2 error document returned by a provider token
// endpoint. It is the error branch of a token exchange; callers recover it
// with errors.As to surface the provider's error code.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return "provider error: " + e.Code + ": " + e.Description
	}
	return "provider error: " + e.Code
}
