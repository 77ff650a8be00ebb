package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wrale/oauth2-token-relay/internal/oauthclient"
	"github.com/wrale/oauth2-token-relay/internal/provider"
	"github.com/wrale/oauth2-token-relay/internal/relayflow"
)

const (
	deviceIDHeader = "X-Device-Id"
	deviceIDCookie = "relay_device_id"

	// deviceCookieMaxAge bounds how long the device-id cookie set on
	// beginAuth survives while the user consents at the provider
	deviceCookieMaxAge = 600
)

// deviceID recovers the caller's device id from the header or, failing that,
// the flow cookie.
func deviceID(r *http.Request) string {
	if id := r.Header.Get(deviceIDHeader); id != "" {
		return id
	}
	if cookie, err := r.Cookie(deviceIDCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// setDeviceCookie stores the device id for the duration of the auth flow so
// the callback can recover it even if the browser omits the header.
func (s *server) setDeviceCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     deviceIDCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   deviceCookieMaxAge,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearDeviceCookie removes the flow cookie; it is single use.
func (s *server) clearDeviceCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     deviceIDCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// Auth handler: begins the authorization flow with a redirect to the
// provider.
func (s *server) handleAuth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")

		id := deviceID(r)
		if id == "" {
			http.Error(w, "missing device id", http.StatusBadRequest)
			return
		}

		authURL, err := s.flow.BeginAuth(r.Context(), id, providerName)
		if err != nil {
			if errors.Is(err, provider.ErrUnknownProvider) {
				http.Error(w, "unknown provider", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		s.setDeviceCookie(w, id)
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// Callback handler: the provider redirects here after user consent. Every
// outcome is a redirect back to the app-return URI; tokens and error codes
// travel in the URL fragment.
func (s *server) handleCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")

		id := deviceID(r)
		s.clearDeviceCookie(w)

		if id == "" {
			s.logger.Warn().Str("provider", providerName).Msg("callback without device id")
			http.Redirect(w, r, s.flow.ErrorRedirect(providerName, oauthclient.ErrorCodeInvalidRequest), http.StatusFound)
			return
		}

		query := r.URL.Query()
		redirect, err := s.flow.HandleCallback(r.Context(), id, providerName, relayflow.Callback{
			State:            query.Get("state"),
			Code:             query.Get("code"),
			Error:            query.Get("error"),
			ErrorDescription: query.Get("error_description"),
		})
		if err != nil {
			if errors.Is(err, provider.ErrUnknownProvider) {
				http.Error(w, "unknown provider", http.StatusNotFound)
				return
			}
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		http.Redirect(w, r, redirect, http.StatusFound)
	}
}

// Tokens handler: returns the stored token for the device, refreshing it
// transparently when stale.
func (s *server) handleTokens() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")

		id := deviceID(r)
		if id == "" {
			http.Error(w, "missing device id", http.StatusBadRequest)
			return
		}

		info, err := s.flow.Token(r.Context(), id, providerName)
		if err != nil {
			switch {
			case errors.Is(err, provider.ErrUnknownProvider):
				http.Error(w, "unknown provider", http.StatusNotFound)
			case errors.Is(err, relayflow.ErrNoToken):
				http.Error(w, "no token on record", http.StatusNotFound)
			default:
				var perr *oauthclient.ProviderError
				if errors.As(err, &perr) {
					writeError(w, http.StatusBadGateway, perr.Code)
					return
				}
				if errors.Is(err, relayflow.ErrUpstream) {
					writeError(w, http.StatusBadGateway, oauthclient.ErrorCodeServerError)
					return
				}
				s.logger.Error().Err(err).Str("provider", providerName).Msg("token read failed")
				writeError(w, http.StatusInternalServerError, oauthclient.ErrorCodeServerError)
			}
			return
		}

		writeJSON(w, info)
	}
}

// Revoke handler: invalidates the stored tokens upstream and deletes the
// record.
func (s *server) handleRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerName := chi.URLParam(r, "provider")

		id := deviceID(r)
		if id == "" {
			http.Error(w, "missing device id", http.StatusBadRequest)
			return
		}

		if err := s.flow.Revoke(r.Context(), id, providerName); err != nil {
			if errors.Is(err, provider.ErrUnknownProvider) {
				http.Error(w, "unknown provider", http.StatusNotFound)
				return
			}
			s.logger.Error().Err(err).Str("provider", providerName).Msg("token revocation failed")
			writeError(w, http.StatusInternalServerError, oauthclient.ErrorCodeServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// Health check handler
func (s *server) handleHealth() http.HandlerFunc {
	type healthResponse struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "ok",
			Version: Version,
		}

		if err := s.flow.CheckHealth(r.Context()); err != nil {
			resp.Status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		writeJSON(w, resp)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "error encoding response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
