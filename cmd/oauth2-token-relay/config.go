package main

import "time"

// Config holds server configuration loaded from environment variables
type Config struct {
	Port int `envconfig:"PORT" default:"8080"`

	// BaseURL is this service's externally visible root, used to build the
	// per-provider callback URLs registered with providers
	BaseURL string `envconfig:"BASE_URL" required:"true"`

	// AppReturnURI is where the device's browser is redirected once the
	// auth flow completes or fails
	AppReturnURI string `envconfig:"APP_RETURN_URI" required:"true"`

	// StateSecret keys the deterministic anti-CSRF state tokens
	StateSecret string `envconfig:"STATE_SECRET" required:"true"`

	// ProvidersFile is the YAML file listing provider endpoints and
	// credentials
	ProvidersFile string `envconfig:"PROVIDERS_FILE" default:"providers.yaml"`

	// RedisURL selects the durable token store; when empty the server
	// falls back to the in-memory store, which does not survive restarts
	RedisURL string `envconfig:"REDIS_URL"`

	SecureCookies bool `envconfig:"SECURE_COOKIES" default:"true"`

	FreshnessWindow time.Duration `envconfig:"FRESHNESS_WINDOW" default:"60s"`
	RefreshMargin   time.Duration `envconfig:"REFRESH_MARGIN" default:"5s"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`

	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout       time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
}
