package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"bcsync/internal/config"
)

const (
	apiKeyHeaderDefault = "x-api-key"

	permRunSync       = "sync:run"
	permReadLog       = "read:log"
	permReadSettings  = "read:settings"
	permWriteSettings = "write:settings"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// HTTPAuth provides API-key auth and per-key rate limiting for operator
// endpoints. Webhook receivers authenticate with the client state instead and
// only go through the limiter.
type HTTPAuth struct {
	cfg     config.APIConfig
	header  string
	clients []config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	header := strings.ToLower(strings.TrimSpace(cfg.Auth.HeaderAPIKey))
	if header == "" {
		header = apiKeyHeaderDefault
	}
	// Keys left empty by unset environment variables never match.
	var clients []config.APIClientKey
	for _, c := range cfg.Auth.APIKeys {
		if strings.TrimSpace(c.Key) != "" {
			clients = append(clients, c)
		}
	}
	return &HTTPAuth{
		cfg:     cfg,
		header:  header,
		clients: clients,
		limiter: newRateLimiter(cfg.RateLimit),
	}
}

// Wrap guards next with the limiter and, for operator routes, the API key.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.allow(clientKey(r, a.header)) {
			writeError(w, http.StatusTooManyRequests, errRateLimited.Error())
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					status = http.StatusForbidden
				}
				writeError(w, status, err.Error())
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	required, guarded := requiredPermission(r)
	if !guarded {
		return nil
	}

	apiKey := strings.TrimSpace(r.Header.Get(a.header))
	if apiKey == "" {
		return errMissingAPIKey
	}

	client, ok := a.lookup(apiKey)
	if !ok {
		return errInvalidAPIKey
	}
	return checkPermissions(client, required)
}

func (a *HTTPAuth) lookup(apiKey string) (config.APIClientKey, bool) {
	for _, c := range a.clients {
		if subtle.ConstantTimeCompare([]byte(c.Key), []byte(apiKey)) == 1 {
			return c, true
		}
	}
	return config.APIClientKey{}, false
}

// checkPermissions treats an empty permission list as allow-all.
func checkPermissions(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

// requiredPermission maps a request onto the permission it needs. Unguarded
// routes (webhooks, health, metrics) report false.
func requiredPermission(r *http.Request) (string, bool) {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/webhooks/"), path == "/healthz", path == "/metrics":
		return "", false
	case path == "/api/v1/sync":
		return permRunSync, true
	case strings.HasPrefix(path, "/api/v1/webhooks/log"), path == "/api/v1/decide", path == "/api/v1/status", path == "/api/v1/export":
		return permReadLog, true
	case strings.HasPrefix(path, "/api/v1/projects"):
		if r.Method == http.MethodGet {
			return permReadSettings, true
		}
		return permWriteSettings, true
	}
	return "", true
}
