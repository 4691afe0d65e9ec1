package httpclient

import (
	"context"
	"net/http"
	"strings"
	"time"

	"bcsync/internal/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenRefreshSkew is how early a cached token is replaced before expiry.
const tokenRefreshSkew = 60 * time.Second

type fetchTokenSource struct {
	ctx context.Context
	cfg *clientcredentials.Config
}

func (s fetchTokenSource) Token() (*oauth2.Token, error) {
	return s.cfg.Token(s.ctx)
}

// NewTokenSource returns a cached client-credentials token source, or nil when
// the system is configured without credentials.
func NewTokenSource(cfg config.OAuthConfig, httpClient *http.Client) oauth2.TokenSource {
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       splitScopes(cfg.Scope),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, fetchTokenSource{ctx: ctx, cfg: cc}, tokenRefreshSkew)
}

func splitScopes(raw string) []string {
	var out []string
	for _, s := range strings.Fields(strings.ReplaceAll(raw, ",", " ")) {
		out = append(out, s)
	}
	return out
}
