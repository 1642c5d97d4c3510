// Package credential supplies the short-lived bearer tokens Switchboard
// attaches to agent-service calls and to tool-bridge authorizations.
//
// Two independent providers are normally in play: one for the agent
// service itself and one scoped to the tool bridge. The bridge token is
// attached twice per tool-augmented run (on the run's tool resources and
// on every approval decision), and both attachments fetch through
// [Provider.Token] so a refreshed token reaches each of them.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nugget/switchboard/internal/config"
)

// ErrNoToken is returned when a provider yields an empty token.
var ErrNoToken = errors.New("credential provider returned an empty token")

// Provider returns a currently valid bearer token.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, for development tunnels and tests.
type Static string

// Token returns the static value.
func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// sourceProvider adapts an oauth2.TokenSource. The source caches the
// token and only contacts the token endpoint once it is near expiry.
type sourceProvider struct {
	src oauth2.TokenSource
}

func (p *sourceProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := p.src.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrNoToken
	}
	return tok.AccessToken, nil
}

// NewClientCredentials returns a Provider backed by the OAuth2
// client-credentials grant. hc is used for token endpoint calls; pass
// an httpkit client so timeouts and User-Agent match other traffic.
func NewClientCredentials(cfg config.CredentialConfig, hc *http.Client) Provider {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		// Demo bridge auth servers only read form parameters.
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if cfg.Resource != "" {
		cc.EndpointParams = url.Values{"resource": {cfg.Resource}}
	}

	ctx := context.Background()
	if hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
	}
	return &sourceProvider{src: cc.TokenSource(ctx)}
}

// New picks the provider described by cfg: a static token when set,
// otherwise client credentials. Returns an error when neither is
// configured.
func New(cfg config.CredentialConfig, hc *http.Client) (Provider, error) {
	switch {
	case cfg.Token != "":
		return Static(cfg.Token), nil
	case cfg.TokenURL != "" && cfg.ClientID != "":
		return NewClientCredentials(cfg, hc), nil
	default:
		return nil, fmt.Errorf("%w: no token or client credentials", config.ErrMissing)
	}
}

// BearerHeaders fetches a token and returns it as an Authorization
// header map, the shape used by tool resources and approval decisions.
func BearerHeaders(ctx context.Context, p Provider) (map[string]string, error) {
	tok, err := p.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + tok}, nil
}

// Transport wraps base so every request carries a bearer token from p.
func Transport(p Provider, base http.RoundTripper) http.RoundTripper {
	return &oauth2.Transport{Source: tokenSource{p: p}, Base: base}
}

// tokenSource exposes a Provider to oauth2.Transport.
type tokenSource struct {
	p Provider
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.p.Token(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}
