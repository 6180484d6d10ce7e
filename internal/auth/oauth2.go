package auth

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/torosent/crankshaft/internal/body"
	"github.com/torosent/crankshaft/internal/httpclient"
)

// Grant is an OAuth2 grant type.
type Grant string

const (
	GrantClientCredentials Grant = "client_credentials"
	GrantPassword          Grant = "password"
)

// tokenClientID keeps token fetches on their own channels, apart from the
// load sessions.
const tokenClientID = "auth"

// OAuth2Config describes a token endpoint.
type OAuth2Config struct {
	Grant        Grant
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scopes       []string
	// RefreshBeforeExpiry renews tokens this long before they expire.
	RefreshBeforeExpiry time.Duration
	Timeout             time.Duration
	// TokenPath and ExpiresPath locate the token and its lifetime in the
	// JSON response, in gjson syntax with an optional "$." prefix. Defaults
	// are access_token and expires_in.
	TokenPath   string
	ExpiresPath string
	// TLS is used for https token endpoints.
	TLS *tls.Config
}

// OAuth2Provider fetches and caches tokens from an OAuth2 endpoint. Only one
// fetch runs at a time; concurrent callers wait for its result.
type OAuth2Provider struct {
	cfg    OAuth2Config
	client *httpclient.Client

	mu       sync.Mutex
	cond     *sync.Cond
	fetching bool
	token    string
	expiry   time.Time
	now      func() time.Time
}

// NewOAuth2Provider validates cfg and returns a provider that sends token
// requests through client.
func NewOAuth2Provider(cfg OAuth2Config, client *httpclient.Client) (*OAuth2Provider, error) {
	if client == nil {
		return nil, errors.New("oauth2: client is required")
	}
	switch cfg.Grant {
	case GrantClientCredentials:
	case GrantPassword:
		if cfg.Username == "" {
			return nil, errors.New("oauth2: username is required for the password grant")
		}
	default:
		return nil, fmt.Errorf("oauth2: unsupported grant %q", cfg.Grant)
	}
	u, err := url.Parse(cfg.TokenURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("oauth2: token_url %q must be an absolute http or https URL", cfg.TokenURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.TokenPath = jsonPath(cfg.TokenPath, "access_token")
	cfg.ExpiresPath = jsonPath(cfg.ExpiresPath, "expires_in")
	p := &OAuth2Provider{cfg: cfg, client: client, now: time.Now}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

func (p *OAuth2Provider) valid() bool {
	return p.token != "" && p.now().Before(p.expiry)
}

func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for !p.valid() && p.fetching {
		p.cond.Wait()
	}
	if p.valid() {
		return p.token, nil
	}

	p.fetching = true
	p.mu.Unlock()
	token, expiresIn, err := p.fetch(ctx)
	p.mu.Lock()
	p.fetching = false
	p.cond.Broadcast()
	if err != nil {
		return "", err
	}

	p.token = token
	p.expiry = p.now().Add(time.Duration(expiresIn)*time.Second - p.cfg.RefreshBeforeExpiry)
	return p.token, nil
}

func (p *OAuth2Provider) Apply(ctx context.Context, header http.Header) error {
	token, err := p.Token(ctx)
	if err != nil {
		return fmt.Errorf("oauth2 token: %w", err)
	}
	header.Set("Authorization", "Bearer "+token)
	return nil
}

// Close flushes the channels used for token requests.
func (p *OAuth2Provider) Close() error {
	p.client.Flush(tokenClientID)
	return nil
}

func (p *OAuth2Provider) fetch(ctx context.Context) (string, int, error) {
	params := []body.Param{{Name: "grant_type", Value: string(p.cfg.Grant)}}
	if p.cfg.Grant == GrantPassword {
		params = append(params,
			body.Param{Name: "username", Value: p.cfg.Username},
			body.Param{Name: "password", Value: p.cfg.Password},
		)
	}
	if len(p.cfg.Scopes) > 0 {
		params = append(params, body.Param{Name: "scope", Value: strings.Join(p.cfg.Scopes, " ")})
	}
	form, err := body.NewFormBody(params, "")
	if err != nil {
		return "", 0, fmt.Errorf("encode token request: %w", err)
	}

	req, err := httpclient.NewRequest(http.MethodPost, p.cfg.TokenURL, form)
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Timeout = p.cfg.Timeout
	req.Header.Set("Content-Type", body.FormContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+basicAuth(p.cfg.ClientID, p.cfg.ClientSecret))

	l := httpclient.NewResponseListener()
	var tlsConfig *tls.Config
	if req.URL.Scheme == "https" {
		tlsConfig = p.cfg.TLS
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	p.client.Send(ctx, req, tokenClientID, false, l, tlsConfig, nil)
	resp, err := l.Wait(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("fetch token: %w", err)
	}

	if !gjson.ValidBytes(resp.Body) {
		if resp.StatusCode != http.StatusOK {
			return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
		}
		return "", 0, errors.New("decode token response: invalid JSON")
	}
	doc := gjson.ParseBytes(resp.Body)
	if oauthErr := describe(doc); oauthErr != "" {
		if resp.StatusCode != http.StatusOK {
			return "", 0, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, oauthErr)
		}
		return "", 0, fmt.Errorf("oauth2 error: %s", oauthErr)
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	token := doc.Get(p.cfg.TokenPath)
	if !token.Exists() || token.String() == "" {
		return "", 0, fmt.Errorf("no access token at %q in response", p.cfg.TokenPath)
	}
	return token.String(), int(doc.Get(p.cfg.ExpiresPath).Int()), nil
}

// describe returns the RFC 6749 error fields, empty when absent.
func describe(doc gjson.Result) string {
	code := doc.Get("error").String()
	if code == "" {
		return ""
	}
	if desc := doc.Get("error_description").String(); desc != "" {
		return code + " - " + desc
	}
	return code
}

// jsonPath strips a leading "$." so JSONPath-looking input works with gjson.
func jsonPath(path, def string) string {
	path = strings.TrimSpace(path)
	switch {
	case path == "":
		return def
	case path == "$":
		return "@this"
	case strings.HasPrefix(path, "$."):
		return path[2:]
	}
	return path
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
