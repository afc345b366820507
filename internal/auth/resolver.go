// Package auth resolves an endpoint's authentication configuration into
// concrete outbound request headers.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/validator-cli/internal/model"
)

// ErrAuthentication marks credential resolution failures. Callers test for
// it with eris.Is.
var ErrAuthentication = eris.New("authentication failed")

const defaultServicePrincipalScope = "https://management.azure.com/.default"

// cachedToken is one OAuth2/service-principal access token held by the
// resolver's cache.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Resolver turns an AuthConfig into request headers. It is safe for
// concurrent use; the only shared state is the token cache.
type Resolver struct {
	client *http.Client

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// NewResolver creates a Resolver with its own HTTP client for token
// exchanges.
func NewResolver() *Resolver {
	return &Resolver{
		client: &http.Client{Timeout: 30 * time.Second},
		tokens: make(map[string]cachedToken),
	}
}

// Resolve produces the header map for one endpoint. Explicit headers from
// the config merge last and win over strategy-derived ones. Extra headers
// passed by the caller seed the map first.
func (r *Resolver) Resolve(ctx context.Context, endpoint string, cfg model.AuthConfig, extra map[string]string) (map[string]string, error) {
	headers := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		headers[k] = v
	}

	var (
		resolved map[string]string
		err      error
	)

	// Closed dispatch: every auth kind has exactly one branch, and an
	// unknown kind is an error rather than a silent default.
	switch cfg.Kind {
	case model.AuthAPIKey:
		resolved, err = resolveAPIKey(cfg)
	case model.AuthBearerToken:
		resolved, err = resolveBearer(cfg)
	case model.AuthBasic:
		resolved, err = resolveBasic(cfg)
	case model.AuthOAuth2:
		resolved, err = r.resolveOAuth2(ctx, cfg)
	case model.AuthServicePrincipal:
		resolved, err = r.resolveServicePrincipal(ctx, cfg)
	case model.AuthCustom:
		resolved, err = resolveCustom(cfg)
	default:
		return nil, eris.Wrapf(ErrAuthentication, "auth: unsupported auth type %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	for k, v := range resolved {
		headers[k] = v
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return headers, nil
}

// Verify issues a probe GET against the endpoint with resolved headers.
// Status codes below 400 count as success (services may redirect).
func (r *Resolver) Verify(ctx context.Context, endpoint string, headers map[string]string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}

func resolveAPIKey(cfg model.AuthConfig) (map[string]string, error) {
	key := cfg.Credentials["api_key"]
	if key == "" {
		return nil, eris.Wrap(ErrAuthentication, "auth: api_key not provided in credentials")
	}

	headerName := cfg.Credentials["header_name"]
	if headerName == "" {
		headerName = "X-API-Key"
	}
	return map[string]string{headerName: key}, nil
}

func resolveBearer(cfg model.AuthConfig) (map[string]string, error) {
	token := cfg.Credentials["token"]
	if token == "" {
		return nil, eris.Wrap(ErrAuthentication, "auth: bearer token not provided in credentials")
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func resolveBasic(cfg model.AuthConfig) (map[string]string, error) {
	username := cfg.Credentials["username"]
	password := cfg.Credentials["password"]
	if username == "" || password == "" {
		return nil, eris.Wrap(ErrAuthentication, "auth: username and password required for basic auth")
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return map[string]string{"Authorization": "Basic " + encoded}, nil
}

func (r *Resolver) resolveOAuth2(ctx context.Context, cfg model.AuthConfig) (map[string]string, error) {
	// A pre-supplied access token skips the exchange entirely.
	if token := cfg.Credentials["access_token"]; token != "" {
		return map[string]string{"Authorization": "Bearer " + token}, nil
	}

	clientID := cfg.Credentials["client_id"]
	clientSecret := cfg.Credentials["client_secret"]
	if clientID == "" || clientSecret == "" || cfg.TokenEndpoint == "" {
		return nil, eris.Wrap(ErrAuthentication, "auth: oauth2 requires client_id, client_secret, and token_endpoint")
	}

	grantType := cfg.Credentials["grant_type"]
	if grantType == "" {
		grantType = "client_credentials"
	}

	form := url.Values{
		"grant_type":    {grantType},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"scope":         {cfg.Credentials["scope"]},
	}

	token, err := r.exchangeToken(ctx, cfg.TokenEndpoint, clientID, form)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (r *Resolver) resolveServicePrincipal(ctx context.Context, cfg model.AuthConfig) (map[string]string, error) {
	tenantID := cfg.Credentials["tenant_id"]
	clientID := cfg.Credentials["client_id"]
	clientSecret := cfg.Credentials["client_secret"]
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, eris.Wrap(ErrAuthentication, "auth: service principal requires tenant_id, client_id, and client_secret")
	}

	scope := cfg.Credentials["scope"]
	if scope == "" {
		scope = defaultServicePrincipalScope
	}

	tokenEndpoint := cfg.TokenEndpoint
	if tokenEndpoint == "" {
		tokenEndpoint = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"scope":         {scope},
	}

	token, err := r.exchangeToken(ctx, tokenEndpoint, tenantID+"/"+clientID, form)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func resolveCustom(cfg model.AuthConfig) (map[string]string, error) {
	// Custom auth takes explicit headers verbatim, or falls back to the raw
	// credential pairs.
	if len(cfg.Headers) > 0 {
		return cfg.Headers, nil
	}

	headers := make(map[string]string, len(cfg.Credentials))
	for k, v := range cfg.Credentials {
		headers[k] = v
	}
	return headers, nil
}

// tokenResponse is the subset of an OAuth2 token endpoint response we use.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// exchangeToken posts a client-credentials form to the token endpoint,
// consulting the cache first. No retry here: a failed exchange fails the
// single fetch it serves.
func (r *Resolver) exchangeToken(ctx context.Context, tokenEndpoint, cacheKey string, form url.Values) (string, error) {
	key := tokenEndpoint + "|" + cacheKey

	r.mu.Lock()
	if cached, ok := r.tokens[key]; ok && time.Now().Before(cached.expiresAt) {
		r.mu.Unlock()
		return cached.token, nil
	}
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", eris.Wrap(ErrAuthentication, "auth: create token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", eris.Wrapf(ErrAuthentication, "auth: token request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(ErrAuthentication, "auth: read token response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", eris.Wrapf(ErrAuthentication, "auth: token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", eris.Wrapf(ErrAuthentication, "auth: decode token response: %v", err)
	}
	if tr.AccessToken == "" {
		return "", eris.Wrap(ErrAuthentication, "auth: no access token in response")
	}

	if tr.ExpiresIn > 0 {
		// Refresh one minute early.
		ttl := time.Duration(tr.ExpiresIn)*time.Second - time.Minute
		if ttl > 0 {
			r.mu.Lock()
			r.tokens[key] = cachedToken{token: tr.AccessToken, expiresAt: time.Now().Add(ttl)}
			r.mu.Unlock()
		}
	}

	return tr.AccessToken, nil
}
