package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/validator-cli/internal/model"
)

func TestResolveAPIKey(t *testing.T) {
	r := NewResolver()

	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind:        model.AuthAPIKey,
		Credentials: map[string]string{"api_key": "secret"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret", headers["X-API-Key"])
}

func TestResolveAPIKeyCustomHeader(t *testing.T) {
	r := NewResolver()

	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind: model.AuthAPIKey,
		Credentials: map[string]string{
			"api_key":     "secret",
			"header_name": "X-Custom-Key",
		},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret", headers["X-Custom-Key"])
	_, hasDefault := headers["X-API-Key"]
	assert.False(t, hasDefault)
}

func TestResolveBearer(t *testing.T) {
	r := NewResolver()

	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind:        model.AuthBearerToken,
		Credentials: map[string]string{"token": "tok123"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok123", headers["Authorization"])
}

func TestResolveBasic(t *testing.T) {
	r := NewResolver()

	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind: model.AuthBasic,
		Credentials: map[string]string{
			"username": "alice",
			"password": "wonder",
		},
	}, nil)
	require.NoError(t, err)

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:wonder"))
	assert.Equal(t, want, headers["Authorization"])
}

func TestResolveMissingCredentials(t *testing.T) {
	r := NewResolver()

	tests := []struct {
		name string
		cfg  model.AuthConfig
	}{
		{"api key empty", model.AuthConfig{Kind: model.AuthAPIKey}},
		{"bearer empty", model.AuthConfig{Kind: model.AuthBearerToken}},
		{"basic missing password", model.AuthConfig{
			Kind:        model.AuthBasic,
			Credentials: map[string]string{"username": "alice"},
		}},
		{"oauth2 missing endpoint", model.AuthConfig{
			Kind: model.AuthOAuth2,
			Credentials: map[string]string{
				"client_id":     "id",
				"client_secret": "secret",
			},
		}},
		{"service principal missing tenant", model.AuthConfig{
			Kind: model.AuthServicePrincipal,
			Credentials: map[string]string{
				"client_id":     "id",
				"client_secret": "secret",
			},
		}},
		{"unknown kind", model.AuthConfig{Kind: model.AuthKind("kerberos")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), "https://api.example.com", tt.cfg, nil)
			require.Error(t, err)
			assert.True(t, eris.Is(err, ErrAuthentication))
		})
	}
}

func TestResolveOAuth2PresuppliedToken(t *testing.T) {
	r := NewResolver()

	// No token endpoint configured: a network call would fail, proving the
	// pre-supplied token short-circuits.
	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind:        model.AuthOAuth2,
		Credentials: map[string]string{"access_token": "pre-existing"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer pre-existing", headers["Authorization"])
}

func TestResolveOAuth2Exchange(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "client_credentials", req.Form.Get("grant_type"))
		assert.Equal(t, "my-client", req.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "exchanged-token", "expires_in": 3600}`))
	}))
	defer ts.Close()

	r := NewResolver()
	cfg := model.AuthConfig{
		Kind: model.AuthOAuth2,
		Credentials: map[string]string{
			"client_id":     "my-client",
			"client_secret": "my-secret",
			"scope":         "read",
		},
		TokenEndpoint: ts.URL,
	}

	headers, err := r.Resolve(context.Background(), "https://api.example.com", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer exchanged-token", headers["Authorization"])

	// Second resolve hits the cache, not the endpoint.
	headers, err = r.Resolve(context.Background(), "https://api.example.com", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer exchanged-token", headers["Authorization"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveOAuth2ExchangeFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "bad client", http.StatusUnauthorized)
	}))
	defer ts.Close()

	r := NewResolver()
	_, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind: model.AuthOAuth2,
		Credentials: map[string]string{
			"client_id":     "my-client",
			"client_secret": "wrong",
		},
		TokenEndpoint: ts.URL,
	}, nil)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrAuthentication))
}

func TestResolveOAuth2NoTokenInResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"token_type": "Bearer"}`))
	}))
	defer ts.Close()

	r := NewResolver()
	_, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind: model.AuthOAuth2,
		Credentials: map[string]string{
			"client_id":     "my-client",
			"client_secret": "my-secret",
		},
		TokenEndpoint: ts.URL,
	}, nil)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrAuthentication))
}

func TestResolveServicePrincipal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "client_credentials", req.Form.Get("grant_type"))
		assert.Equal(t, "https://management.azure.com/.default", req.Form.Get("scope"))
		w.Write([]byte(`{"access_token": "sp-token", "expires_in": 600}`))
	}))
	defer ts.Close()

	r := NewResolver()
	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind: model.AuthServicePrincipal,
		Credentials: map[string]string{
			"tenant_id":     "tenant",
			"client_id":     "client",
			"client_secret": "secret",
		},
		TokenEndpoint: ts.URL,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sp-token", headers["Authorization"])
}

func TestResolveCustom(t *testing.T) {
	r := NewResolver()

	// Explicit headers win.
	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind:    model.AuthCustom,
		Headers: map[string]string{"X-Signature": "sig"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sig", headers["X-Signature"])

	// Otherwise credentials become headers.
	headers, err = r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind:        model.AuthCustom,
		Credentials: map[string]string{"X-Token": "abc"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", headers["X-Token"])
}

func TestResolveExplicitHeadersWin(t *testing.T) {
	r := NewResolver()

	headers, err := r.Resolve(context.Background(), "https://api.example.com", model.AuthConfig{
		Kind:        model.AuthBearerToken,
		Credentials: map[string]string{"token": "tok"},
		Headers:     map[string]string{"Authorization": "Bearer override"},
	}, map[string]string{"X-Trace": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer override", headers["Authorization"])
	assert.Equal(t, "t1", headers["X-Trace"])
}

func TestResolveIdempotent(t *testing.T) {
	r := NewResolver()
	cfg := model.AuthConfig{
		Kind:        model.AuthAPIKey,
		Credentials: map[string]string{"api_key": "k"},
	}

	first, err := r.Resolve(context.Background(), "https://api.example.com", cfg, nil)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), "https://api.example.com", cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVerify(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-API-Key") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	r := NewResolver()
	assert.True(t, r.Verify(context.Background(), ts.URL, map[string]string{"X-API-Key": "good"}))
	assert.False(t, r.Verify(context.Background(), ts.URL, map[string]string{"X-API-Key": "bad"}))
	assert.False(t, r.Verify(context.Background(), "http://127.0.0.1:1", nil))
}
