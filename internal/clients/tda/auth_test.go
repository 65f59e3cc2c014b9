package tda

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/initialgyw/fiddy/internal/credentials"
)

func writeTestCredentials(t *testing.T, extra credentials.Section) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "fiddy.ini")
	values := credentials.Section{
		"consumer_key": "CONSUMERKEY",
		"redirect_uri": "https://localhost:8080",
	}
	for k, v := range extra {
		values[k] = v
	}
	require.NoError(t, credentials.Save(file, CredentialsSection, values))
	return file
}

// tokenServer fakes the TDA token endpoint and records the grants it sees.
func tokenServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var grants []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		grants = append(grants, r.PostForm.Get("grant_type"))
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:           "new-access",
			RefreshToken:          "new-refresh",
			TokenType:             "Bearer",
			ExpiresIn:             1800,
			RefreshTokenExpiresIn: 7776000,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &grants
}

func newTestTokenSource(t *testing.T, file, tokenURL string, retrieve CodeRetriever) *TokenSource {
	t.Helper()
	ts, err := NewTokenSource(TokenConfig{
		CredentialsFile: file,
		TokenURL:        tokenURL,
		RetrieveCode:    retrieve,
	}, zerolog.Nop())
	require.NoError(t, err)
	return ts
}

func TestNewTokenSource_MissingConsumerKey(t *testing.T) {
	file := filepath.Join(t.TempDir(), "fiddy.ini")
	require.NoError(t, credentials.Save(file, CredentialsSection, credentials.Section{
		"redirect_uri": "https://localhost",
	}))

	_, err := NewTokenSource(TokenConfig{CredentialsFile: file}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer_key")
}

func TestState_Transitions(t *testing.T) {
	now := time.Date(2020, 9, 17, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour).Format(expirationLayout)
	past := now.Add(-time.Hour).Format(expirationLayout)

	testCases := []struct {
		name  string
		extra credentials.Section
		want  TokenState
	}{
		{"no code", nil, StateNoCode},
		{"has code", credentials.Section{"code": "abc"}, StateHasCode},
		{
			"has tokens",
			credentials.Section{
				"access_token": "a", "refresh_token": "r",
				"access_token_expiration": future, "refresh_token_expiration": future,
			},
			StateHasTokens,
		},
		{
			"access expired",
			credentials.Section{
				"access_token": "a", "refresh_token": "r",
				"access_token_expiration": past, "refresh_token_expiration": future,
			},
			StateAccessExpired,
		},
		{
			"both expired",
			credentials.Section{
				"access_token": "a", "refresh_token": "r",
				"access_token_expiration": past, "refresh_token_expiration": past,
			},
			StateBothExpired,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			file := writeTestCredentials(t, tc.extra)
			ts := newTestTokenSource(t, file, "http://unused", nil)
			ts.now = func() time.Time { return now }
			assert.Equal(t, tc.want, ts.State())
		})
	}
}

func TestAccessToken_ValidTokensSkipNetwork(t *testing.T) {
	now := time.Now()
	file := writeTestCredentials(t, credentials.Section{
		"access_token":             "cached-access",
		"refresh_token":            "cached-refresh",
		"token_type":               "Bearer",
		"access_token_expiration":  now.Add(time.Hour).Format(expirationLayout),
		"refresh_token_expiration": now.Add(24 * time.Hour).Format(expirationLayout),
	})

	// No server: any network call would fail the test.
	ts := newTestTokenSource(t, file, "http://127.0.0.1:1", nil)

	token, err := ts.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer cached-access", token)
}

func TestAccessToken_RefreshesWithoutNewAuthorization(t *testing.T) {
	srv, grants := tokenServer(t)
	now := time.Now()
	file := writeTestCredentials(t, credentials.Section{
		"access_token":             "stale-access",
		"refresh_token":            "cached-refresh",
		"token_type":               "Bearer",
		"access_token_expiration":  now.Add(-time.Hour).Format(expirationLayout),
		"refresh_token_expiration": now.Add(24 * time.Hour).Format(expirationLayout),
	})

	ts := newTestTokenSource(t, file, srv.URL, nil)

	token, err := ts.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer new-access", token)
	assert.Equal(t, []string{"refresh_token"}, *grants)
}

func TestAccessToken_BothExpiredWithoutRetrieverFails(t *testing.T) {
	now := time.Now()
	file := writeTestCredentials(t, credentials.Section{
		"access_token":             "stale",
		"refresh_token":            "stale",
		"access_token_expiration":  now.Add(-48 * time.Hour).Format(expirationLayout),
		"refresh_token_expiration": now.Add(-time.Hour).Format(expirationLayout),
	})

	ts := newTestTokenSource(t, file, "http://127.0.0.1:1", nil)

	_, err := ts.AccessToken(context.Background())
	assert.True(t, errors.Is(err, ErrAuthExpired))
}

func TestAccessToken_BothExpiredRestartsCodeFlow(t *testing.T) {
	srv, grants := tokenServer(t)
	now := time.Now()
	file := writeTestCredentials(t, credentials.Section{
		"access_token":             "stale",
		"refresh_token":            "stale",
		"access_token_expiration":  now.Add(-48 * time.Hour).Format(expirationLayout),
		"refresh_token_expiration": now.Add(-time.Hour).Format(expirationLayout),
	})

	retrieved := false
	ts := newTestTokenSource(t, file, srv.URL, func(ctx context.Context) (string, error) {
		retrieved = true
		return "fresh-code", nil
	})

	token, err := ts.AccessToken(context.Background())
	require.NoError(t, err)
	assert.True(t, retrieved)
	assert.Equal(t, "Bearer new-access", token)
	assert.Equal(t, []string{"authorization_code"}, *grants)
}

func TestAccessToken_ExchangePersistsWithSafetyMargins(t *testing.T) {
	srv, _ := tokenServer(t)
	file := writeTestCredentials(t, credentials.Section{"code": "auth-code"})

	now := time.Date(2020, 9, 17, 12, 0, 0, 0, time.UTC)
	ts := newTestTokenSource(t, file, srv.URL, nil)
	ts.now = func() time.Time { return now }

	_, err := ts.AccessToken(context.Background())
	require.NoError(t, err)

	saved, err := credentials.LoadSection(file, CredentialsSection)
	require.NoError(t, err)
	assert.Equal(t, "new-access", saved["access_token"])
	assert.Equal(t, "new-refresh", saved["refresh_token"])

	accessExp, err := time.Parse(expirationLayout, saved["access_token_expiration"])
	require.NoError(t, err)
	// 1800s TTL minus the 5 minute margin.
	assert.True(t, accessExp.Equal(now.Add(1500*time.Second)))

	refreshExp, err := time.Parse(expirationLayout, saved["refresh_token_expiration"])
	require.NoError(t, err)
	// 90 day TTL minus the 5 day margin.
	assert.True(t, refreshExp.Equal(now.Add(7776000*time.Second-5*24*time.Hour)))
}

func TestAccessToken_NoPersistLeavesFileAlone(t *testing.T) {
	srv, _ := tokenServer(t)
	file := writeTestCredentials(t, credentials.Section{"code": "auth-code"})

	ts, err := NewTokenSource(TokenConfig{
		CredentialsFile: file,
		TokenURL:        srv.URL,
		NoPersist:       true,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = ts.AccessToken(context.Background())
	require.NoError(t, err)

	saved, err := credentials.LoadSection(file, CredentialsSection)
	require.NoError(t, err)
	assert.Empty(t, saved["access_token"])
}

func TestAccessToken_AuthEndpointErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	file := writeTestCredentials(t, credentials.Section{"code": "bad-code"})
	ts := newTestTokenSource(t, file, srv.URL, nil)

	_, err := ts.AccessToken(context.Background())
	require.Error(t, err)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusUnauthorized, reqErr.Status)
	assert.Equal(t, http.MethodPost, reqErr.Method)
}
