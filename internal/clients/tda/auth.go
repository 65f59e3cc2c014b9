// Package tda provides the TD Ameritrade client: OAuth token lifecycle
// management plus quote, fundamental, and price history endpoints with
// file-cache-first reads.
package tda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/credentials"
	"github.com/initialgyw/fiddy/internal/domain"
)

const (
	// CredentialsSection is the INI section holding TDA credentials and tokens.
	CredentialsSection = "TdaAmeritrade"

	// DefaultTokenURL is the TDA OAuth token endpoint.
	DefaultTokenURL = "https://api.tdameritrade.com/v1/oauth2/token"

	// Safety margins subtracted from token lifetimes before persisting, so
	// a token is never presented right at the edge of its expiry.
	accessTokenMargin  = 5 * time.Minute
	refreshTokenMargin = 5 * 24 * time.Hour

	expirationLayout = time.RFC3339
)

// ErrAuthExpired is returned when both tokens are expired and no code
// retriever is available, so the authorization-code flow must restart.
var ErrAuthExpired = errors.New("tda: refresh token expired, new authorization required")

// TokenState describes where the token pair sits in its lifecycle.
type TokenState int

const (
	// StateNoCode means no authorization code or tokens are held.
	StateNoCode TokenState = iota
	// StateHasCode means an authorization code is held but not yet exchanged.
	StateHasCode
	// StateHasTokens means both tokens are valid.
	StateHasTokens
	// StateAccessExpired means the access token lapsed but the refresh token is valid.
	StateAccessExpired
	// StateBothExpired means the refresh token also lapsed.
	StateBothExpired
)

// String returns a human-readable name for the token state.
func (s TokenState) String() string {
	switch s {
	case StateNoCode:
		return "NoCode"
	case StateHasCode:
		return "HasCode"
	case StateHasTokens:
		return "HasTokens"
	case StateAccessExpired:
		return "AccessExpired"
	case StateBothExpired:
		return "BothExpired"
	default:
		return "Unknown"
	}
}

// CodeRetriever obtains a fresh authorization code, typically by driving an
// interactive browser login. It is injected so the auth flow stays portable.
type CodeRetriever func(ctx context.Context) (string, error)

// TokenConfig configures a TokenSource.
type TokenConfig struct {
	CredentialsFile string
	TokenURL        string        // defaults to DefaultTokenURL
	RetrieveCode    CodeRetriever // optional; without it BothExpired is fatal
	HTTPClient      *http.Client  // defaults to a 30 second timeout client
	NoPersist       bool          // skip writing refreshed tokens back to the credentials file
}

// TokenSource manages the TDA access/refresh token pair.
type TokenSource struct {
	cfg   TokenConfig
	creds credentials.Section
	log   zerolog.Logger
	now   func() time.Time
}

// NewTokenSource loads TDA credentials and returns a token source.
// consumer_key and redirect_uri must already be present in the section.
func NewTokenSource(cfg TokenConfig, log zerolog.Logger) (*TokenSource, error) {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	creds, err := credentials.LoadSection(cfg.CredentialsFile, CredentialsSection)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"consumer_key", "redirect_uri"} {
		if creds[key] == "" {
			return nil, fmt.Errorf("missing %q in %s credentials", key, CredentialsSection)
		}
	}

	return &TokenSource{
		cfg:   cfg,
		creds: creds,
		log:   log.With().Str("client", "tda_auth").Logger(),
		now:   time.Now,
	}, nil
}

// SetCodeRetriever installs the interactive authorization step used when
// no usable refresh token remains.
func (ts *TokenSource) SetCodeRetriever(fn CodeRetriever) {
	ts.cfg.RetrieveCode = fn
}

// AuthorizeURL returns the browser URL that starts the OAuth code flow.
func (ts *TokenSource) AuthorizeURL() string {
	q := url.Values{
		"response_type": {"code"},
		"redirect_uri":  {ts.creds["redirect_uri"]},
		"client_id":     {ts.creds["consumer_key"] + "@AMER.OAUTHAP"},
	}
	return "https://auth.tdameritrade.com/auth?" + q.Encode()
}

// State computes the current lifecycle state from the held credentials.
func (ts *TokenSource) State() TokenState {
	now := ts.now()

	accessExp, accessErr := time.Parse(expirationLayout, ts.creds["access_token_expiration"])
	refreshExp, refreshErr := time.Parse(expirationLayout, ts.creds["refresh_token_expiration"])

	hasTokens := ts.creds["access_token"] != "" && ts.creds["refresh_token"] != "" &&
		accessErr == nil && refreshErr == nil

	switch {
	case hasTokens && now.Before(accessExp) && now.Before(refreshExp):
		return StateHasTokens
	case hasTokens && now.Before(refreshExp):
		return StateAccessExpired
	case hasTokens:
		return StateBothExpired
	case ts.creds["code"] != "":
		return StateHasCode
	default:
		return StateNoCode
	}
}

// AccessToken returns a valid authorization header value of the form
// "<token_type> <access_token>", exchanging or refreshing tokens as the
// lifecycle state requires. Updated tokens are persisted to the credentials
// file unless NoPersist is set.
func (ts *TokenSource) AccessToken(ctx context.Context) (string, error) {
	state := ts.State()
	ts.log.Debug().Stringer("state", state).Msg("Resolving access token")

	switch state {
	case StateHasTokens:
		return ts.creds["token_type"] + " " + ts.creds["access_token"], nil

	case StateAccessExpired:
		if err := ts.refresh(ctx); err != nil {
			return "", err
		}

	case StateHasCode:
		if err := ts.exchange(ctx, ts.creds["code"]); err != nil {
			return "", err
		}

	case StateNoCode, StateBothExpired:
		if ts.cfg.RetrieveCode == nil {
			return "", ErrAuthExpired
		}
		code, err := ts.cfg.RetrieveCode(ctx)
		if err != nil {
			return "", fmt.Errorf("authorization failed: %w", err)
		}
		ts.creds["code"] = code
		if err := ts.exchange(ctx, code); err != nil {
			return "", err
		}
	}

	return ts.creds["token_type"] + " " + ts.creds["access_token"], nil
}

// tokenResponse is the TDA OAuth token endpoint payload.
type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int    `json:"expires_in"`
	RefreshTokenExpiresIn int    `json:"refresh_token_expires_in"`
}

// exchange trades an authorization code for a fresh token pair.
func (ts *TokenSource) exchange(ctx context.Context, code string) error {
	ts.log.Debug().Msg("Exchanging authorization code for tokens")
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"access_type":  {"offline"},
		"client_id":    {ts.creds["consumer_key"]},
		"redirect_uri": {ts.creds["redirect_uri"]},
		"code":         {code},
	}
	return ts.requestTokens(ctx, form)
}

// refresh mints a new access token using the refresh-token grant.
func (ts *TokenSource) refresh(ctx context.Context) error {
	ts.log.Debug().Msg("Access token expired, refreshing")
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"access_type":   {"offline"},
		"client_id":     {ts.creds["consumer_key"]},
		"redirect_uri":  {ts.creds["redirect_uri"]},
		"refresh_token": {ts.creds["refresh_token"]},
	}
	return ts.requestTokens(ctx, form)
}

func (ts *TokenSource) requestTokens(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	var tokens tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	now := ts.now().In(domain.MarketLocation())
	accessExp := now.Add(time.Duration(tokens.ExpiresIn)*time.Second - accessTokenMargin)
	ts.creds["access_token"] = tokens.AccessToken
	ts.creds["access_token_expiration"] = accessExp.Format(expirationLayout)
	ts.creds["token_type"] = tokens.TokenType
	ts.log.Debug().Time("access_token_expiration", accessExp).Msg("Access token updated")

	// The refresh-token grant may not return a new refresh token; keep the
	// current one and its expiration in that case.
	if tokens.RefreshToken != "" {
		refreshExp := now.Add(time.Duration(tokens.RefreshTokenExpiresIn)*time.Second - refreshTokenMargin)
		ts.creds["refresh_token"] = tokens.RefreshToken
		ts.creds["refresh_token_expiration"] = refreshExp.Format(expirationLayout)
		ts.log.Debug().Time("refresh_token_expiration", refreshExp).Msg("Refresh token updated")
	}

	if ts.cfg.NoPersist {
		return nil
	}
	if err := credentials.Save(ts.cfg.CredentialsFile, CredentialsSection, ts.creds); err != nil {
		return fmt.Errorf("failed to persist tokens: %w", err)
	}
	ts.log.Debug().Str("file", ts.cfg.CredentialsFile).Msg("Tokens persisted")
	return nil
}
