// Package robinhood provides Robinhood authentication: a password grant
// with TOTP multi-factor code, cached in the credentials file until the
// token expires.
package robinhood

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/credentials"
	"github.com/initialgyw/fiddy/internal/domain"
)

const (
	// CredentialsSection is the INI section holding Robinhood credentials.
	CredentialsSection = "Robinhood"

	// DefaultTokenURL is the Robinhood OAuth token endpoint.
	DefaultTokenURL = "https://api.robinhood.com/oauth2/token/"

	// clientID is Robinhood's public OAuth application id.
	clientID = "c82SH0WZOsabOXGP2sxqcj34FxkvfnWRZBKlBjFS"

	expirationLayout = time.RFC3339
)

// AuthConfig configures an Auth client.
type AuthConfig struct {
	CredentialsFile string
	TokenURL        string       // defaults to DefaultTokenURL
	HTTPClient      *http.Client // defaults to a 30 second timeout client
	NoCache         bool         // ignore the cached token
	NoPersist       bool         // skip writing the refreshed token back
}

// Auth manages the Robinhood access token.
type Auth struct {
	cfg   AuthConfig
	creds credentials.Section
	log   zerolog.Logger
	now   func() time.Time
}

// NewAuth loads Robinhood credentials and returns an auth client.
// username, password and two_fa_secret must be present in the section.
func NewAuth(cfg AuthConfig, log zerolog.Logger) (*Auth, error) {
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
	for _, key := range []string{"username", "password", "two_fa_secret"} {
		if creds[key] == "" {
			return nil, fmt.Errorf("missing %q in %s credentials", key, CredentialsSection)
		}
	}

	return &Auth{
		cfg:   cfg,
		creds: creds,
		log:   log.With().Str("client", "robinhood_auth").Logger(),
		now:   time.Now,
	}, nil
}

// AccessToken returns a valid access token, reusing the cached one while it
// has not expired and requesting a new one otherwise.
func (a *Auth) AccessToken(ctx context.Context) (string, error) {
	if !a.cfg.NoCache && a.creds["access_token"] != "" {
		exp, err := time.Parse(expirationLayout, a.creds["expires_in"])
		if err == nil && a.now().Before(exp) {
			a.log.Debug().Msg("Cached Robinhood token still valid")
			return a.creds["access_token"], nil
		}
	}

	if err := a.requestAccessToken(ctx); err != nil {
		return "", err
	}

	if !a.cfg.NoPersist {
		if err := credentials.Save(a.cfg.CredentialsFile, CredentialsSection, a.creds); err != nil {
			return "", fmt.Errorf("failed to persist token: %w", err)
		}
	}

	return a.creds["access_token"], nil
}

func (a *Auth) requestAccessToken(ctx context.Context) error {
	mfa, err := totp.GenerateCode(strings.ToUpper(a.creds["two_fa_secret"]), a.now())
	if err != nil {
		return fmt.Errorf("failed to generate MFA code: %w", err)
	}

	form := url.Values{
		"client_id":    {clientID},
		"grant_type":   {"password"},
		"username":     {a.creds["username"]},
		"password":     {a.creds["password"]},
		"scope":        {"internal"},
		"mfa_code":     {mfa},
		"device_token": {uuid.NewString()},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s returned %d", a.cfg.TokenURL, resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if result.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	exp := a.now().In(domain.MarketLocation()).Add(time.Duration(result.ExpiresIn) * time.Second)
	a.creds["access_token"] = result.AccessToken
	a.creds["expires_in"] = exp.Format(expirationLayout)
	a.log.Debug().Time("expires", exp).Msg("Robinhood token refreshed")

	return nil
}
