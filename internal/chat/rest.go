// Package chat relays Rocket.Chat room messages: it watches subscribed
// rooms for $TICKER mentions and posts a profile summary back.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/credentials"
)

// CredentialsSection is the INI section holding Rocket.Chat credentials.
const CredentialsSection = "RocketChat"

// RESTClient talks to the Rocket.Chat REST API. The realtime stream only
// delivers messages; login tokens, room lookup and posting go over REST.
type RESTClient struct {
	baseURL    string // e.g. https://chat.example.com
	username   string
	password   string
	httpClient *http.Client
	log        zerolog.Logger

	authToken string
	userID    string
}

// NewRESTClient loads Rocket.Chat credentials (url, username, password)
// and returns an unauthenticated client. Call Login before other methods.
func NewRESTClient(credentialsFile string, log zerolog.Logger) (*RESTClient, error) {
	creds, err := credentials.LoadSection(credentialsFile, CredentialsSection)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"url", "username", "password"} {
		if creds[key] == "" {
			return nil, fmt.Errorf("missing %q in %s credentials", key, CredentialsSection)
		}
	}

	base := creds["url"]
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}

	return &RESTClient{
		baseURL:    strings.TrimRight(base, "/"),
		username:   creds["username"],
		password:   creds["password"],
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "rocketchat_rest").Logger(),
	}, nil
}

// Login obtains the auth token and user id used in subsequent requests.
func (c *RESTClient) Login(ctx context.Context) error {
	form := url.Values{
		"user":     {c.username},
		"password": {c.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var result struct {
		Data struct {
			AuthToken string `json:"authToken"`
			UserID    string `json:"userId"`
		} `json:"data"`
	}
	if err := c.do(req, &result); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if result.Data.AuthToken == "" || result.Data.UserID == "" {
		return fmt.Errorf("login response missing auth token")
	}

	c.authToken = result.Data.AuthToken
	c.userID = result.Data.UserID
	c.log.Debug().Str("user_id", c.userID).Msg("Logged in to Rocket.Chat")

	return nil
}

// ChannelIDs resolves channel names to room ids, preserving order. Every
// requested channel must exist.
func (c *RESTClient) ChannelIDs(ctx context.Context, names []string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/channels.list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build channels request: %w", err)
	}
	c.authorize(req)

	var result struct {
		Channels []struct {
			ID   string `json:"_id"`
			Name string `json:"name"`
		} `json:"channels"`
	}
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	byName := make(map[string]string, len(result.Channels))
	for _, ch := range result.Channels {
		byName[ch.Name] = ch.ID
	}

	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("channel %q not found", name)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// PostMessage posts text to a room.
func (c *RESTClient) PostMessage(ctx context.Context, roomID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": roomID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/chat.postMessage", strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("failed to build post request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}

	return nil
}

// WebsocketURL returns the realtime API endpoint for this server.
func (c *RESTClient) WebsocketURL() string {
	ws := strings.Replace(c.baseURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return ws + "/websocket"
}

func (c *RESTClient) authorize(req *http.Request) {
	req.Header.Set("X-Auth-Token", c.authToken)
	req.Header.Set("X-User-Id", c.userID)
}

func (c *RESTClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
