package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Realtime API messages. Rocket.Chat speaks DDP: a connect handshake,
// a method call to log in, subscriptions, and periodic pings that must
// be answered with a pong.

const streamRoomMessages = "stream-room-messages"

type connectMessage struct {
	Msg     string   `json:"msg"`
	Version string   `json:"version"`
	Support []string `json:"support"`
}

func newConnectMessage() connectMessage {
	return connectMessage{Msg: "connect", Version: "1", Support: []string{"1"}}
}

type loginMessage struct {
	Msg    string       `json:"msg"`
	Method string       `json:"method"`
	ID     string       `json:"id"`
	Params []loginParam `json:"params"`
}

type loginParam struct {
	User     loginUser     `json:"user"`
	Password loginPassword `json:"password"`
}

type loginUser struct {
	Username string `json:"username"`
}

type loginPassword struct {
	Digest    string `json:"digest"`
	Algorithm string `json:"algorithm"`
}

// newLoginMessage builds the realtime login call. The server expects the
// password as a sha-256 hex digest, not plaintext.
func newLoginMessage(username, password string) loginMessage {
	digest := sha256.Sum256([]byte(password))

	return loginMessage{
		Msg:    "method",
		Method: "login",
		ID:     uuid.NewString(),
		Params: []loginParam{{
			User:     loginUser{Username: username},
			Password: loginPassword{Digest: hex.EncodeToString(digest[:]), Algorithm: "sha-256"},
		}},
	}
}

type subscribeMessage struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params"`
}

func newSubscribeMessage(roomID string) subscribeMessage {
	return subscribeMessage{
		Msg:    "sub",
		ID:     uuid.NewString(),
		Name:   streamRoomMessages,
		Params: []any{roomID, false},
	}
}

type pongMessage struct {
	Msg string `json:"msg"`
}

// serverMessage covers the incoming frames the relay cares about: pings
// and room-message stream events.
type serverMessage struct {
	Msg        string `json:"msg"`
	Collection string `json:"collection"`
	Fields     struct {
		Args []struct {
			Msg    string `json:"msg"`
			RoomID string `json:"rid"`
			User   struct {
				Username string `json:"username"`
			} `json:"u"`
		} `json:"args"`
	} `json:"fields"`
}

func parseServerMessage(data []byte) (serverMessage, error) {
	var m serverMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// tickerPattern matches a $-prefixed symbol: the $ followed by letters,
// not digits, so dollar amounts like $40 are ignored.
var tickerPattern = regexp.MustCompile(`^\$(\D+)$`)

// ExtractTickers pulls the unique $TICKER mentions out of a message,
// uppercased, in order of first appearance.
func ExtractTickers(text string) []string {
	var tickers []string
	seen := map[string]bool{}

	for _, word := range strings.Fields(text) {
		m := tickerPattern.FindStringSubmatch(word)
		if m == nil {
			continue
		}

		ticker := strings.ToUpper(strings.Trim(m[1], ".,!?"))
		if ticker == "" || seen[ticker] {
			continue
		}
		seen[ticker] = true
		tickers = append(tickers, ticker)
	}

	return tickers
}
