package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/initialgyw/fiddy/internal/domain"
	"github.com/initialgyw/fiddy/internal/work"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// MarketData supplies the quote and profile data used in replies.
// *tda.Client satisfies it.
type MarketData interface {
	GetQuotes(ctx context.Context, symbols ...string) (map[string]domain.Quote, error)
	GetProfile(ctx context.Context, symbol string) (domain.Profile, error)
	GetDailyQuotes(ctx context.Context, symbol string) ([]domain.Candle, error)
}

// Poster posts a message to a room. *RESTClient satisfies it.
type Poster interface {
	PostMessage(ctx context.Context, roomID, text string) error
}

// wsConn is the subset of *websocket.Conn the relay uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Channels to watch for ticker mentions.
	Channels []string
	// ReplyRoom is the channel replies are posted to.
	ReplyRoom string
}

// Relay subscribes to Rocket.Chat rooms over the realtime API and, for
// every $TICKER mention, submits a task that fetches the symbol's profile
// and posts a summary to the reply room.
type Relay struct {
	cfg    RelayConfig
	rest   *RESTClient
	poster Poster
	market MarketData
	pool   *work.Pool
	log    zerolog.Logger

	mu          sync.RWMutex
	conn        wsConn
	connCtx     context.Context
	connCancel  context.CancelFunc
	connected   bool
	stopped     bool
	replyRoomID string

	stopChan chan struct{}

	statsMu        sync.Mutex
	messagesSeen   int
	tickersQueued  int
	lastMessageAt  time.Time
	reconnectCount int
}

// NewRelay wires a relay from its dependencies. The pool executes the
// per-ticker lookups so a burst of mentions cannot stall the read loop.
func NewRelay(cfg RelayConfig, rest *RESTClient, market MarketData, pool *work.Pool, log zerolog.Logger) (*Relay, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	if cfg.ReplyRoom == "" {
		cfg.ReplyRoom = cfg.Channels[0]
	}

	return &Relay{
		cfg:      cfg,
		rest:     rest,
		poster:   rest,
		market:   market,
		pool:     pool,
		log:      log.With().Str("component", "chat_relay").Logger(),
		stopChan: make(chan struct{}),
	}, nil
}

// Start logs in over REST, resolves the rooms, opens the realtime
// connection and launches the read loop. It returns once connected;
// reconnection after that happens in the background.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.rest.Login(ctx); err != nil {
		return err
	}

	rooms := r.cfg.Channels
	if !contains(rooms, r.cfg.ReplyRoom) {
		rooms = append(append([]string{}, rooms...), r.cfg.ReplyRoom)
	}
	ids, err := r.rest.ChannelIDs(ctx, rooms)
	if err != nil {
		return err
	}

	roomIDs := make(map[string]string, len(rooms))
	for i, name := range rooms {
		roomIDs[name] = ids[i]
	}

	r.mu.Lock()
	r.replyRoomID = roomIDs[r.cfg.ReplyRoom]
	r.mu.Unlock()

	watchIDs := make([]string, 0, len(r.cfg.Channels))
	for _, name := range r.cfg.Channels {
		watchIDs = append(watchIDs, roomIDs[name])
	}

	if err := r.connect(watchIDs); err != nil {
		return err
	}

	r.mu.RLock()
	connCtx := r.connCtx
	r.mu.RUnlock()
	go r.readLoop(connCtx, watchIDs)

	r.log.Info().Strs("channels", r.cfg.Channels).Str("reply_room", r.cfg.ReplyRoom).Msg("Chat relay started")
	return nil
}

// Stop closes the realtime connection and stops reconnecting.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	conn := r.conn
	cancel := r.connCancel
	r.conn = nil
	r.connected = false
	r.mu.Unlock()

	close(r.stopChan)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

// Connected reports whether the realtime connection is up.
func (r *Relay) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// RelayStats is a snapshot of relay activity for the status endpoint.
type RelayStats struct {
	Connected     bool      `json:"connected"`
	MessagesSeen  int       `json:"messages_seen"`
	TickersQueued int       `json:"tickers_queued"`
	Reconnects    int       `json:"reconnects"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Stats returns relay counters.
func (r *Relay) Stats() RelayStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	return RelayStats{
		Connected:     r.Connected(),
		MessagesSeen:  r.messagesSeen,
		TickersQueued: r.tickersQueued,
		Reconnects:    r.reconnectCount,
		LastMessageAt: r.lastMessageAt,
	}
}

// connect dials the realtime endpoint, performs the handshake and
// subscribes to the rooms.
func (r *Relay) connect(roomIDs []string) error {
	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, r.rest.WebsocketURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.conn = conn
	r.connCtx = connCtx
	r.connCancel = connCancel
	r.connected = true
	r.mu.Unlock()

	if err := r.handshake(connCtx, conn, roomIDs); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		r.mu.Lock()
		r.conn = nil
		r.connected = false
		r.mu.Unlock()
		return err
	}

	return nil
}

func (r *Relay) handshake(ctx context.Context, conn wsConn, roomIDs []string) error {
	if err := r.writeJSON(ctx, conn, newConnectMessage()); err != nil {
		return fmt.Errorf("failed to send connect: %w", err)
	}
	if err := r.writeJSON(ctx, conn, newLoginMessage(r.rest.username, r.rest.password)); err != nil {
		return fmt.Errorf("failed to send realtime login: %w", err)
	}
	for _, id := range roomIDs {
		if err := r.writeJSON(ctx, conn, newSubscribeMessage(id)); err != nil {
			return fmt.Errorf("failed to subscribe to room %s: %w", id, err)
		}
		r.log.Debug().Str("room", id).Msg("Subscribed to room")
	}
	return nil
}

func (r *Relay) writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (r *Relay) readLoop(ctx context.Context, roomIDs []string) {
	defer func() {
		r.mu.Lock()
		stopped := r.stopped
		r.connected = false
		r.mu.Unlock()
		if !stopped {
			go r.reconnectLoop(roomIDs)
		}
	}()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error().Err(err).Msg("Realtime read failed")
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		if err := r.handleFrame(ctx, conn, data); err != nil {
			r.log.Error().Err(err).Str("frame", string(data)).Msg("Failed to handle frame")
		}
	}
}

// handleFrame answers pings and turns room messages into ticker lookups.
func (r *Relay) handleFrame(ctx context.Context, conn wsConn, data []byte) error {
	msg, err := parseServerMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse frame: %w", err)
	}

	switch {
	case msg.Msg == "ping":
		return r.writeJSON(ctx, conn, pongMessage{Msg: "pong"})

	case msg.Msg == "changed" && msg.Collection == streamRoomMessages:
		for _, arg := range msg.Fields.Args {
			r.handleRoomMessage(arg.Msg, arg.User.Username)
		}
	}

	return nil
}

func (r *Relay) handleRoomMessage(text, username string) {
	r.statsMu.Lock()
	r.messagesSeen++
	r.lastMessageAt = time.Now()
	r.statsMu.Unlock()

	tickers := ExtractTickers(text)
	if len(tickers) == 0 {
		return
	}

	r.log.Debug().Strs("tickers", tickers).Str("from", username).Msg("Ticker mentions found")

	r.mu.RLock()
	replyRoomID := r.replyRoomID
	r.mu.RUnlock()

	for _, ticker := range tickers {
		ticker := ticker
		err := r.pool.Submit(work.Task{
			Name: "chat_profile:" + ticker,
			Run: func(ctx context.Context) error {
				return r.replyWithProfile(ctx, ticker, replyRoomID)
			},
		})
		if err != nil {
			r.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to queue ticker lookup")
			continue
		}

		r.statsMu.Lock()
		r.tickersQueued++
		r.statsMu.Unlock()
	}
}

// replyWithProfile fetches the symbol's data and posts the summary.
func (r *Relay) replyWithProfile(ctx context.Context, ticker, roomID string) error {
	text, err := r.composeProfileMessage(ctx, ticker)
	if err != nil {
		return err
	}
	return r.poster.PostMessage(ctx, roomID, text)
}

func (r *Relay) reconnectLoop(roomIDs []string) {
	attempt := 0
	for {
		select {
		case <-r.stopChan:
			return
		default:
		}

		attempt++
		delay := backoffDelay(attempt)
		r.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to chat")

		select {
		case <-time.After(delay):
		case <-r.stopChan:
			return
		}

		if err := r.connect(roomIDs); err != nil {
			r.log.Error().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			continue
		}

		r.statsMu.Lock()
		r.reconnectCount++
		r.statsMu.Unlock()

		r.mu.RLock()
		ctx := r.connCtx
		r.mu.RUnlock()
		go r.readLoop(ctx, roomIDs)
		return
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
