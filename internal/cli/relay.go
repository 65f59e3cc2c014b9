package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/subcommands"

	"github.com/initialgyw/fiddy/internal/backup"
	"github.com/initialgyw/fiddy/internal/chat"
	"github.com/initialgyw/fiddy/internal/scheduler"
	"github.com/initialgyw/fiddy/internal/server"
	"github.com/initialgyw/fiddy/internal/work"
)

// relayCmd runs the chat relay daemon: websocket relay, worker pool,
// scheduled maintenance and the status server.
type relayCmd struct {
	channels  string
	replyRoom string
}

func (*relayCmd) Name() string     { return "relay" }
func (*relayCmd) Synopsis() string { return "run the chat relay daemon" }
func (*relayCmd) Usage() string {
	return `fiddy relay [-channels a,b] [-reply-room c]

  Connects to Rocket.Chat, watches the channels for $TICKER mentions and
  replies with profile summaries. Also runs the calendar refresh, cache
  sweep and backup jobs, and serves /health and /api/status.
`
}

func (c *relayCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.channels, "channels", "", "Comma-separated channels to watch (overrides FIDDY_CHAT_CHANNELS).")
	f.StringVar(&c.replyRoom, "reply-room", "", "Channel replies are posted to (overrides FIDDY_CHAT_REPLY_ROOM).")
}

func (c *relayCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp()
	if err != nil {
		return fail(err)
	}

	channels := c.channels
	if channels == "" {
		channels = a.cfg.ChatChannels
	}
	if channels == "" {
		return fail(fmt.Errorf("no channels configured; set -channels or FIDDY_CHAT_CHANNELS"))
	}
	replyRoom := c.replyRoom
	if replyRoom == "" {
		replyRoom = a.cfg.ChatReplyroom
	}

	journal, err := work.OpenJournal(filepath.Join(a.cfg.DataDir, "journal.db"))
	if err != nil {
		return fail(err)
	}
	defer journal.Close()

	pool := work.NewPool(a.cfg.Workers, journal, a.log)

	market, err := a.tdaClient()
	if err != nil {
		return fail(err)
	}

	rest, err := chat.NewRESTClient(a.cfg.CredentialsFile, a.log)
	if err != nil {
		return fail(err)
	}

	relay, err := chat.NewRelay(chat.RelayConfig{
		Channels:  strings.Split(channels, ","),
		ReplyRoom: replyRoom,
	}, rest, market, pool, a.log)
	if err != nil {
		return fail(err)
	}

	if err := relay.Start(ctx); err != nil {
		return fail(err)
	}

	calendar, err := a.alpacaClient()
	if err != nil {
		return fail(err)
	}

	sched := scheduler.New(pool, a.log)
	if err := sched.AddJob("30 4 * * *", scheduler.NewCalendarRefreshJob(calendar, a.log)); err != nil {
		return fail(err)
	}
	if err := sched.AddJob("@every 6h", scheduler.NewCacheSweepJob(a.cfg.DataDir, journal, a.log)); err != nil {
		return fail(err)
	}

	if a.cfg.BackupBucket != "" {
		store, err := backup.NewS3Store(ctx, backup.S3Config{
			CredentialsFile: a.cfg.CredentialsFile,
			Bucket:          a.cfg.BackupBucket,
			Endpoint:        a.cfg.BackupEndpoint,
		}, a.log)
		if err != nil {
			return fail(err)
		}
		svc := backup.NewService(store, a.cfg.DataDir, a.log)
		if err := sched.AddJob("0 2 * * *", scheduler.NewBackupJob(svc, 14, a.log)); err != nil {
			return fail(err)
		}
	}

	sched.Start()

	handlers := server.NewStatusHandlers(a.cfg.DataDir, relay, pool, journal, a.log)
	srv := server.New(a.cfg.Port, handlers, a.log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fail(err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("Status server shutdown failed")
	}

	relay.Stop()
	sched.Stop()
	pool.Stop()

	return subcommands.ExitSuccess
}
