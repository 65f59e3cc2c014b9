// Package cli implements the fiddy subcommands.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"github.com/rs/zerolog"

	"github.com/initialgyw/fiddy/internal/clients/alpaca"
	"github.com/initialgyw/fiddy/internal/clients/tda"
	"github.com/initialgyw/fiddy/internal/config"
	"github.com/initialgyw/fiddy/internal/credentials"
	"github.com/initialgyw/fiddy/pkg/logger"
)

// Commands lists every fiddy subcommand for registration in main.
var Commands = []subcommands.Command{
	&calendarCmd{},
	&quoteCmd{},
	&profileCmd{},
	&dailyCmd{},
	&minutesCmd{},
	&levelsCmd{},
	&relayCmd{},
	&backupCmd{},
	&rhTokenCmd{},
}

// app carries the pieces every command needs.
type app struct {
	cfg *config.Config
	log zerolog.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
		File:   cfg.LogFile,
	})

	return &app{cfg: cfg, log: log}, nil
}

// alpacaClient builds the calendar client from the alpaca_paper section.
func (a *app) alpacaClient() (*alpaca.Client, error) {
	creds, err := credentials.LoadSection(a.cfg.CredentialsFile, alpaca.CredentialsSection)
	if err != nil {
		return nil, err
	}
	return alpaca.NewClient(creds, a.cfg.DataDir, a.log)
}

// tdaClient builds the market data client. Missing or expired tokens fall
// back to an interactive browser authorization.
func (a *app) tdaClient() (*tda.Client, error) {
	calendar, err := a.alpacaClient()
	if err != nil {
		return nil, err
	}

	tokens, err := tda.NewTokenSource(tda.TokenConfig{
		CredentialsFile: a.cfg.CredentialsFile,
	}, a.log)
	if err != nil {
		return nil, err
	}
	tokens.SetCodeRetriever(promptForCode(tokens))

	return tda.NewClient(tokens, calendar, a.cfg.DataDir, a.log), nil
}

// promptForCode walks the user through the browser OAuth flow and reads
// the authorization code from stdin.
func promptForCode(tokens *tda.TokenSource) tda.CodeRetriever {
	return func(ctx context.Context) (string, error) {
		fmt.Printf("Authorize fiddy in your browser:\n\n  %s\n\nPaste the authorization code: ", tokens.AuthorizeURL())

		reader := bufio.NewReader(os.Stdin)
		code, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read authorization code: %w", err)
		}

		code = strings.TrimSpace(code)
		if code == "" {
			return "", fmt.Errorf("empty authorization code")
		}
		return code, nil
	}
}

// fail prints the error and maps it to an exit status.
func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, "Error:", err)
	return subcommands.ExitFailure
}
