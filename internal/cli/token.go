package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/initialgyw/fiddy/internal/clients/robinhood"
)

// rhTokenCmd obtains a Robinhood access token, refreshing through the
// password+TOTP grant when the cached one has expired.
type rhTokenCmd struct {
	noCache bool
}

func (*rhTokenCmd) Name() string     { return "rh-token" }
func (*rhTokenCmd) Synopsis() string { return "print a valid Robinhood access token" }
func (*rhTokenCmd) Usage() string {
	return `fiddy rh-token [-no-cache]

  Prints a Robinhood access token, requesting a fresh one when the
  cached token has expired. Credentials come from the Robinhood section
  of the credentials file.
`
}

func (c *rhTokenCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.noCache, "no-cache", false, "Request a fresh token even if a cached one is still valid.")
}

func (c *rhTokenCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := newApp()
	if err != nil {
		return fail(err)
	}

	auth, err := robinhood.NewAuth(robinhood.AuthConfig{
		CredentialsFile: a.cfg.CredentialsFile,
		NoCache:         c.noCache,
	}, a.log)
	if err != nil {
		return fail(err)
	}

	token, err := auth.AccessToken(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Println(token)

	return subcommands.ExitSuccess
}
