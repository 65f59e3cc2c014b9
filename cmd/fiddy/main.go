// Command fiddy is a personal market data and chat relay toolkit.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"

	"github.com/initialgyw/fiddy/internal/cli"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")
	for _, cmd := range cli.Commands {
		commander.Register(cmd, "")
	}

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
