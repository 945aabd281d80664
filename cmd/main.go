package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"dominicbreuker/asynctcp/cmd/connect"
	"dominicbreuker/asynctcp/cmd/keygen"
	"dominicbreuker/asynctcp/cmd/listen"
	"dominicbreuker/asynctcp/cmd/shared"
	"dominicbreuker/asynctcp/cmd/version"
	"dominicbreuker/asynctcp/pkg/log"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shared.SetupSignalHandling(cancel)

	if err := newRoot().Run(ctx, os.Args); err != nil {
		log.ErrorMsg("%s\n", err)
		os.Exit(1)
	}
}

func newRoot() *cli.Command {
	return &cli.Command{
		Name:  "asynctcp",
		Usage: "echo server and client on an event-driven TCP layer",
		Commands: []*cli.Command{
			connect.GetCommand(),
			listen.GetCommand(),
			keygen.GetCommand(),
			version.GetCommand(),
		},
	}
}
