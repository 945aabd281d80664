// Package listen implements the listen command, which runs an echo server
// on the async TCP layer.
package listen

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"dominicbreuker/asynctcp/cmd/shared"
	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/entrypoint"
	"dominicbreuker/asynctcp/pkg/log"
)

// GetCommand returns the CLI command for listen mode.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "listen",
		Usage:       "Run an echo server",
		Description: shared.GetBaseDescription(),
		ArgsUsage:   shared.GetArgsUsage(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args()
			if args.Len() != 1 {
				return fmt.Errorf("must provide exactly one argument, got %d (%s)", args.Len(), strings.Join(args.Slice(), ", "))
			}

			proto, host, port, err := shared.ParseTransport(args.Get(0))
			if err != nil {
				return fmt.Errorf("parsing transport: %s", err)
			}

			cfg := shared.NewConfig(cmd, proto, host, port)
			lCfg := &config.Listen{
				MaxPending: int(cmd.Int(shared.MaxPendingFlag)),
				Metrics:    cmd.String(shared.MetricsFlag),
			}

			if errors := config.Validate(cfg, lCfg); len(errors) > 0 {
				log.ErrorMsg("Argument validation errors:\n")
				for _, err := range errors {
					log.ErrorMsg(" - %s\n", err)
				}
				return fmt.Errorf("exiting")
			}

			return entrypoint.Listen(ctx, cfg, lCfg)
		},
		Flags: getFlags(),
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{}

	flags = append(flags, shared.GetCommonFlags()...)
	flags = append(flags, shared.GetListenFlags()...)

	return flags
}
