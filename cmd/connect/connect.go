// Package connect implements the connect command, which pipes stdin and
// stdout through a connection of the async TCP layer.
package connect

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

// GetCommand returns the CLI command for connect mode.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:        "connect",
		Usage:       "Connect to a remote host",
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
			if host == "" {
				return fmt.Errorf("parsing transport: %s: specify a host", args.Get(0))
			}

			cfg := shared.NewConfig(cmd, proto, host, port)
			cCfg := &config.Connect{
				Hold: cmd.Bool(shared.HoldFlag),
				Raw:  cmd.Bool(shared.RawFlag),
			}

			if errors := config.Validate(cfg, cCfg); len(errors) > 0 {
				log.ErrorMsg("Argument validation errors:\n")
				for _, err := range errors {
					log.ErrorMsg(" - %s\n", err)
				}
				return fmt.Errorf("exiting")
			}

			return entrypoint.Connect(ctx, cfg, cCfg)
		},
		Flags: getFlags(),
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{}

	flags = append(flags, shared.GetCommonFlags()...)
	flags = append(flags, shared.GetConnectFlags()...)

	return flags
}
