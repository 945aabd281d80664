// Package keygen implements the keygen command, which writes a static key
// pair for secure connections.
package keygen

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"dominicbreuker/asynctcp/pkg/config"
	"dominicbreuker/asynctcp/pkg/entrypoint"
	"dominicbreuker/asynctcp/pkg/log"
)

const (
	outFlag        = "out"
	passphraseFlag = "passphrase"
	seedFlag       = "seed"
	forceFlag      = "force"
	verboseFlag    = "verbose"
)

// GetCommand returns the CLI command generating key pairs.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a key pair for --secure",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			kCfg := &config.Keygen{
				Out:        cmd.String(outFlag),
				Passphrase: cmd.String(passphraseFlag),
				Seed:       cmd.String(seedFlag),
				Force:      cmd.Bool(forceFlag),
			}

			if errors := config.Validate(kCfg); len(errors) > 0 {
				log.ErrorMsg("Argument validation errors:\n")
				for _, err := range errors {
					log.ErrorMsg(" - %s\n", err)
				}
				return fmt.Errorf("exiting")
			}

			return entrypoint.Keygen(kCfg, log.NewLogger(cmd.Bool(verboseFlag)))
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    outFlag,
				Aliases: []string{"o"},
				Usage:   "Path prefix, writes <out>.key and <out>.pub",
				Value:   "asynctcp",
			},
			&cli.StringFlag{
				Name:  passphraseFlag,
				Usage: "Encrypt the private key with this passphrase",
			},
			&cli.StringFlag{
				Name:  seedFlag,
				Usage: "Derive the key from this seed instead of randomness",
			},
			&cli.BoolFlag{
				Name:    forceFlag,
				Aliases: []string{"f"},
				Usage:   "Overwrite existing files",
			},
			&cli.BoolFlag{
				Name:    verboseFlag,
				Aliases: []string{"v"},
				Usage:   "Print the public key",
			},
		},
	}
}
