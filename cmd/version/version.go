// Package version reports the asynctcp build.
package version

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/urfave/cli/v3"
)

// Version is set at build time with -ldflags "-X ...version.Version=v1.2.3".
var Version = "dev"

// String returns the version line printed by the command. A dev build falls
// back to the module version recorded by the go tool, if there is one.
func String() string {
	v := Version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return fmt.Sprintf("asynctcp %s (%s %s/%s)", v, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the asynctcp version and Go runtime",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var w io.Writer = os.Stdout
			if cmd.Writer != nil {
				w = cmd.Writer
			}
			_, err := fmt.Fprintln(w, String())
			return err
		},
	}
}
