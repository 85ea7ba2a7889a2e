package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/pricefeed-oracle/orchestrator/cli/server"
	"github.com/pricefeed-oracle/orchestrator/pkg/config"
	"github.com/urfave/cli"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "Orchestrator\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates an orchestrator instance of [cli.App] with all commands included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "orchestrator"
	ctl.Version = config.Version
	ctl.Usage = "Price feed oracle cluster orchestrator"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, server.NewCommands()...)
	return ctl
}
