// Command gosync drives the staged-sync pipeline of spec §4.4 from one of
// two subcommands, per spec §6's CLI surface: urfave/cli/v2 is the same
// framework cmd/geth and cmd/utils build on, and SPEC_FULL.md's ambient
// stack names it explicitly for this module too.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"
)

var (
	chainFlag = &cli.StringFlag{
		Name:  "chain",
		Usage: "Name of the chain to sync (mainnet, sepolia, holesky)",
		Value: "mainnet",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to a TOML config file overlaying the chain's defaults",
	}
	dbFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "Path to the node's database directory",
		Value: "gosync-data",
	}
)

func main() {
	app := &cli.App{
		Name:  "gosync",
		Usage: "a staged execution-layer sync node",
		Commands: []*cli.Command{
			nodeCommand,
			importCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stderr, false)))
}
