package main

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/config"
	"github.com/urfave/cli/v2"
)

var version = "dev"

var (
	cfg *config.Config
	// cleanup releases what the command opened, payment commands replace it
	// with the application service shutdown.
	cleanup = func() {}
)

func main() {
	app := cli.NewApp()

	app.Version = version
	app.Name = "electrumctl"
	app.Usage = "Inspect the electrum servers and payments of a tuxpay instance"
	app.Flags = []cli.Flag{assetFlag, verboseFlag}
	app.Commands = append(
		app.Commands,
		serversCommand,
		heightCommand,
		feeCommand,
		historyCommand,
		txCommand,
		broadcastCommand,
		paymentCommand,
	)

	app.Before = func(ctx *cli.Context) error {
		log.SetLevel(log.WarnLevel)
		if ctx.Bool(verboseFlag.Name) {
			log.SetLevel(log.DebugLevel)
		}

		c, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if err := c.Validate(); err != nil {
			return err
		}
		cfg = c
		cleanup = c.RepoManager().Close
		return nil
	}
	app.After = func(ctx *cli.Context) error {
		cleanup()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

func printJSON(resp interface{}) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}
