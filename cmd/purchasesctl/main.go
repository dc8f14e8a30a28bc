// Command purchasesctl inspects and syncs a user's purchases from a
// terminal, using the same SDK an app embeds.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"github.com/mihaimyh/gopurchases/cmd/purchasesctl/configuration"
)

type metadata struct {
	config  *configuration.Configuration
	verbose bool
	e       io.Writer
	w       io.Writer
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	app := newApp()
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "purchasesctl"
	app.Usage = "inspect and sync in-app purchases"
	app.Version = version
	app.HideVersion = true

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "purchasesctl.yaml",
			Usage: " configuration `FILE`",
		},
		cli.StringFlag{
			Name:  "env, e",
			Value: ".env",
			Usage: " dotenv `FILE` loaded before the configuration",
		},
		cli.StringFlag{
			Name:  "user, u",
			Value: "",
			Usage: " act as app user `ID` [default: configured or cached user]",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " log SDK activity to stderr",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "customer-info",
			Usage: "print the user's customer info",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "policy, p",
					Value: "CACHED_OR_FETCHED",
					Usage: " cache fetch `POLICY` [CACHE_ONLY|FETCH_CURRENT|CACHED_OR_FETCHED|NOT_STALE_CACHED_OR_CURRENT]",
				},
			},
			Action: runCustomerInfo,
		},
		{
			Name:   "sync",
			Usage:  "post the user's purchase history to the backend",
			Action: runSync,
		},
		{
			Name:   "restore",
			Usage:  "restore the user's purchases",
			Action: runRestore,
		},
		{
			Name:      "log-in",
			Usage:     "switch to an identified app user",
			ArgsUsage: "APP_USER_ID",
			Action:    runLogIn,
		},
		{
			Name:  "version",
			Usage: "display purchasesctl version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", version)
				return nil
			},
		},
	}

	// read the configuration
	app.Before = func(c *cli.Context) error {
		if c.Args().Get(0) == "version" {
			return nil
		}

		verbose := c.GlobalBool("verbose")
		envFile := c.GlobalString("env")
		if err := godotenv.Load(envFile); err != nil && verbose {
			fmt.Fprintf(c.App.ErrWriter, "no dotenv file loaded: %s\n", envFile)
		}

		file := c.GlobalString("config")
		if verbose {
			fmt.Fprintf(c.App.ErrWriter, "reading config file: %s\n", file)
		}
		config, err := configuration.Load(file)
		if err != nil {
			return err
		}
		config.ApplyEnv(os.Getenv)
		if user := c.GlobalString("user"); user != "" {
			config.AppUserID = user
		}
		if err := config.Validate(); err != nil {
			return err
		}

		c.App.Metadata["config"] = &metadata{
			config:  config,
			verbose: verbose,
			e:       c.App.ErrWriter,
			w:       c.App.Writer,
		}
		return nil
	}
	return app
}
