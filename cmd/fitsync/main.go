package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fitpulse/fitsync/internal/app"
	"github.com/fitpulse/fitsync/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	cliApp := &cli.App{
		Name:  "fitsync",
		Usage: "Offline-first sync for fitpulse fitness data",
		Description: "Fitsync queues activity, team, and profile changes locally while offline\n" +
			"and replays them to the fitpulse server when connectivity allows, detecting\n" +
			"and resolving conflicts along the way.",
		Version: Version,
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "API token overriding the configured one for this invocation",
			},
		},
		Before: func(c *cli.Context) error {
			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			if token := c.String("token"); token != "" {
				application.Client.SetToken(token)
			}

			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if application, ok := c.App.Metadata["app"].(*app.App); ok {
				return application.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.SyncCommand(),
			commands.QueueCommand(),
			commands.ResolveCommand(),
			commands.StatusCommand(),
			commands.MigrateCommand(),
		},
		Action: func(c *cli.Context) error {
			// Default action is a single sync cycle
			return commands.SyncCommand().Action(c)
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
