package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/fitpulse/fitsync/internal/app"
	"github.com/fitpulse/fitsync/internal/utils"
)

// ResolveCommand returns the CLI command for settling parked conflicts
func ResolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve a conflicted mutation",
		ArgsUsage: "<mutation-id>",
		Description: "Settles a conflict by keeping either the local change or the server's version.\n" +
			"Keeping local requeues the mutation rebased on the server's current state;\n" +
			"keeping remote discards the local change and refreshes the cached copy.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "choice",
				Usage:    "Which version wins: local or remote",
				Required: true,
			},
		},
		Action: resolveAction,
	}
}

func resolveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one mutation ID, got %d arguments", c.NArg())
	}

	id := c.Args().First()
	choice := c.String("choice")

	if err := application.Engine.ResolveManually(c.Context, id, choice); err != nil {
		utils.PrintError(fmt.Sprintf("Failed to resolve %s: %s", id, err))
		return err
	}

	switch choice {
	case "local":
		utils.PrintSuccess(fmt.Sprintf("Kept local version of %s; it will replay on the next sync", id))
	case "remote":
		utils.PrintSuccess(fmt.Sprintf("Kept remote version; local change %s discarded", id))
	}
	return nil
}
