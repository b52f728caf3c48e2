package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fitpulse/fitsync/internal/app"
	"github.com/fitpulse/fitsync/internal/engine"
	"github.com/fitpulse/fitsync/internal/scheduler"
	"github.com/fitpulse/fitsync/internal/utils"
)

// SyncCommand returns the CLI command for pushing queued mutations to the server
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Push queued changes to the fitpulse server",
		Description: "Runs one sync cycle immediately. With --watch, keeps running and syncs on a network-adaptive schedule until interrupted.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "Keep running and sync periodically",
				Value:   false,
			},
			&cli.StringFlag{
				Name:  "quality",
				Usage: "Assumed network quality for --watch (good, fair, poor)",
				Value: "good",
			},
		},
		Action: syncAction,
	}
}

func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if c.Bool("watch") {
		return watchAction(c, application)
	}

	utils.PrintInfo("Starting sync...")

	result, err := application.Engine.ForceSync(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", err))
		return err
	}

	printSyncResult(result)
	return nil
}

func watchAction(c *cli.Context, application *app.App) error {
	quality := scheduler.Quality(c.String("quality"))
	switch quality {
	case scheduler.QualityGood, scheduler.QualityFair, scheduler.QualityPoor:
	default:
		return fmt.Errorf("unknown network quality %q", quality)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application.Scheduler.SetConnectivity(scheduler.ConnState{Online: true, Quality: quality})

	utils.PrintInfo(fmt.Sprintf("Watching for changes (quality: %s). Press Ctrl+C to stop.", quality))

	// Drain whatever is queued before settling into the periodic cadence.
	if result, err := application.Engine.ForceSync(ctx); err == nil {
		printSyncResult(result)
	} else if !errors.Is(err, engine.ErrSyncInProgress) {
		utils.PrintWarning(fmt.Sprintf("Initial sync failed: %s", err))
	}

	application.Scheduler.Run(ctx)

	utils.PrintInfo("Stopped watching")
	return nil
}

func printSyncResult(result *engine.SyncResult) {
	if result.Synced == 0 && result.Failed == 0 && result.Conflicts == 0 {
		utils.PrintSuccess("Nothing to sync")
		return
	}

	utils.PrintSuccess(fmt.Sprintf("Synced %d, failed %d, conflicts %d (%s)",
		result.Synced, result.Failed, result.Conflicts, result.Duration.Round(time.Millisecond)))

	for _, itemErr := range result.Errors {
		label := "will retry"
		if itemErr.Terminal {
			label = "terminal"
		}
		utils.PrintWarning(fmt.Sprintf("%s %s/%s: %s (%s)",
			itemErr.MutationID, itemErr.EntityType, itemErr.EntityID,
			utils.Truncate(itemErr.Message, 80), label))
	}

	if result.Conflicts > 0 {
		utils.PrintInfo("Run 'fitsync status' to inspect conflicts, then 'fitsync resolve <id> --choice local|remote'")
	}
}
