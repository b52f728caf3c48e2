package commands

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fitpulse/fitsync/internal/app"
	"github.com/fitpulse/fitsync/internal/store"
	"github.com/fitpulse/fitsync/internal/utils"
)

// StatusCommand returns the CLI command for the sync status surface
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show queue depths, conflicts, and recent sync activity",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "logs",
				Usage: "Number of recent sync cycles to show",
				Value: 5,
			},
			&cli.BoolFlag{
				Name:  "remote",
				Usage: "Also check server reachability and token validity",
			},
		},
		Action: statusAction,
	}
}

func statusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	status, err := application.Engine.Status(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to read status: %s", err))
		return err
	}

	utils.PrintHeading("Sync Status")
	if status.IsSyncing {
		utils.PrintKeyValue("State", "syncing")
	} else {
		utils.PrintKeyValue("State", "idle")
	}
	lastSync := "never"
	if status.LastSyncAt != nil {
		lastSync = utils.FormatRelativeTime(*status.LastSyncAt)
	}
	utils.PrintKeyValue("Last sync", lastSync)
	network := "offline"
	if status.Online {
		network = status.NetworkQuality
	}
	utils.PrintKeyValue("Network", network)
	utils.PrintKeyValue("Pending", fmt.Sprintf("%d", status.Pending))
	utils.PrintKeyValue("Failed", fmt.Sprintf("%d", status.Failed))
	utils.PrintKeyValue("Conflicts", fmt.Sprintf("%d", status.Conflicts))

	if c.Bool("remote") {
		valid, err := application.Client.VerifyToken(c.Context)
		switch {
		case err != nil:
			utils.PrintWarning(fmt.Sprintf("Server unreachable: %s", err))
		case !valid:
			utils.PrintWarning("Server reachable but the API token was rejected")
		default:
			utils.PrintKeyValue("Server", "reachable, token valid")
		}
	}

	if status.Conflicts > 0 {
		if err := printConflicts(c, application); err != nil {
			return err
		}
	}

	return printRecentLogs(c, application, c.Int("logs"))
}

func printConflicts(c *cli.Context, application *app.App) error {
	mutations, err := application.Store.ListMutations(c.Context)
	if err != nil {
		return err
	}

	rows := [][]string{}
	for _, m := range mutations {
		if m.Status != store.StatusConflict {
			continue
		}
		detected := ""
		if m.Conflict != nil {
			detected = utils.FormatRelativeTime(m.Conflict.DetectedAt)
		}
		rows = append(rows, []string{
			m.ID,
			string(m.EntityType),
			m.EntityID,
			detected,
		})
	}

	if len(rows) == 0 {
		return nil
	}

	fmt.Println()
	utils.PrintTable(
		[]string{"ID", "Type", "Entity", "Detected"},
		rows,
		utils.TableOptions{Title: "Unresolved Conflicts"},
	)
	return nil
}

func printRecentLogs(c *cli.Context, application *app.App, limit int) error {
	logs, err := application.Store.ListSyncLogs(c.Context, limit)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to read sync logs: %s", err))
		return err
	}

	if len(logs) == 0 {
		return nil
	}

	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []string{
			string(l.Trigger),
			fmt.Sprintf("%d", l.SyncedCount),
			fmt.Sprintf("%d", l.FailedCount),
			fmt.Sprintf("%d", l.ConflictCount),
			l.CompletedAt.Sub(l.StartedAt).Round(time.Millisecond).String(),
			utils.FormatRelativeTime(l.StartedAt),
			utils.Truncate(l.ErrorMessage, 40),
		})
	}

	fmt.Println()
	utils.PrintTable(
		[]string{"Trigger", "Synced", "Failed", "Conflicts", "Duration", "When", "Errors"},
		rows,
		utils.TableOptions{Title: "Recent Sync Cycles"},
	)
	return nil
}
