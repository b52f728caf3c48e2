package commands

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/fitpulse/fitsync/internal/app"
	"github.com/fitpulse/fitsync/internal/store"
	"github.com/fitpulse/fitsync/internal/utils"
)

// QueueCommand returns the CLI command for inspecting and seeding the mutation queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "Inspect and manage the offline mutation queue",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List queued mutations",
				Action: queueListAction,
			},
			{
				Name:  "add",
				Usage: "Queue a mutation by hand",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "type",
						Usage:    "Entity type (activity, team, profile)",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "entity",
						Usage:    "Entity ID the mutation targets",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "payload",
						Usage:    "JSON payload of the mutation",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "base-checksum",
						Usage: "Server checksum the edit was based on (omit for creates)",
					},
				},
				Action: queueAddAction,
			},
			{
				Name:  "remove",
				Usage: "Remove a queued mutation",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Mutation ID to remove",
						Required: true,
					},
				},
				Action: queueRemoveAction,
			},
		},
	}
}

func queueListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	mutations, err := application.Store.ListMutations(c.Context)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to list mutations: %s", err))
		return err
	}

	if len(mutations) == 0 {
		utils.PrintInfo("Queue is empty")
		return nil
	}

	rows := make([][]string, 0, len(mutations))
	for _, m := range mutations {
		rows = append(rows, []string{
			m.ID,
			string(m.EntityType),
			m.EntityID,
			m.Priority.String(),
			string(m.Status),
			fmt.Sprintf("%d", m.AttemptCount),
			utils.FormatRelativeTime(m.CreatedAt),
			utils.Truncate(m.LastError, 40),
		})
	}

	utils.PrintTable(
		[]string{"ID", "Type", "Entity", "Priority", "Status", "Attempts", "Queued", "Last Error"},
		rows,
		utils.TableOptions{Title: "Mutation Queue"},
	)
	return nil
}

func queueAddAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	payload := json.RawMessage(c.String("payload"))

	m, err := application.Engine.Enqueue(
		c.Context,
		store.EntityType(c.String("type")),
		c.String("entity"),
		payload,
		c.String("base-checksum"),
	)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to queue mutation: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Queued %s (%s priority)", m.ID, m.Priority))
	return nil
}

func queueRemoveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.String("id")
	if _, err := application.Store.GetMutation(c.Context, id); err != nil {
		utils.PrintError(fmt.Sprintf("Mutation not found: %s", id))
		return err
	}

	if err := application.Store.DeleteMutation(c.Context, id); err != nil {
		utils.PrintError(fmt.Sprintf("Failed to remove mutation: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Removed %s", id))
	return nil
}
