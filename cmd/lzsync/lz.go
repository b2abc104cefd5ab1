package main

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mkuhring/lzsync/internal/console"
	"github.com/mkuhring/lzsync/internal/sodar"
	"github.com/mkuhring/lzsync/internal/zone"
)

func newLZCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lz",
		Short: "Inspect and drive the landing zone lifecycle",
	}
	cmd.AddCommand(newLZListCmd(), newLZCreateCmd(), newLZValidateCmd(), newLZMoveCmd())
	return cmd
}

// lzDeps builds the client and manager the lz verbs share.
func lzDeps() (*sodar.Client, *zone.Manager, console.Prompter, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, nil, nil, err
	}
	prompter := newPrompter(settings)
	client, err := newZoneClient(settings, prompter)
	if err != nil {
		return nil, nil, nil, err
	}
	return client, zone.NewManager(client, prompter, settings.AutoConfirm), prompter, nil
}

func newLZListCmd() *cobra.Command {
	var statuses []string

	cmd := &cobra.Command{
		Use:   "list PROJECT_UUID",
		Short: "List the landing zones of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, _, err := lzDeps()
			if err != nil {
				return err
			}
			states := make([]sodar.ZoneStatus, len(statuses))
			for i, s := range statuses {
				states[i] = sodar.ZoneStatus(s)
			}
			zones, err := mgr.List(cmd.Context(), args[0], states...)
			if err != nil {
				return err
			}
			rows := pterm.TableData{{"UUID", "Title", "Status", "Modified"}}
			for _, z := range zones {
				rows = append(rows, []string{
					z.UUID, z.Title, string(z.Status), z.DateModified.Format(time.RFC3339),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}

	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show zones in these states (multiple allowed)")
	return cmd
}

func newLZCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create PROJECT_UUID",
		Short: "Create a landing zone and wait until it is active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, mgr, _, err := lzDeps()
			if err != nil {
				return err
			}
			z, err := mgr.Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Landing zone %s is active at %s", z.UUID, z.RootPath)
			return nil
		},
	}
}

func newLZValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate ZONE_UUID",
		Short: "Request validation of an uploaded landing zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitLifecycle(cmd.Context(), args[0], "validation",
				func(ctx context.Context, mgr *zone.Manager, z *sodar.LandingZone) (string, error) {
					return mgr.Validate(ctx, z)
				})
		},
	}
}

func newLZMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move ZONE_UUID",
		Short: "Request moving a validated zone into permanent storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitLifecycle(cmd.Context(), args[0], "move",
				func(ctx context.Context, mgr *zone.Manager, z *sodar.LandingZone) (string, error) {
					return mgr.Move(ctx, z)
				})
		},
	}
}

func submitLifecycle(ctx context.Context, zoneUUID, action string, submit func(context.Context, *zone.Manager, *sodar.LandingZone) (string, error)) error {
	client, mgr, _, err := lzDeps()
	if err != nil {
		return err
	}
	z, err := client.RetrieveZone(ctx, zoneUUID)
	if err != nil {
		return err
	}
	ack, err := submit(ctx, mgr, z)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("zone", ack).Msgf("%s requested", action)
	return nil
}
