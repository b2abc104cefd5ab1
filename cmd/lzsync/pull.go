package main

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/checksum"
	"github.com/mkuhring/lzsync/internal/config"
	"github.com/mkuhring/lzsync/internal/grid"
	"github.com/mkuhring/lzsync/internal/transfer"
	"github.com/mkuhring/lzsync/internal/zone"
)

func newPullCmd() *cobra.Command {
	var (
		overwrite bool
		parallel  int
	)

	cmd := &cobra.Command{
		Use:   "pull DEST LOCAL",
		Short: "Download a landing zone subtree to a local directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("parallel") {
				settings.Parallel = parallel
			}

			prompter := newPrompter(settings)
			client, err := newZoneClient(settings, prompter)
			if err != nil {
				return err
			}
			mgr := zone.NewManager(client, prompter, settings.AutoConfirm)

			z, root, err := resolveDest(ctx, mgr, args[0])
			if err != nil {
				return err
			}
			log.Info().Str("zone", z.UUID).Str("path", root).Msg("resolved landing zone")

			storage, err := newStorage(ctx, settings)
			if err != nil {
				return err
			}

			listing, err := storage.List(ctx, root)
			if err != nil {
				return err
			}
			jobs := pullJobs(listing, root, args[1])
			if len(jobs) == 0 {
				return errors.Errorf("nothing to download below %s", root)
			}
			log.Info().Int("jobs", len(jobs)).Msg("download plan ready")

			engine := transfer.NewEngine(storage, checksum.NewProvider(settings.Scheme), prompter)
			total := remoteTotal(listing)
			progress, finish := newProgress(false, total)
			err = engine.Get(ctx, jobs, overwrite, settings.Parallel, progress)
			finish()
			return err
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace existing local files")
	cmd.Flags().IntVar(&parallel, "parallel", config.Defaults().Parallel, "Download worker count; 0 runs sequentially")
	return cmd
}

// pullJobs mirrors every remote object below root into localRoot,
// preserving the relative layout. Jobs come back in local path order.
func pullJobs(listing map[string][]grid.Object, root, localRoot string) []transfer.Job {
	var jobs []transfer.Job
	for _, objs := range listing {
		for _, obj := range objs {
			rel := strings.TrimPrefix(obj.Path, root)
			rel = strings.TrimPrefix(rel, "/")
			if rel == "" {
				rel = obj.Name
			}
			jobs = append(jobs, transfer.Job{
				LocalPath:  filepath.Join(localRoot, filepath.FromSlash(rel)),
				RemotePath: obj.Path,
				Bytes:      obj.Size,
			})
		}
	}
	transfer.SortJobs(jobs)
	return jobs
}

func remoteTotal(listing map[string][]grid.Object) int64 {
	var total int64
	for _, objs := range listing {
		for _, obj := range objs {
			total += obj.Size
		}
	}
	return total
}
