package main

import (
	"sync"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mkuhring/lzsync/internal/checksum"
	"github.com/mkuhring/lzsync/internal/config"
	"github.com/mkuhring/lzsync/internal/transfer"
	"github.com/mkuhring/lzsync/internal/zone"
)

func newIngestCmd() *cobra.Command {
	var (
		overwrite       string
		syncMode        bool
		dryRun          bool
		parallel        int
		checksumJobs    int
		excludes        []string
		validateAndMove bool
	)

	cmd := &cobra.Command{
		Use:   "ingest SOURCE... DEST",
		Short: "Upload files and their checksum sidecars into a landing zone",
		Long: `ingest expands the given sources into upload jobs, writes any missing
sidecar checksum files, and uploads everything into the landing zone
resolved from DEST. DEST may be a remote path, a landing zone UUID or
a project UUID.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			settings.DryRun = dryRun
			if cmd.Flags().Changed("parallel") {
				settings.Parallel = parallel
			}
			if cmd.Flags().Changed("parallel-checksum-jobs") {
				settings.ChecksumJobs = checksumJobs
			}
			if syncMode {
				settings.Overwrite = config.OverwriteSync
			} else if overwrite != "" {
				settings.Overwrite, err = config.ParseOverwritePolicy(overwrite)
				if err != nil {
					return err
				}
			}

			prompter := newPrompter(settings)
			client, err := newZoneClient(settings, prompter)
			if err != nil {
				return err
			}
			mgr := zone.NewManager(client, prompter, settings.AutoConfirm)

			sources, destRaw := args[:len(args)-1], args[len(args)-1]
			z, destRoot, err := resolveDest(ctx, mgr, destRaw)
			if err != nil {
				return err
			}
			log.Info().Str("zone", z.UUID).Str("path", destRoot).Msg("resolved landing zone")

			storage, err := newStorage(ctx, settings)
			if err != nil {
				return err
			}
			provider := checksum.NewProvider(settings.Scheme)
			engine := transfer.NewEngine(storage, provider, prompter)

			jobs, err := engine.BuildJobs(sources, destRoot, excludes)
			if err != nil {
				return err
			}
			jobs, err = engine.FixMissingSidecars(ctx, jobs, settings.ChecksumJobs)
			if err != nil {
				return err
			}
			log.Info().Int("jobs", len(jobs)).Int64("bytes", transfer.TotalBytes(jobs)).Msg("transfer plan ready")

			progress, finish := newProgress(settings.DryRun, transfer.TotalBytes(jobs))
			err = engine.Put(ctx, jobs, transfer.PutOptions{
				Overwrite: settings.Overwrite,
				DryRun:    settings.DryRun,
				Parallel:  settings.Parallel,
				Progress:  progress,
			})
			finish()
			if err != nil {
				return err
			}
			if settings.DryRun {
				return nil
			}
			engine.Chksum(ctx, jobs)

			if validateAndMove {
				ack, err := mgr.Move(ctx, z)
				if err != nil {
					return err
				}
				log.Info().Str("zone", ack).Msg("validation and move requested")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&overwrite, "overwrite", "", "Overwrite policy: sync, always, never or ask")
	cmd.Flags().BoolVar(&syncMode, "sync", false, "Shorthand for --overwrite sync")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show the transfer plan without uploading")
	cmd.Flags().IntVar(&parallel, "parallel", config.Defaults().Parallel, "Upload worker count; 0 runs sequentially")
	cmd.Flags().IntVar(&checksumJobs, "parallel-checksum-jobs", config.Defaults().ChecksumJobs, "Checksum worker count; 0 runs sequentially")
	cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "Glob patterns to skip (multiple allowed)")
	cmd.Flags().BoolVar(&validateAndMove, "validate-and-move", false, "Request zone validation and move after upload")
	return cmd
}

// newProgress returns a byte progress callback feeding a terminal
// progress bar, plus a finisher. Dry runs get no bar.
func newProgress(dryRun bool, total int64) (transfer.ProgressFunc, func()) {
	if dryRun || total <= 0 {
		return nil, func() {}
	}
	bar, err := pterm.DefaultProgressbar.
		WithTotal(int(total)).
		WithTitle("transferring").
		WithShowCount(false).
		Start()
	if err != nil {
		return nil, func() {}
	}
	var mu sync.Mutex
	var last int64
	progress := func(done, _ int64) {
		mu.Lock()
		if done > last {
			bar.Add(int(done - last))
			last = done
		}
		mu.Unlock()
	}
	return progress, func() {
		mu.Lock()
		defer mu.Unlock()
		_, _ = bar.Stop()
	}
}
