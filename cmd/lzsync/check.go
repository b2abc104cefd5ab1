package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/checksum"
	"github.com/mkuhring/lzsync/internal/compare"
	"github.com/mkuhring/lzsync/internal/zone"
)

const (
	reportBoth       = "both"
	reportLocalOnly  = "local-only"
	reportRemoteOnly = "remote-only"
)

func newCheckCmd() *cobra.Command {
	var (
		filenameOnly bool
		recheck      bool
		categories   []string
	)

	cmd := &cobra.Command{
		Use:   "check LOCAL DEST",
		Short: "Reconcile a local directory against a landing zone",
		Long: `check compares the sidecar-carrying files below LOCAL with the remote
listing of DEST and reports which files exist on both sides, only
locally, or only remotely. By default files match when name and
checksum agree.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			for _, c := range categories {
				if c != reportBoth && c != reportLocalOnly && c != reportRemoteOnly {
					return errors.Errorf("unknown report category %q", c)
				}
			}

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			prompter := newPrompter(settings)
			client, err := newZoneClient(settings, prompter)
			if err != nil {
				return err
			}
			mgr := zone.NewManager(client, prompter, settings.AutoConfirm)

			_, root, err := resolveDest(ctx, mgr, args[1])
			if err != nil {
				return err
			}

			provider := checksum.NewProvider(settings.Scheme)
			local, err := compare.ScanLocal(ctx, args[0], provider, recheck)
			if err != nil {
				return err
			}

			storage, err := newStorage(ctx, settings)
			if err != nil {
				return err
			}
			remote, err := storage.List(ctx, root)
			if err != nil {
				return err
			}

			result := compare.Compare(ctx, local, remote, compare.Options{
				MatchByNameOnly: filenameOnly,
				Basepath:        root,
			})
			printReport(result, categories)
			return nil
		},
	}

	cmd.Flags().BoolVar(&filenameOnly, "filename-only", false, "Match files by name alone, ignoring checksums")
	cmd.Flags().BoolVar(&recheck, "recheck", false, "Recompute local checksums and fail on mismatch")
	cmd.Flags().StringSliceVar(&categories, "report", []string{reportBoth, reportLocalOnly, reportRemoteOnly},
		"Categories to report: both, local-only, remote-only")
	return cmd
}

// printReport renders the selected partitions, one colored section per
// category.
func printReport(result *compare.Result, categories []string) {
	sections := []struct {
		name    string
		heading string
		paint   *color.Color
		files   map[string][]string
	}{
		{reportBoth, "Files present on both sides", color.New(color.FgGreen), result.Both},
		{reportLocalOnly, "Files only found locally", color.New(color.FgYellow), result.LocalOnly},
		{reportRemoteOnly, "Files only found remotely", color.New(color.FgRed), result.RemoteOnly},
	}
	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}
	for _, s := range sections {
		if !wanted[s.name] {
			continue
		}
		s.paint.Fprintf(os.Stdout, "%s (%d)\n", s.heading, countFiles(s.files))
		dirs := make([]string, 0, len(s.files))
		for dir := range s.files {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		for _, dir := range dirs {
			fmt.Printf("  %s: %s\n", dir, strings.Join(s.files[dir], ", "))
		}
		fmt.Println()
	}
}

func countFiles(m map[string][]string) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}
