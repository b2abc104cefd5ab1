package main

import (
	"context"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/checksum"
	"github.com/mkuhring/lzsync/internal/config"
	"github.com/mkuhring/lzsync/internal/console"
	"github.com/mkuhring/lzsync/internal/grid"
	"github.com/mkuhring/lzsync/internal/sodar"
	"github.com/mkuhring/lzsync/internal/zone"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagServerURL string
	flagToken     string
	flagBucket    string
	flagScheme    string
	flagRCPath    string
	flagYes       bool
	flagVerbose   bool
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lzsync",
		Short: "Checksummed file transfers into managed landing zones",
		Long: `lzsync moves files between the local filesystem and landing zones on
a remote object grid. Every data file travels with a sidecar checksum
file, and transfers can be reconciled against the remote listing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built at: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		// Flags are parsed by now, so the log level can honor --verbose.
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			cmd.SetContext(loggerContext(cmd.Context()))
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagServerURL, "server-url", "", "Zone service base URL")
	pf.StringVar(&flagToken, "token", "", "Zone service API token")
	pf.StringVar(&flagBucket, "bucket", "", "Object grid bucket")
	pf.StringVar(&flagScheme, "hash-scheme", "", "Checksum scheme (md5 or sha256)")
	pf.StringVar(&flagRCPath, "config", "", "Path to the rc file (default ~/.lzsyncrc.yaml)")
	pf.BoolVarP(&flagYes, "yes", "y", false, "Assume yes on all prompts")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(newIngestCmd(), newPullCmd(), newCheckCmd(), newLZCmd())
	return rootCmd
}

// loggerContext attaches the process logger to the context.
func loggerContext(parent context.Context) context.Context {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
	return logger.WithContext(parent)
}

// loadSettings merges flags over rc-file values over defaults.
func loadSettings() (config.Settings, error) {
	s := config.Defaults()
	s.ServerURL = flagServerURL
	s.APIToken = flagToken
	s.Bucket = flagBucket
	s.AutoConfirm = flagYes
	if flagScheme != "" {
		scheme, err := checksum.ParseScheme(flagScheme)
		if err != nil {
			return config.Settings{}, err
		}
		s.Scheme = scheme
	}
	rc, err := config.LoadRC(flagRCPath)
	if err != nil {
		return config.Settings{}, err
	}
	if err := rc.Apply(&s); err != nil {
		return config.Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

func newPrompter(s config.Settings) console.Prompter {
	if s.AutoConfirm {
		return console.AutoConfirm{}
	}
	return console.NewTerminal(os.Stdin, os.Stderr)
}

// newZoneClient builds the zone service client. Without a configured
// token the user is prompted once and again after auth failures.
func newZoneClient(s config.Settings, prompter console.Prompter) (*sodar.Client, error) {
	if s.ServerURL == "" {
		return nil, errors.New("no zone service URL configured, set --server-url or the rc file")
	}
	var auth sodar.AuthStrategy
	switch {
	case s.APIToken != "":
		auth = sodar.StaticToken(s.APIToken)
	case s.AutoConfirm:
		// --yes rules out interactive prompting.
		auth = sodar.FailFast{}
	default:
		auth = sodar.NewPromptAuth(prompter, "")
	}
	return sodar.NewClient(s.ServerURL, auth, s.ConnectTimeout, s.RequestTimeout), nil
}

// newStorage builds the grid client from the ambient AWS configuration.
func newStorage(ctx context.Context, s config.Settings) (grid.Storage, error) {
	if s.Bucket == "" {
		return nil, errors.New("no bucket configured, set --bucket or the rc file")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Errorf("load grid credentials: %w", err)
	}
	return grid.NewS3Storage(cfg, s.Bucket), nil
}

// resolveDest turns a raw destination argument into the zone owning it
// and the remote root path to operate on. A path argument deeper than
// the zone root keeps its full depth.
func resolveDest(ctx context.Context, mgr *zone.Manager, raw string) (*sodar.LandingZone, string, error) {
	dest, err := config.ParseDestination(raw)
	if err != nil {
		return nil, "", err
	}
	z, err := mgr.Resolve(ctx, dest)
	if err != nil {
		return nil, "", err
	}
	root := z.RootPath
	if dest.Kind == config.DestPath {
		root = dest.Raw
	}
	return z, root, nil
}
