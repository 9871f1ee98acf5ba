package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yuya-takeyama/fileshare/internal/config"
	"github.com/yuya-takeyama/fileshare/internal/metadir"
	"github.com/yuya-takeyama/fileshare/internal/runner"
	"github.com/yuya-takeyama/fileshare/pkg/logger"
	"github.com/yuya-takeyama/fileshare/pkg/remote/s3store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var (
	dryRun         bool
	quiet          bool
	concurrency    int
	excludes       []string
	profile        string
	region         string
	endpoint       string
	planJSONFile   string
	resultJSONFile string
	logLevel       string
	logFormat      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fileshare",
		Short: "Two-way file synchronization between a local folder and S3",
		Long: `fileshare keeps a local folder and an S3 prefix in sync. It remembers the
state of the last synchronization and compares it with both sides, so changes
made on either side are detected and conflicting changes are reported.`,
		Version:      fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&dryRun, "dryrun", false, "Shows operations without executing")
	flags.BoolVar(&quiet, "quiet", false, "Suppress non-error output")
	flags.IntVar(&concurrency, "concurrency", config.DefaultConcurrency, "Number of concurrent operations")
	flags.StringSliceVar(&excludes, "exclude", nil, "Exclude patterns (multiple allowed)")
	flags.StringVar(&profile, "profile", "", "AWS profile to use")
	flags.StringVar(&region, "region", "", "AWS region (uses default if not specified)")
	flags.StringVar(&endpoint, "endpoint", "", "Custom S3-compatible endpoint URL")
	flags.StringVar(&planJSONFile, "plan-json-file", "", "Path to output plan as JSON file")
	flags.StringVar(&resultJSONFile, "result-json-file", "", "Path to output result as JSON file")
	flags.StringVar(&logLevel, "log-level", "", "Diagnostic log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Diagnostic log format (console, json)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "init <S3Uri> [LocalPath]",
			Short: "Make a directory a synchronized folder",
			Args:  cobra.RangeArgs(1, 2),
			RunE:  runInit,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show what changed on each side since the last synchronization",
			Args:  cobra.NoArgs,
			RunE:  runMode(runner.Status),
		},
		&cobra.Command{
			Use:   "push",
			Short: "Upload local changes; the local side wins conflicts",
			Args:  cobra.NoArgs,
			RunE:  runMode(runner.Push),
		},
		&cobra.Command{
			Use:   "pull",
			Short: "Download remote changes; the remote side wins conflicts",
			Args:  cobra.NoArgs,
			RunE:  runMode(runner.Pull),
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyOverrides layers the environment and then the flags the user set over
// the file config.
func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	cfg.ApplyEnv()

	changed := cmd.Flags().Changed
	if changed("concurrency") {
		cfg.Concurrency = concurrency
	}
	if changed("exclude") {
		cfg.Excludes = excludes
	}
	if changed("profile") {
		cfg.Profile = profile
	}
	if changed("region") {
		cfg.Region = region
	}
	if changed("endpoint") {
		cfg.Endpoint = endpoint
	}
	if changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = logFormat
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	localPath := "."
	if len(args) > 1 {
		localPath = args[1]
	}

	cfg := config.Default()
	applyOverrides(cmd, &cfg)
	cfg.Remote = args[0]
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir, err := metadir.Init(afero.NewOsFs(), localPath, cfg)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("Initialized %s synchronized with %s\n", dir.Root(), cfg.Remote)
	}
	return nil
}

func runMode(mode runner.Mode) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir, err := metadir.Search(afero.NewOsFs(), cwd)
		if err != nil {
			return err
		}

		cfg, err := dir.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyOverrides(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = zapLogger.Sync() }()

		store, err := newStore(ctx, cfg)
		if err != nil {
			return err
		}
		store.WithLogger(zapLogger)
		zapLogger.Debug("synchronizing",
			zap.String("mode", mode.String()),
			zap.String("root", dir.Root()),
			zap.String("remote", cfg.Remote),
			zap.Strings("excludes", cfg.Excludes),
		)

		syncLogger := &logger.SyncLogger{
			IsDryRun: dryRun,
			IsQuiet:  quiet,
			Zap:      zapLogger,
		}

		r := runner.New(dir, store, cfg.Excludes, syncLogger, os.Stdout, runner.Options{
			DryRun:         dryRun,
			Concurrency:    cfg.Concurrency,
			RemoteName:     formatS3Path(store.Bucket(), store.Prefix()),
			PlanJSONFile:   planJSONFile,
			ResultJSONFile: resultJSONFile,
		})
		report, err := r.Run(ctx, mode)
		if report != nil {
			zapLogger.Info("run finished",
				zap.String("mode", mode.String()),
				zap.Int("actions", len(report.Actions)),
				zap.Int("applied", len(report.Selected)-report.Summary.Failed),
				zap.Int("failed", report.Summary.Failed),
			)
		}
		return err
	}
}

func newStore(ctx context.Context, cfg config.Config) (*s3store.Store, error) {
	var configOpts []func(*awsconfig.LoadOptions) error
	if cfg.Profile != "" {
		configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.Region != "" {
		configOpts = append(configOpts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3store.NewFromConfig(awsCfg, cfg.Remote, cfg.Endpoint)
}

func formatS3Path(bucket, prefix string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.TrimSuffix(prefix, "/"))
}
