package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/damacus/iron-cabinet/internal/config"
	"github.com/damacus/iron-cabinet/internal/logging"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Replaced in tests.
var (
	openBucket    = config.OpenBucket
	newSimilarity = openSimilarity
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// jobEnv is what every job needs: the configuration and the files bucket.
type jobEnv struct {
	cfg    *config.Config
	bucket storage.Bucket
}

func (o *rootOptions) open(ctx context.Context) (*jobEnv, func(), error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logging.Setup(level, cfg.Logging.Format)

	bucket, err := openBucket(ctx, cfg.Storage, cfg.Storage.Bucket)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := config.CloseBucket(bucket); err != nil {
			log.Warn().Err(err).Msg("Failed to close bucket")
		}
	}
	return &jobEnv{cfg: cfg, bucket: bucket}, release, nil
}

// withEnv adapts a job to a cobra RunE.
func (o *rootOptions) withEnv(fn func(cmd *cobra.Command, env *jobEnv) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		env, release, err := o.open(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
		return fn(cmd, env)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// errIncomplete marks a job that finished with per-item failures. Its report
// is still printed.
var errIncomplete = errors.New("job incomplete")

func incomplete(failed int) error {
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d items failed", errIncomplete, failed)
}

// report prints out unless the job failed outright.
func report(cmd *cobra.Command, out any, err error) error {
	if err != nil && !errors.Is(err, errIncomplete) {
		return fmt.Errorf("%s: %w", cmd.CommandPath(), err)
	}
	if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
		return perr
	}
	return err
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "cabinet-jobs",
		Short: "Batch jobs over the cabinet bucket",
		Long: `cabinet-jobs runs the long maintenance jobs of the file manager
outside the HTTP server: duplicate detection, the hash index and the image
similarity pipeline. Results are printed as JSON on stdout, logs go to stderr.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newDedupCmd(opts),
		newHashCmd(opts),
		newSimilarityCmd(opts),
	)
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("Job failed")
		os.Exit(1)
	}
}
