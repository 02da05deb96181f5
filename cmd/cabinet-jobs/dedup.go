package main

import (
	"errors"

	"github.com/damacus/iron-cabinet/internal/dedup"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDedupCmd(opts *rootOptions) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Hash every file and report groups of identical content",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "files hashed concurrently per batch (default from config)")
	cmd.RunE = opts.withEnv(func(cmd *cobra.Command, env *jobEnv) error {
		if batchSize <= 0 {
			batchSize = env.cfg.Dedup.BatchSize
		}
		return runDedup(cmd, dedup.NewJob(env.bucket, batchSize, nil))
	})
	return cmd
}

func runDedup(cmd *cobra.Command, job *dedup.Job) error {
	for ev := range job.Run(cmd.Context()) {
		switch ev.Kind {
		case dedup.EventProgress:
			log.Info().
				Int("processed", ev.Progress.ProcessedFiles).
				Int("total", ev.Progress.TotalFiles).
				Int("percent", ev.Progress.PercentComplete).
				Msg("Dedup progress")
		case dedup.EventComplete:
			return report(cmd, ev.Result, incomplete(len(ev.Result.Failed)))
		case dedup.EventFailed:
			return ev.Err
		}
	}
	return errors.New("dedup run ended without a result")
}
