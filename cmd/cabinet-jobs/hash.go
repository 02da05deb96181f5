package main

import (
	"context"
	"errors"

	"github.com/damacus/iron-cabinet/internal/dedup"
	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/spf13/cobra"
)

func newHashCmd(opts *rootOptions) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Maintain MD5 stamps in object metadata",
	}
	cmd.PersistentFlags().IntVar(&workers, "workers", 0, "concurrent hashing workers (default from config)")

	index := func(env *jobEnv) *dedup.HashIndex {
		n := workers
		if n <= 0 {
			n = env.cfg.Hashing.Workers
		}
		return dedup.NewHashIndex(env.bucket, n, nil)
	}

	sub := func(use, short string, run func(ctx context.Context, h *dedup.HashIndex) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: opts.withEnv(func(cmd *cobra.Command, env *jobEnv) error {
				out, err := run(cmd.Context(), index(env))
				return report(cmd, out, err)
			}),
		}
	}

	var keys []string
	stamp := sub("stamp", "Stamp files that have no hash yet", func(ctx context.Context, h *dedup.HashIndex) (any, error) {
		if len(keys) > 0 {
			return stampKeys(ctx, h, keys)
		}
		r, err := h.Stamp(ctx)
		if err != nil {
			return nil, err
		}
		return r, incomplete(len(r.Failed))
	})
	stamp.Flags().StringSliceVar(&keys, "key", nil, "stamp only these files (repeatable)")

	metadata := &cobra.Command{
		Use:   "metadata <key>",
		Short: "Print the stored metadata of one file",
		Args:  cobra.ExactArgs(1),
	}
	metadata.RunE = func(cmd *cobra.Command, args []string) error {
		return opts.withEnv(func(cmd *cobra.Command, env *jobEnv) error {
			out, err := index(env).FileMetadata(cmd.Context(), args[0])
			return report(cmd, out, err)
		})(cmd, args)
	}

	cmd.AddCommand(
		stamp,
		metadata,
		sub("stats", "Count stamped and unstamped files", func(ctx context.Context, h *dedup.HashIndex) (any, error) {
			return h.Stats(ctx)
		}),
		sub("classify", "Group stamped files by content and name", func(ctx context.Context, h *dedup.HashIndex) (any, error) {
			return h.Classify(ctx)
		}),
		sub("compare", "Group files by the checksum the store keeps", func(ctx context.Context, h *dedup.HashIndex) (any, error) {
			return h.CompareStoredChecksums(ctx)
		}),
		sub("clear", "Remove hash stamps from every file", func(ctx context.Context, h *dedup.HashIndex) (any, error) {
			r, err := h.ClearStamps(ctx)
			if err != nil {
				return nil, err
			}
			return r, incomplete(len(r.Failed))
		}),
	)
	return cmd
}

// stampKeys stamps the named files one by one. A missing file is a per-item
// failure, anything else aborts.
func stampKeys(ctx context.Context, h *dedup.HashIndex, keys []string) (dedup.StampReport, error) {
	r := dedup.StampReport{Failed: []dedup.FailedFile{}}
	for _, key := range keys {
		res, err := h.StampOne(ctx, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			r.Failed = append(r.Failed, dedup.FailedFile{Key: key, Error: err.Error()})
		case err != nil:
			return r, err
		case res.Status == dedup.StampSkipped:
			r.Skipped++
		default:
			r.Processed++
		}
	}
	return r, incomplete(len(r.Failed))
}
