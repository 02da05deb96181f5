package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/damacus/iron-cabinet/internal/config"
	"github.com/damacus/iron-cabinet/internal/similarity"
	"github.com/spf13/cobra"
)

// pipeline is the part of similarity.Service the jobs drive.
type pipeline interface {
	Convert(ctx context.Context) (similarity.ConvertReport, error)
	SetupProductSet(ctx context.Context) (similarity.SetupReport, error)
	Compare(ctx context.Context, opts similarity.CompareOptions) (*similarity.Comparison, error)
	DeleteAllProducts(ctx context.Context) (int, error)
}

func openSimilarity(ctx context.Context, env *jobEnv) (pipeline, func() error, error) {
	sim, err := config.NewSimilarity(ctx, env.cfg, env.bucket, nil)
	if err != nil {
		return nil, nil, err
	}
	return sim.Service, sim.Close, nil
}

func newSimilarityCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "similarity",
		Short: "Run the image similarity pipeline",
	}

	sub := func(use, short string, run func(ctx context.Context, p pipeline, env *jobEnv) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: opts.withEnv(func(cmd *cobra.Command, env *jobEnv) error {
				if !env.cfg.Similarity.Enabled {
					return errors.New("similarity is disabled in the configuration")
				}
				p, closePipeline, err := newSimilarity(cmd.Context(), env)
				if err != nil {
					return err
				}
				defer closePipeline()

				out, err := run(cmd.Context(), p, env)
				return report(cmd, out, err)
			}),
		}
	}

	var threshold float32
	compare := sub("compare", "Compare every image against the product set and write reports",
		func(ctx context.Context, p pipeline, env *jobEnv) (any, error) {
			t := env.cfg.Similarity.JobThreshold
			if threshold > 0 {
				t = threshold
			}
			if t > 1 {
				return nil, fmt.Errorf("threshold %v is above 1", t)
			}
			return p.Compare(ctx, similarity.CompareOptions{Threshold: t, FilteredCSV: true, JSONResults: true})
		})
	compare.Flags().Float32Var(&threshold, "threshold", 0, "minimum similarity score to report (default from config job_threshold)")

	var (
		ssimThreshold float64
		reportKey     string
	)
	ssim := &cobra.Command{
		Use:   "ssim",
		Short: "Compare every pair of TIFF originals by structural similarity",
		Long: `ssim decodes every TIFF in the bucket, scores each pair with the
structural similarity index and stores a JSON report in the bucket. It does
not use the vision product set and runs even when similarity is disabled.`,
		Args: cobra.NoArgs,
		RunE: opts.withEnv(func(cmd *cobra.Command, env *jobEnv) error {
			t := env.cfg.Similarity.SSIMThreshold
			if cmd.Flags().Changed("threshold") {
				t = ssimThreshold
			}
			out, err := similarity.NewSSIMAnalyzer(env.bucket, nil).Run(cmd.Context(), similarity.SSIMOptions{
				Threshold: t,
				ReportKey: reportKey,
			})
			return report(cmd, out, err)
		}),
	}
	ssim.Flags().Float64Var(&ssimThreshold, "threshold", similarity.DefaultSSIMThreshold, "minimum SSIM to report (default from config ssim_threshold)")
	ssim.Flags().StringVar(&reportKey, "report-key", "", "object key for the report (default similarity_report_<timestamp>.json)")

	cmd.AddCommand(
		ssim,
		sub("convert", "Convert TIFF originals to PNG", func(ctx context.Context, p pipeline, _ *jobEnv) (any, error) {
			r, err := p.Convert(ctx)
			if err != nil {
				return nil, err
			}
			return r, incomplete(len(r.Failed))
		}),
		sub("setup", "Create the product set and index every PNG", func(ctx context.Context, p pipeline, _ *jobEnv) (any, error) {
			r, err := p.SetupProductSet(ctx)
			if err != nil {
				return nil, err
			}
			return r, incomplete(len(r.Failed))
		}),
		compare,
		sub("purge", "Delete every product from the index", func(ctx context.Context, p pipeline, _ *jobEnv) (any, error) {
			n, err := p.DeleteAllProducts(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]int{"deletedCount": n}, nil
		}),
	)
	return cmd
}
