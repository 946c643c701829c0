package cli

import (
	"context"
	"math/rand"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeney/hydro-sentinel/internal/detector"
	"github.com/sweeney/hydro-sentinel/internal/drift"
	"github.com/sweeney/hydro-sentinel/internal/synth"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

type trainResult struct {
	Model    detector.Info `json:"model"`
	Samples  int           `json:"samples"`
	Normals  int           `json:"normals"`
	Store    string        `json:"store"`
	Baseline int           `json:"drift_baseline_size"`
}

func newTrainCommand(g *globals) *cobra.Command {
	var samples int
	var seed int64
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model on synthetic normal readings and save it",
		Long: `Generates a synthetic dataset, fits the isolation forest on its normal
readings and saves the model and matching drift baseline to the configured
snapshot store. An existing model is replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx := cmd.Context()

			if !cmd.Flags().Changed("samples") {
				samples = cfg.Model.TrainSamples
			}
			if !cmd.Flags().Changed("seed") {
				seed = cfg.Model.Seed
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			store, err := openStore(ctx, cfg.Persistence)
			if err != nil {
				return err
			}
			dr := drift.New(cfg.Drift, log)
			baseline := func(ctx context.Context, readings []telemetry.Reading) {
				if err := dr.UpdateBaseline(readings); err != nil {
					log.Warn("could not build drift baseline", zap.Error(err))
					return
				}
				if err := dr.Save(ctx, store); err != nil {
					log.Warn("could not save drift baseline", zap.Error(err))
				}
			}

			mc := cfg.Model
			mc.AutoTrain = false
			rng := rand.New(rand.NewSource(seed))
			det, err := detector.New(ctx, mc, store, log, detector.WithRand(rng), detector.WithRetrainHook(baseline))
			if err != nil {
				return err
			}

			normals := synth.Normals(synth.New(rng, time.Now().Year()).Generate(samples))
			if err := det.Retrain(ctx, normals); err != nil {
				return err
			}

			res := trainResult{
				Model:   det.Info(),
				Samples: samples,
				Normals: len(normals),
				Store:   cfg.Persistence.Backend,
			}
			if b := dr.Baseline(); b != nil {
				res.Baseline = b.Size
			}
			return g.output(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVarP(&samples, "samples", "n", 2000, "Synthetic samples to generate (about 80% are normal)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 seeds from the clock)")
	return cmd
}
