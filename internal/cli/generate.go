package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/hydro-sentinel/internal/synth"
	"github.com/sweeney/hydro-sentinel/internal/telemetry"
)

type generateResult struct {
	Path    string                  `json:"path"`
	Samples int                     `json:"samples"`
	Labels  map[telemetry.Label]int `json:"labels"`
}

func newGenerateCommand(g *globals) *cobra.Command {
	var (
		samples int
		seed    int64
		year    int
		out     string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a labelled synthetic dataset as JSON lines",
		Long: `Writes one JSON object per line, each holding a synthetic reading and its
ground-truth label. Output goes to stdout unless --out is given, in which
case a summary is printed instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if samples < 1 {
				return fmt.Errorf("--samples must be positive")
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			if year == 0 {
				year = time.Now().Year()
			}
			data := synth.New(rand.New(rand.NewSource(seed)), year).Generate(samples)

			if out == "" {
				return writeSamples(cmd.OutOrStdout(), data)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := writeSamples(f, data); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			res := generateResult{Path: out, Samples: len(data), Labels: map[telemetry.Label]int{}}
			for _, s := range data {
				res.Labels[s.Label]++
			}
			return g.output(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVarP(&samples, "samples", "n", 1000, "Number of samples")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (0 seeds from the clock)")
	cmd.Flags().IntVar(&year, "year", 0, "Calendar year of the readings (default current year)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func writeSamples(w io.Writer, samples []synth.Sample) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return bw.Flush()
}
