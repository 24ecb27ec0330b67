package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/geometry"
	"github.com/samcharles93/beamstate/internal/logger"
	"github.com/samcharles93/beamstate/internal/step"
	"github.com/samcharles93/beamstate/internal/version"
)

type simReport struct {
	RunID   string         `json:"run_id"`
	Version version.Info   `json:"version"`
	Host    hostInfo       `json:"host"`
	Started time.Time      `json:"started"`
	Dims    geometry.Dims  `json:"dims"`
	Types   step.ElemTypes `json:"types"`
	Layers  int            `json:"layers"`
	Input   int            `json:"input_length"`
	EOS     []int32        `json:"eos_ids"`
	Streams []streamReport `json:"streams"`
}

func (r simReport) violations() int {
	n := 0
	for _, s := range r.Streams {
		n += s.violations()
	}
	return n
}

func simulateCmd() *cli.Command {
	var (
		opts     dimsOptions
		steps    int
		streams  int
		seed     int64
		growMask bool
		out      string
	)

	flags := dimsFlags(&opts)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "decode steps after the prompt",
			Value:       16,
			Destination: &steps,
		},
		&cli.IntFlag{
			Name:        "streams",
			Usage:       "independent simulations to run concurrently",
			Value:       1,
			Destination: &streams,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for the synthetic forward pass",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "grow-mask",
			Usage:       "extend the mask by copying into a second buffer instead of updating in place",
			Destination: &growMask,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "report path (- for stdout; default <report_dir>/<run id>.json or stdout)",
			Destination: &out,
		},
	)

	return &cli.Command{
		Name:  "simulate",
		Usage: "Run decode steps over a synthetic model and check state invariants",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			applyDimsConfig(cmd, appConfig, &opts)
			if appConfig.Steps != nil && !cmd.IsSet("steps") {
				steps = *appConfig.Steps
			}
			if appConfig.Streams != nil && !cmd.IsSet("streams") {
				streams = *appConfig.Streams
			}
			if err := opts.validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if steps < 0 || streams < 1 {
				return cli.Exit("error: steps must be >= 0 and streams >= 1", 1)
			}
			eos, err := opts.eosIDs()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			pool := device.DefaultPool()
			if opts.workers > 0 {
				pool = device.NewPool(opts.workers)
				defer pool.Close()
			}

			report := simReport{
				RunID:   uuid.NewString(),
				Version: version.Resolve(),
				Host:    describeHost(pool.Size()),
				Started: time.Now().UTC(),
				Dims:    opts.dims(),
				Types:   new(simState).ElemTypes(),
				Layers:  opts.layers,
				Input:   opts.inputLength,
				EOS:     eos,
			}
			log = log.With("run", report.RunID)
			log.Info("simulation starting", "streams", streams, "steps", steps, "workers", pool.Size())

			report.Streams, err = runSimulations(ctx, pool, log, streams, func(i int) simulation {
				return simulation{
					name:     fmt.Sprintf("stream-%d", i),
					dims:     opts.dims(),
					layers:   opts.layers,
					input:    opts.inputLength,
					steps:    steps,
					eos:      eos,
					growMask: growMask,
					seed:     uint64(seed) + uint64(i),
				}
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			path := out
			if path == "" && appConfig.ReportDir != "" {
				path = filepath.Join(appConfig.ReportDir, report.RunID+".json")
			}
			if err := writeReport(path, report); err != nil {
				return cli.Exit(fmt.Sprintf("error: write report: %v", err), 1)
			}
			for _, s := range report.Streams {
				log.Info("stream finished", "stream", s.Stream, "steps", s.Steps, "length", s.Length,
					"elapsed", s.Elapsed, "violations", s.violations())
			}
			if v := report.violations(); v > 0 {
				return cli.Exit(fmt.Sprintf("error: %d invariant violations", v), 1)
			}
			return nil
		},
	}
}

// runSimulations runs n simulations concurrently on their own streams. The first
// failure cancels the rest.
func runSimulations(ctx context.Context, pool *device.Pool, log logger.Logger, n int, build func(i int) simulation) ([]streamReport, error) {
	reports := make([]streamReport, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			sim := build(i)
			rep, err := sim.run(gctx, pool, log)
			reports[i] = rep
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func writeReport(path string, report simReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
