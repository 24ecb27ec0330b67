package main

import (
	"context"
	"fmt"
	"os"
	"time"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"github.com/x448/float16"

	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
	"github.com/samcharles93/beamstate/internal/kvcache"
	"github.com/samcharles93/beamstate/internal/logger"
	"github.com/samcharles93/beamstate/internal/logits"
	"github.com/samcharles93/beamstate/internal/stepstate"
)

type benchCase struct {
	name  string
	elem  dtype.DType
	elems int // elements of elem read per launch
	run   func(s *device.Stream) error
}

type benchResult struct {
	Case      string        `json:"case"`
	DType     dtype.DType   `json:"dtype"`
	Bytes     int           `json:"bytes_per_launch"`
	Launches  int           `json:"launches"`
	Total     time.Duration `json:"total_ns"`
	PerLaunch time.Duration `json:"per_launch_ns"`
}

// benchCases builds one case per kernel over freshly allocated buffers sized by d.
func benchCases(d geometry.Dims, input int, eos []int32) []benchCase {
	bb := d.BatchBeam()
	table := bb * d.MaxLength
	cacheDims := d
	cacheDims.Batch, cacheDims.Beams = bb, 1
	cacheLen := bb * d.Heads * d.MaxLength * d.HeadSize

	positions := make([]int32, bb)
	maskA := geometry.NewMask(bb, d.MaxLength, make([]int32, table))
	maskB := geometry.NewMask(bb, d.MaxLength, make([]int32, table))
	timeMajor := geometry.NewCache(cacheDims, geometry.LayoutTimeMajor, make([]float16.Float16, cacheLen))
	chunkMajor := geometry.NewCache(cacheDims, geometry.LayoutChunkMajor, make([]float16.Float16, cacheLen))
	indA := geometry.NewIndirection(d, make([]int32, table))
	indB := geometry.NewIndirection(d, make([]int32, table))
	beamIDs := geometry.NewBeamIDs(d, make([]int32, bb))
	scores := geometry.NewLogits(bb, d.Vocab, make([]float32, bb*d.Vocab))
	half := make([]float16.Float16, bb*d.Vocab)
	bf16 := make([]bfloat16.BF16, bb*d.Vocab)
	wide := make([]int64, table)

	i32, f16, f32 := dtype.Of[int32](), dtype.Of[float16.Float16](), dtype.Of[float32]()
	cases := []benchCase{
		{"advance_positions", i32, bb, func(s *device.Stream) error {
			return stepstate.AdvancePositions(s, positions)
		}},
		{"extend_mask", i32, table, func(s *device.Stream) error {
			return stepstate.ExtendMask(s, maskB, maskA, d.MaxLength, false)
		}},
		{"update_mask_static", i32, bb, func(s *device.Stream) error {
			return stepstate.UpdateMaskStatic(s, maskA, d.MaxLength)
		}},
		{"reorder_cache", f16, cacheLen, func(s *device.Stream) error {
			return kvcache.Reorder(s, chunkMajor, timeMajor)
		}},
		{"restore_cache", f16, cacheLen, func(s *device.Stream) error {
			return kvcache.Restore(s, timeMajor, chunkMajor)
		}},
		{"update_indirection", i32, table, func(s *device.Stream) error {
			return kvcache.UpdateIndirection(s, indB, indA, beamIDs, input, d.MaxLength)
		}},
		{"fp16_to_fp32", f16, bb * d.Vocab, func(s *device.Stream) error {
			return logits.Float16ToFloat32(s, scores.Data, half)
		}},
		{"fp32_to_bf16", f32, bb * d.Vocab, func(s *device.Stream) error {
			return logits.Float32ToBFloat16(s, bf16, scores.Data)
		}},
		{"int32_to_int64", i32, table, func(s *device.Stream) error {
			return logits.ConvertIndexWidth(s, wide, indA.Data)
		}},
	}
	if len(eos) > 0 {
		cases = append(cases, benchCase{"merge_eos", f32, bb * len(eos), func(s *device.Stream) error {
			return logits.MergeEOS(s, scores, eos)
		}})
	}
	return cases
}

// runBench runs each case on its own stream, warmup launches first.
func runBench(ctx context.Context, pool *device.Pool, log logger.Logger, cases []benchCase, warmup, iters int) ([]benchResult, error) {
	results := make([]benchResult, 0, len(cases))
	for _, c := range cases {
		s := device.NewStream("bench-"+c.name, pool, log)
		for range warmup {
			if err := c.run(s); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("%s warmup: %w", c.name, err)
			}
		}
		if err := s.Synchronize(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%s warmup: %w", c.name, err)
		}
		before := s.Stats()

		for range iters {
			if err := c.run(s); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("%s: %w", c.name, err)
			}
		}
		if err := s.Synchronize(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		after := s.Stats()
		if err := s.Close(); err != nil {
			return nil, err
		}

		var res benchResult
		res.Case = c.name
		res.DType = c.elem
		res.Bytes = c.elems * c.elem.Size()
		for name, st := range after {
			res.Launches += st.Launches - before[name].Launches
			res.Total += st.Total - before[name].Total
		}
		if res.Launches > 0 {
			res.PerLaunch = res.Total / time.Duration(res.Launches)
		}
		results = append(results, res)
		log.Debug("bench case done", "case", c.name, "launches", res.Launches, "total", res.Total)
	}
	return results, nil
}

func benchCmd() *cli.Command {
	var (
		opts    dimsOptions
		warmup  int
		iters   int
		jsonOut bool
	)

	flags := dimsFlags(&opts)
	flags = append(flags,
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "warmup launches per kernel",
			Value:       3,
			Destination: &warmup,
		},
		&cli.IntFlag{
			Name:        "iters",
			Usage:       "timed launches per kernel",
			Value:       50,
			Destination: &iters,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print results as JSON",
			Destination: &jsonOut,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time each state kernel in isolation",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			applyDimsConfig(cmd, appConfig, &opts)
			if err := opts.validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if iters < 1 || warmup < 0 {
				return cli.Exit("error: iters must be >= 1 and warmup >= 0", 1)
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

			d := opts.dims()
			results, err := runBench(ctx, pool, log, benchCases(d, opts.inputLength, eos), warmup, iters)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			host := describeHost(pool.Size())
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Host    hostInfo      `json:"host"`
					Dims    geometry.Dims `json:"dims"`
					Results []benchResult `json:"results"`
				}{host, d, results})
			}

			fmt.Println("=== beamstate bench ===")
			fmt.Printf("Dims:       B=%d W=%d L=%d N=%d H=%d V=%d chunk=%d\n",
				d.Batch, d.Beams, d.MaxLength, d.Heads, d.HeadSize, d.Vocab, d.Chunk)
			fmt.Printf("Host:       %s/%s, %d CPUs\n", host.GoOS, host.GoArch, host.CPUs)
			fmt.Printf("Workers:    %d\n", host.Workers)
			fmt.Printf("Iterations: %d (+%d warmup)\n", iters, warmup)
			fmt.Println()
			fmt.Printf("%-20s %-9s %12s %10s %14s %14s\n", "Kernel", "DType", "Bytes", "Launches", "Total", "Per launch")
			for _, r := range results {
				fmt.Printf("%-20s %-9s %12d %10d %14s %14s\n", r.Case, r.DType, r.Bytes, r.Launches,
					r.Total.Round(time.Microsecond), r.PerLaunch.Round(time.Nanosecond))
			}
			return nil
		},
	}
}
