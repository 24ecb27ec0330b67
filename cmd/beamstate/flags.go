package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/beamstate/internal/geometry"
)

var (
	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

// dimsOptions are the buffer sizes shared by simulate and bench.
type dimsOptions struct {
	batch       int
	beams       int
	maxLength   int
	heads       int
	headSize    int
	vocab       int
	chunk       int
	layers      int
	inputLength int
	eos         string
	workers     int
}

func (o dimsOptions) dims() geometry.Dims {
	return geometry.Dims{
		Batch:     o.batch,
		Beams:     o.beams,
		MaxLength: o.maxLength,
		Heads:     o.heads,
		HeadSize:  o.headSize,
		Vocab:     o.vocab,
		Chunk:     o.chunk,
	}
}

// eosIDs parses the comma-separated --eos list.
func (o dimsOptions) eosIDs() ([]int32, error) {
	if strings.TrimSpace(o.eos) == "" {
		return nil, nil
	}
	parts := strings.Split(o.eos, ",")
	ids := make([]int32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid eos id %q: %w", p, err)
		}
		ids = append(ids, int32(v))
	}
	return ids, nil
}

func (o dimsOptions) validate() error {
	if err := o.dims().Validate(); err != nil {
		return err
	}
	if o.layers < 0 {
		return fmt.Errorf("layers must be non-negative, got %d", o.layers)
	}
	if o.inputLength < 1 || o.inputLength > o.maxLength {
		return fmt.Errorf("input length %d outside [1, %d]", o.inputLength, o.maxLength)
	}
	ids, err := o.eosIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id < 0 || int(id) >= o.vocab {
			return fmt.Errorf("eos id %d outside vocabulary of %d", id, o.vocab)
		}
	}
	return nil
}

func dimsFlags(o *dimsOptions) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "batch", Aliases: []string{"b"}, Usage: "batch size", Value: 2, Destination: &o.batch},
		&cli.IntFlag{Name: "beams", Aliases: []string{"w"}, Usage: "beams per batch entry", Value: 4, Destination: &o.beams},
		&cli.IntFlag{Name: "max-length", Aliases: []string{"l"}, Usage: "maximum sequence length", Value: 64, Destination: &o.maxLength},
		&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: 4, Destination: &o.heads},
		&cli.IntFlag{Name: "head-size", Usage: "head dimension", Value: 64, Destination: &o.headSize},
		&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Value: 512, Destination: &o.vocab},
		&cli.IntFlag{Name: "chunk", Usage: "cache chunk width (4 or 8)", Value: 8, Destination: &o.chunk},
		&cli.IntFlag{Name: "layers", Usage: "attention layers", Value: 2, Destination: &o.layers},
		&cli.IntFlag{Name: "input-length", Usage: "prompt length", Value: 8, Destination: &o.inputLength},
		&cli.StringFlag{Name: "eos", Usage: "comma-separated end-of-sequence token ids", Value: "2,3", Destination: &o.eos},
		&cli.IntFlag{Name: "workers", Usage: "device worker goroutines (0 = GOMAXPROCS)", Destination: &o.workers},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       configPath(),
			Destination: &configFile,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
