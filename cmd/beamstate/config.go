package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the beamstate configuration file (~/.config/beamstate/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Dimensions
	Batch       *int    `yaml:"batch"`
	Beams       *int    `yaml:"beams"`
	MaxLength   *int    `yaml:"max_length"`
	Heads       *int    `yaml:"heads"`
	HeadSize    *int    `yaml:"head_size"`
	Vocab       *int    `yaml:"vocab"`
	Chunk       *int    `yaml:"chunk"`
	Layers      *int    `yaml:"layers"`
	InputLength *int    `yaml:"input_length"`
	EOS         []int32 `yaml:"eos_ids"`

	// Execution
	Workers *int `yaml:"workers"`
	Streams *int `yaml:"streams"`
	Steps   *int `yaml:"steps"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	ReportDir string `yaml:"report_dir"`
}

var appConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "beamstate", "config.yaml")
}

// loadConfig reads the config file. A missing file yields a zero Config.
func loadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyDimsConfig applies config file defaults to o when the corresponding flag was
// not explicitly set.
func applyDimsConfig(c *cli.Command, cfg Config, o *dimsOptions) {
	ints := []struct {
		flag string
		src  *int
		dst  *int
	}{
		{"batch", cfg.Batch, &o.batch},
		{"beams", cfg.Beams, &o.beams},
		{"max-length", cfg.MaxLength, &o.maxLength},
		{"heads", cfg.Heads, &o.heads},
		{"head-size", cfg.HeadSize, &o.headSize},
		{"vocab", cfg.Vocab, &o.vocab},
		{"chunk", cfg.Chunk, &o.chunk},
		{"layers", cfg.Layers, &o.layers},
		{"input-length", cfg.InputLength, &o.inputLength},
		{"workers", cfg.Workers, &o.workers},
	}
	for _, f := range ints {
		if f.src != nil && !c.IsSet(f.flag) {
			*f.dst = *f.src
		}
	}
	if len(cfg.EOS) > 0 && !c.IsSet("eos") {
		o.eos = joinIDs(cfg.EOS)
	}
}

func joinIDs(ids []int32) string {
	out := make([]byte, 0, len(ids)*4)
	for i, id := range ids {
		if i > 0 {
			out = append(out, ',')
		}
		out = fmt.Appendf(out, "%d", id)
	}
	return string(out)
}
