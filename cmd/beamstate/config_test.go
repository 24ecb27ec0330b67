package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigMissing(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing config: %v", err)
	}
	if cfg.Batch != nil || cfg.LogLevel != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	if _, err := loadConfig(writeConfig(t, "batch: [1, 2\n")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyDimsConfigFlagWins(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
batch: 3
beams: 5
chunk: 4
eos_ids: [7, 9]
log_level: debug
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var opts dimsOptions
	cmd := &cli.Command{
		Name:  "test",
		Flags: dimsFlags(&opts),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyDimsConfig(c, cfg, &opts)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"test", "--beams", "2"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if opts.batch != 3 {
		t.Fatalf("batch = %d, want 3 from config", opts.batch)
	}
	if opts.beams != 2 {
		t.Fatalf("beams = %d, want 2 from flag", opts.beams)
	}
	if opts.chunk != 4 {
		t.Fatalf("chunk = %d, want 4 from config", opts.chunk)
	}
	if opts.vocab != 512 {
		t.Fatalf("vocab = %d, want flag default 512", opts.vocab)
	}
	ids, err := opts.eosIDs()
	if err != nil {
		t.Fatalf("eos ids: %v", err)
	}
	if diff := cmp.Diff([]int32{7, 9}, ids); diff != "" {
		t.Fatalf("eos ids mismatch (-want +got):\n%s", diff)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestEOSIDs(t *testing.T) {
	cases := []struct {
		in      string
		want    []int32
		wantErr bool
	}{
		{"", nil, false},
		{"2", []int32{2}, false},
		{" 2, 3 ,11", []int32{2, 3, 11}, false},
		{"2,x", nil, true},
		{"99999999999", nil, true},
	}
	for _, tc := range cases {
		got, err := dimsOptions{eos: tc.in}.eosIDs()
		if (err != nil) != tc.wantErr {
			t.Fatalf("eosIDs(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if diff := cmp.Diff(tc.want, got); !tc.wantErr && diff != "" {
			t.Fatalf("eosIDs(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestJoinIDs(t *testing.T) {
	if got := joinIDs([]int32{1, 22, 333}); got != "1,22,333" {
		t.Fatalf("joinIDs = %q", got)
	}
}

func TestDimsOptionsValidate(t *testing.T) {
	base := dimsOptions{batch: 1, beams: 2, maxLength: 16, heads: 1, headSize: 8, vocab: 10, chunk: 8, layers: 1, inputLength: 4, eos: "2,3"}
	if err := base.validate(); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	bad := map[string]func(*dimsOptions){
		"chunk":  func(o *dimsOptions) { o.chunk = 6 },
		"input":  func(o *dimsOptions) { o.inputLength = 17 },
		"eos":    func(o *dimsOptions) { o.eos = "2,10" },
		"layers": func(o *dimsOptions) { o.layers = -1 },
	}
	for name, mutate := range bad {
		o := base
		mutate(&o)
		if err := o.validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
