package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/beamstate/internal/dtype"
	"github.com/samcharles93/beamstate/internal/geometry"
)

var ansi = regexp.MustCompile("\033\\[[0-9;]*m")

// plainLines strips colors and the leading clock from pretty output.
func plainLines(t *testing.T, out string) []string {
	t.Helper()
	var lines []string
	for _, l := range strings.Split(strings.TrimRight(ansi.ReplaceAllString(out, ""), "\n"), "\n") {
		if l == "" {
			continue
		}
		if len(l) < 13 || l[2] != ':' || l[8] != '.' {
			t.Fatalf("line %q does not start with a clock", l)
		}
		lines = append(lines, l[13:])
	}
	return lines
}

func TestPrettyKernelRecords(t *testing.T) {
	t.Parallel()
	dims := geometry.Dims{Batch: 1, Beams: 2, MaxLength: 8, Heads: 1, HeadSize: 4, Vocab: 6, Chunk: 4}
	tests := []struct {
		name string
		log  func(Logger)
		want string
	}{
		{
			name: "kernel done",
			log: func(l Logger) {
				l.With("stream", "stream-0").Debug("kernel done", "kernel", "extend_mask",
					"grid", "(4,1,1)", "block", "(256,1,1)", "elapsed", 1500*time.Microsecond+300*time.Nanosecond)
			},
			want: "DEBUG stream-0/extend_mask kernel done grid=(4,1,1) block=(256,1,1) elapsed=1.5ms",
		},
		{
			name: "kernel fault",
			log: func(l Logger) {
				l.With("stream", "stream-0").Error("kernel fault", "kernel", "merge_eos", "error", errors.New("bad eos id"))
			},
			want: `ERROR stream-0/merge_eos kernel fault error="bad eos id"`,
		},
		{
			name: "stream only",
			log: func(l Logger) {
				l.With("stream", "s1").Info("runner ready", "cache", dtype.Float16, "grow_mask", false)
			},
			want: "INFO  s1 runner ready cache=float16 grow_mask=false",
		},
		{
			name: "no scope",
			log:  func(l Logger) { l.Warn("simulation starting", "streams", 2) },
			want: "WARN  simulation starting streams=2",
		},
		{
			name: "dims group",
			log:  func(l Logger) { l.Info("bench", "dims", dims) },
			want: "INFO  bench dims.batch=1 dims.beams=2 dims.max_length=8 dims.heads=1 dims.head_size=4 dims.vocab=6 dims.chunk=4",
		},
		{
			name: "grouped kernel stays an attr",
			log:  func(l Logger) { l.WithGroup("g").Info("m", "kernel", "k") },
			want: "INFO  m g.kernel=k",
		},
		{
			name: "attrs keep the group open when added",
			log:  func(l Logger) { l.With("a", 1).WithGroup("g").With("b", 2).Info("m", "c", "x y", "d", "") },
			want: `INFO  m a=1 g.b=2 g.c="x y" g.d=""`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.log(Pretty(&buf, slog.LevelDebug))
			got := plainLines(t, buf.String())
			if diff := cmp.Diff([]string{tt.want}, got); diff != "" {
				t.Fatalf("pretty output mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrettyLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelWarn)
	log.Debug("kernel done", "kernel", "advance_positions")
	log.Info("stream finished")
	if buf.Len() != 0 {
		t.Fatalf("records below warn written: %q", buf.String())
	}
	log.Warn("slow kernel")
	if n := len(plainLines(t, buf.String())); n != 1 {
		t.Fatalf("got %d lines, want 1", n)
	}
}

func TestPrettyStreamsShareWriter(t *testing.T) {
	t.Parallel()
	const streams, records = 8, 50
	var buf bytes.Buffer
	root := Pretty(&buf, slog.LevelDebug)

	var wg sync.WaitGroup
	for i := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := root.With("stream", fmt.Sprintf("s%d", i))
			for range records {
				log.Debug("kernel done", "kernel", "update_indirection")
			}
		}()
	}
	wg.Wait()

	lines := plainLines(t, buf.String())
	if len(lines) != streams*records {
		t.Fatalf("got %d lines, want %d", len(lines), streams*records)
	}
	for _, l := range lines {
		if !strings.HasSuffix(l, "/update_indirection kernel done") {
			t.Fatalf("torn line %q", l)
		}
	}
}

func TestJSONKernelRecord(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	dims := geometry.Dims{Batch: 2, Beams: 4, MaxLength: 16, Heads: 2, HeadSize: 8, Vocab: 10, Chunk: 8}
	JSON(&buf, slog.LevelDebug).With("stream", "s0").Debug("kernel done",
		"kernel", "reorder_cache", "cache", dtype.BFloat16, "dims", dims)

	var rec struct {
		Level  string        `json:"level"`
		Msg    string        `json:"msg"`
		Stream string        `json:"stream"`
		Kernel string        `json:"kernel"`
		Cache  dtype.DType   `json:"cache"`
		Dims   geometry.Dims `json:"dims"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec.Level != "DEBUG" || rec.Msg != "kernel done" || rec.Stream != "s0" || rec.Kernel != "reorder_cache" || rec.Cache != dtype.BFloat16 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if diff := cmp.Diff(dims, rec.Dims); diff != "" {
		t.Fatalf("dims mismatch (-want +got):\n%s", diff)
	}
}

func TestForFormat(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"pretty", "json", "text", "", " JSON "} {
		var buf bytes.Buffer
		log, err := ForFormat(format, &buf, slog.LevelInfo)
		if err != nil {
			t.Fatalf("ForFormat(%q): %v", format, err)
		}
		log.Info("launch", "kernel", "advance_positions")
		if !strings.Contains(buf.String(), "advance_positions") {
			t.Fatalf("ForFormat(%q): missing attr in %q", format, buf.String())
		}
	}
	if _, err := ForFormat("xml", &bytes.Buffer{}, slog.LevelInfo); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("context logger not used: %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("stream", "s0").WithGroup("kernel")
	log.Error("dropped", "n", 1)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"stream-0":   false,
		"(4,1,1)":    false,
		"":           true,
		"bad eos id": true,
		"k=v":        true,
		`a"b`:        true,
	}
	for in, want := range tests {
		if got := needsQuoting(in); got != want {
			t.Errorf("needsQuoting(%q) = %v, want %v", in, got, want)
		}
	}
}
