package logger

import (
	"context"
	"encoding"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// Top-level attributes lifted out of the key=value tail into the record's scope.
const (
	scopeStream = "stream"
	scopeKernel = "kernel"
)

// PrettyHandler is a slog.Handler for terminals. A kernel record renders as
//
//	15:04:05.000 DEBUG stream-0/extend_mask kernel done grid=(4,1,1) elapsed=12µs
//
// The stream and kernel attributes become the stream/kernel scope ahead of the message;
// everything else follows as key=value pairs, group members with dotted keys.
type PrettyHandler struct {
	level  slog.Leveler
	w      io.Writer
	mu     *sync.Mutex
	prefix string // open groups, "a.b."
	stream string
	kernel string
	attrs  []byte // pre-rendered WithAttrs tail
}

// NewPrettyHandler returns a handler writing to w. Only opts.Level is honoured.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{level: slog.LevelInfo, w: w, mu: new(sync.Mutex)}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	stream, kernel := h.stream, h.kernel
	tail := make([]byte, 0, 256)
	tail = append(tail, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		tail = h.appendAttr(tail, a, h.prefix, &stream, &kernel)
		return true
	})

	buf := make([]byte, 0, 128+len(tail))
	buf = append(buf, colorGray...)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')
	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, colorBold...)
	buf = append(buf, fmt.Sprintf("%-5s", r.Level.String())...)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')
	if stream != "" || kernel != "" {
		buf = append(buf, colorCyan...)
		buf = append(buf, stream...)
		if kernel != "" {
			buf = append(buf, '/')
			buf = append(buf, kernel...)
		}
		buf = append(buf, colorReset...)
		buf = append(buf, ' ')
	}
	buf = append(buf, r.Message...)
	buf = append(buf, tail...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = c.appendAttr(c.attrs, a, c.prefix, &c.stream, &c.kernel)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

// appendAttr renders a as " key=value". Top-level stream and kernel string attrs are
// stored into the scope instead.
func (h *PrettyHandler) appendAttr(buf []byte, a slog.Attr, prefix string, stream, kernel *string) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if len(group) == 0 {
			return buf
		}
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range group {
			buf = h.appendAttr(buf, g, prefix, stream, kernel)
		}
		return buf
	}
	if prefix == "" && a.Value.Kind() == slog.KindString {
		switch a.Key {
		case scopeStream:
			*stream = a.Value.String()
			return buf
		case scopeKernel:
			*kernel = a.Value.String()
			return buf
		}
	}

	buf = append(buf, ' ')
	_, isErr := a.Value.Any().(error)
	if isErr {
		buf = append(buf, colorRed...)
	}
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	buf = appendValue(buf, a.Value)
	if isErr {
		buf = append(buf, colorReset...)
	}
	return buf
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindDuration:
		// microsecond precision is enough for kernel timings
		return append(buf, v.Duration().Round(time.Microsecond).String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339Nano)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return appendString(buf, x.Error())
		case encoding.TextMarshaler:
			if text, err := x.MarshalText(); err == nil {
				return appendString(buf, string(text))
			}
		}
		return appendString(buf, fmt.Sprint(v.Any()))
	default:
		return append(buf, v.String()...)
	}
}

func appendString(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return fmt.Appendf(buf, "%q", s)
	}
	return append(buf, s...)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\n\"=")
}
