// Package logging provides the colorized, single-line slog.Handler the
// leech CLI uses for interactive runs: one line per record, with the
// attributes a piece/peer/tracker event carries rendered as key=value
// tokens rather than a JSON blob.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var lineBufs = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// ConsoleOptions configures a ConsoleHandler.
type ConsoleOptions struct {
	SlogOpts   slog.HandlerOptions
	Color      bool
	ShowSource bool
	FullPath   bool
	TimeFormat string
	LevelWidth int
	// MaxValueLength truncates any attribute value's string form past this
	// many bytes; 0 disables truncation.
	MaxValueLength int
}

// DefaultOptions returns the settings leech's CLI starts from.
func DefaultOptions() ConsoleOptions {
	return ConsoleOptions{
		SlogOpts:   slog.HandlerOptions{Level: slog.LevelInfo},
		Color:      true,
		ShowSource: true,
		FullPath:   false,
		TimeFormat: time.TimeOnly,
		LevelWidth: 5,
	}
}

// ConsoleHandler is a slog.Handler optimized for a human watching a
// terminal during a download, not for machine-parsed log aggregation.
type ConsoleHandler struct {
	opts   ConsoleOptions
	w      io.Writer
	mu     *sync.Mutex
	groups []string
	attrs  []slog.Attr

	paint      map[slog.Level]func(...any) string
	paintDim   func(...any) string
	paintValue func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *ConsoleOptions) *ConsoleHandler {
	var o ConsoleOptions
	if opts != nil {
		o = *opts
	} else {
		o = DefaultOptions()
	}

	if o.TimeFormat == "" {
		o.TimeFormat = time.TimeOnly
	}
	if o.LevelWidth <= 0 {
		o.LevelWidth = 5
	}

	h := &ConsoleHandler{
		opts: o,
		w:    w,
		mu:   &sync.Mutex{},
	}
	h.paintFuncs()
	return h
}

func (h *ConsoleHandler) paintFuncs() {
	if !h.opts.Color {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.paint = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		h.paintDim = plain
		h.paintValue = plain
		return
	}

	h.paint = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
	h.paintDim = color.New(color.FgHiBlack).SprintFunc()
	h.paintValue = color.New(color.FgWhite).SprintFunc()
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := lineBufs.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		lineBufs.Put(buf)
	}()

	buf.WriteString(h.paintDim(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteByte(' ')
	buf.WriteString(h.levelToken(r.Level))
	buf.WriteByte(' ')

	if h.opts.ShowSource {
		if src := h.sourceToken(r.PC); src != "" {
			buf.WriteString(h.paintDim(src))
			buf.WriteByte(' ')
		}
	}

	buf.WriteString(r.Message)

	h.writeAttrs(buf, r)
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	clone.groups = append([]string(nil), h.groups...)
	clone.paintFuncs()
	return &clone
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	clone.groups = append(append([]string(nil), h.groups...), name)
	clone.paintFuncs()
	return &clone
}

func (h *ConsoleHandler) levelToken(level slog.Level) string {
	s := strings.ToUpper(level.String())
	if h.opts.LevelWidth > 0 {
		s = fmt.Sprintf("%-*s", h.opts.LevelWidth, s)
	}
	if paint, ok := h.paint[level]; ok {
		return paint(s)
	}
	return s
}

func (h *ConsoleHandler) sourceToken(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}

	file := frame.File
	if !h.opts.FullPath {
		file = filepath.Base(file)
	}
	return fmt.Sprintf("%s:%d", file, frame.Line)
}

// writeAttrs appends every bound and record-local attribute as a
// space-separated "key=value" token, dotting group-prefixed keys
// (group.field=value) rather than nesting a JSON object.
func (h *ConsoleHandler) writeAttrs(buf *bytes.Buffer, r slog.Record) {
	prefix := strings.Join(h.groups, ".")

	for _, a := range h.attrs {
		h.writeAttr(buf, prefix, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(buf, prefix, a)
		return true
	})
}

func (h *ConsoleHandler) writeAttr(buf *bytes.Buffer, prefix string, a slog.Attr) {
	val := a.Value.Resolve()
	if val.Kind() == slog.KindGroup {
		nestedPrefix := a.Key
		if prefix != "" {
			nestedPrefix = prefix + "." + a.Key
		}
		for _, child := range val.Group() {
			h.writeAttr(buf, nestedPrefix, child)
		}
		return
	}

	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	buf.WriteByte(' ')
	buf.WriteString(h.paintDim(key))
	buf.WriteByte('=')
	buf.WriteString(h.paintValue(h.formatValue(val)))
}

func (h *ConsoleHandler) formatValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindTime:
		s = v.Time().Format(h.opts.TimeFormat)
	case slog.KindDuration:
		s = v.Duration().String()
	case slog.KindString:
		s = v.String()
	default:
		s = fmt.Sprint(v.Any())
	}

	if strings.ContainsAny(s, " \t\"") {
		s = strconv.Quote(s)
	}
	if h.opts.MaxValueLength > 0 && len(s) > h.opts.MaxValueLength {
		s = s[:h.opts.MaxValueLength] + "..."
	}
	return s
}
