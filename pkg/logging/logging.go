// Package logging builds the slog loggers handed to every bundler component.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
)

// Format selects the log handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts "text", "json" or the empty string (text).
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown log format %q (want text or json)", s)
}

// LoudKey is the attribute that marks a record as needing the user's
// attention.
const LoudKey = "loud"

var loud = color.New(color.FgRed, color.Bold)

// Loud marks a record that needs the user's attention even in a long build
// log. Text output shows its message in bold red; JSON output carries it as
// a plain boolean attribute.
func Loud() slog.Attr {
	return slog.Bool(LoudKey, true)
}

// loudHandler colors the message of records marked with Loud and drops the
// marker itself.
type loudHandler struct {
	slog.Handler
}

func (h loudHandler) Handle(ctx context.Context, r slog.Record) error {
	marked := false
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == LoudKey && a.Value.Kind() == slog.KindBool {
			marked = marked || a.Value.Bool()
			return true
		}
		attrs = append(attrs, a)
		return true
	})
	if !marked {
		return h.Handler.Handle(ctx, r)
	}
	out := slog.NewRecord(r.Time, r.Level, loud.Sprint(r.Message), r.PC)
	out.AddAttrs(attrs...)
	return h.Handler.Handle(ctx, out)
}

func (h loudHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return loudHandler{h.Handler.WithAttrs(attrs)}
}

func (h loudHandler) WithGroup(name string) slog.Handler {
	return loudHandler{h.Handler.WithGroup(name)}
}

func rewriteLogLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}

		var levelText string
		switch level {
		case slog.LevelDebug:
			levelText = "DEBUG"
		case slog.LevelInfo:
			levelText = color.GreenString("INFO")
		case slog.LevelWarn:
			levelText = color.YellowString("WARN")
		case slog.LevelError:
			levelText = color.RedString("ERROR")
		default:
			levelText = level.String()
		}
		a.Value = slog.StringValue(levelText)
	}
	return a
}

// New returns a logger writing to w. Text output goes through tint with
// colored level names; verbose lowers the level to debug.
func New(w io.Writer, format Format, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(loudHandler{tint.NewHandler(w, &tint.Options{
		Level:       level,
		TimeFormat:  time.DateTime,
		ReplaceAttr: rewriteLogLevel,
	})})
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(100), // Higher than any real level
	}))
}
