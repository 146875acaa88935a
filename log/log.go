// Package log provides slog loggers used across the transaction layer.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(ap netip.AddrPort) slog.Value {
		return slog.StringValue(ap.String())
	}),
	slogformatter.FormatByKind(slog.KindDuration, func(v slog.Value) slog.Value {
		return slog.StringValue(v.Duration().String())
	}),
)

// Format selects the output handler of a logger created with [New].
type Format string

const (
	FormatConsole Format = "console"
	FormatDev     Format = "dev"
	FormatJSON    Format = "json"
	FormatText    Format = "text"
	FormatNoop    Format = "noop"
)

// New creates a logger writing to w in the given format.
// Unknown formats fall back to [FormatConsole].
func New(w io.Writer, format Format, level slog.Leveler) *slog.Logger {
	if level == nil {
		level = slog.LevelInfo
	}

	switch Format(strings.ToLower(string(format))) {
	case FormatNoop:
		return Noop
	case FormatDev:
		return slog.New(newHandler(
			devslog.NewHandler(w, &devslog.Options{
				HandlerOptions: &slog.HandlerOptions{
					AddSource: true,
					Level:     level,
				},
				SortKeys:   true,
				TimeFormat: time.RFC3339Nano,
			}),
		))
	case FormatJSON:
		return slog.New(newHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	case FormatText:
		return slog.New(newHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	default:
		return slog.New(newHandler(
			console.NewHandler(w, &console.HandlerOptions{
				AddSource:  true,
				Level:      level,
				TimeFormat: time.RFC3339Nano,
			}),
		))
	}
}

// ParseLevel parses a level name like "debug" or "warn".
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("parse log level %q: %w", s, err)
	}
	return lvl, nil
}

// Def is a default logger.
var Def = New(os.Stdout, FormatConsole, slog.LevelDebug)

// Dev is a developer logger.
var Dev = New(os.Stdout, FormatDev, slog.LevelDebug)

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a noop logger.
var Noop = slog.New(noopHandler{})

var defLog atomic.Pointer[slog.Logger]

func init() {
	defLog.Store(Noop)
}

// Default returns the package wide logger used when options carry no logger.
// It is [Noop] until replaced with [SetDefault].
func Default() *slog.Logger { return defLog.Load() }

// SetDefault replaces the package wide logger. Nil restores [Noop].
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	defLog.Store(l)
}

type fmtValue struct {
	v        any
	goSyntax bool
}

func (v fmtValue) LogValue() slog.Value {
	if v.goSyntax {
		return slog.StringValue(fmt.Sprintf("%#v", v.v))
	}
	return slog.StringValue(fmt.Sprintf("%+v", v.v))
}

// FmtValue returns a value logger that formats values using '%+v' or '%#v' syntax.
func FmtValue(v any, goSyntax bool) slog.LogValuer { return fmtValue{v, goSyntax} }

type calcValue struct{ fn func() any }

func (v calcValue) LogValue() slog.Value {
	cv := v.fn()
	switch cv := cv.(type) {
	case slog.Value:
		return cv
	default:
		return slog.AnyValue(cv)
	}
}

// CalcValue returns a value logger that computes a value using a fn.
// The fn is called only when the record is handled.
func CalcValue(fn func() any) slog.LogValuer { return calcValue{fn} }
