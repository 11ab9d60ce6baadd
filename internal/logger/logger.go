// Package logger builds the zerolog logger and carries log fields on contexts.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level     string
	Console   bool
	SampleN   int
	Component string
}

// Fields are the log fields a context carries. Zero values are not logged.
type Fields struct {
	RequestID  string
	Component  string
	Layer      string
	FetchKey   string
	Generation uint64
	ChangeOp   string
	Source     string
}

type fieldsKey struct{}

func fieldsOf(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func with(ctx context.Context, set func(*Fields)) context.Context {
	f := fieldsOf(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return with(ctx, func(f *Fields) { f.RequestID = reqID })
}

func WithComponent(ctx context.Context, component string) context.Context {
	return with(ctx, func(f *Fields) { f.Component = component })
}

// WithLayer also clears the fetch key and generation of a previous layer.
func WithLayer(ctx context.Context, layer string) context.Context {
	if layer == "" {
		return ctx
	}
	return with(ctx, func(f *Fields) {
		if f.Layer != layer {
			f.FetchKey, f.Generation = "", 0
		}
		f.Layer = layer
	})
}

// WithFetch tags a context with the cache key being fetched.
func WithFetch(ctx context.Context, key string) context.Context {
	return with(ctx, func(f *Fields) { f.FetchKey = key })
}

func WithGeneration(ctx context.Context, id uint64) context.Context {
	return with(ctx, func(f *Fields) { f.Generation = id })
}

// WithChange tags work done for an upstream change event.
func WithChange(ctx context.Context, op, source string) context.Context {
	return with(ctx, func(f *Fields) { f.ChangeOp, f.Source = op, source })
}

// FieldsFrom returns the fields carried by ctx.
func FieldsFrom(ctx context.Context) Fields {
	return fieldsOf(ctx)
}

func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	base := zerolog.New(out)
	if cfg.SampleN > 1 {
		base = base.Sample(&zerolog.BasicSampler{N: uint32(min(uint64(cfg.SampleN), math.MaxUint32))})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || lvl == zerolog.NoLevel || lvl < zerolog.DebugLevel || lvl > zerolog.ErrorLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zc := base.With().Timestamp().Str("service", "mapsync")
	if cfg.Component != "" {
		zc = zc.Str("component", cfg.Component)
	}
	return zc.Logger()
}

// FromContext returns a child of parent with the context's fields applied.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.New(io.Discard)
	if parent != nil {
		base = *parent
	}
	f := fieldsOf(ctx)
	w := base.With()
	str := func(k, v string) {
		if v != "" {
			w = w.Str(k, v)
		}
	}
	str("request_id", f.RequestID)
	str("component", f.Component)
	str("layer", f.Layer)
	str("fetch_key", f.FetchKey)
	if f.Generation != 0 {
		w = w.Uint64("generation", f.Generation)
	}
	str("change_op", f.ChangeOp)
	str("change_source", f.Source)
	l := w.Logger()
	return &l
}

// Discard returns a logger that drops everything.
func Discard() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}
