package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/lirancohen/loupe/config"
	"github.com/rs/zerolog"
)

// zeroLogger adapts zerolog to the Debug/Info/Warn/Error(msg, keysAndValues...)
// interface every loupe package accepts.
type zeroLogger struct {
	l zerolog.Logger
}

func newLogger(cfg config.LogConfig, w io.Writer) (zeroLogger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zeroLogger{}, fmt.Errorf("log level: %w", err)
		}
		level = lvl
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zeroLogger{l: zerolog.New(w).Level(level).With().Timestamp().Logger()}, nil
}

func (z zeroLogger) Debug(msg string, keysAndValues ...any) { z.log(z.l.Debug(), msg, keysAndValues) }
func (z zeroLogger) Info(msg string, keysAndValues ...any)  { z.log(z.l.Info(), msg, keysAndValues) }
func (z zeroLogger) Warn(msg string, keysAndValues ...any)  { z.log(z.l.Warn(), msg, keysAndValues) }
func (z zeroLogger) Error(msg string, keysAndValues ...any) { z.log(z.l.Error(), msg, keysAndValues) }

func (zeroLogger) log(e *zerolog.Event, msg string, keysAndValues []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			e = e.Str("extra", key)
			break
		}
		switch v := keysAndValues[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
