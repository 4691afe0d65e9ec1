// Package logging builds the zerolog loggers every component writes to.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"bcsync/internal/config"

	"github.com/rs/zerolog"
)

// componentLevels holds the per-component overrides from the last New call.
var componentLevels atomic.Pointer[map[string]zerolog.Level]

// New builds the process logger: JSON on stdout at info unless configured
// otherwise. The closer is non-nil only for file output.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level, zerolog.InfoLevel)

	overrides := make(map[string]zerolog.Level, len(cfg.Components))
	for name, raw := range cfg.Components {
		lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil || lvl == zerolog.NoLevel {
			return nil, nil, fmt.Errorf("logging.components.%s: invalid level %q", name, raw)
		}
		overrides[name] = lvl
	}
	componentLevels.Store(&overrides)

	output, closer, err := openOutput(cfg)
	if err != nil {
		return nil, nil, err
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	ctx := zerolog.New(output).Level(level).With().Timestamp().Str("app", app.Name)
	if app.Environment != "" {
		ctx = ctx.Str("env", app.Environment)
	}
	if app.Version != "" {
		ctx = ctx.Str("version", app.Version)
	}
	base := ctx.Logger()
	return &base, closer, nil
}

func parseLevel(raw string, fallback zerolog.Level) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || lvl == zerolog.NoLevel {
		return fallback
	}
	return lvl
}

func openOutput(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging.output=file requires logging.file_path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return file, file, nil
	}
	return nil, nil, fmt.Errorf("unknown logging.output %q", cfg.Output)
}

// Component derives a child logger tagged with the component name, applying
// any configured level override. A nil parent yields a disabled logger so
// callers never nil-check.
func Component(parent *zerolog.Logger, name string) *zerolog.Logger {
	if parent == nil {
		nop := zerolog.Nop()
		return &nop
	}
	child := parent.With().Str("component", name).Logger()
	if levels := componentLevels.Load(); levels != nil {
		if lvl, ok := (*levels)[name]; ok {
			child = child.Level(lvl)
		}
	}
	return &child
}
