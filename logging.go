package sniproxy

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the process-wide zerolog.Logger from a LogConfig:
// level, destination (stdout/file/both), optional color, and optional
// timestamp/module fields. Rotation is handled by an external log
// rotation collaborator (out of scope per the purpose statement); when
// enable_rotation is set, the file is still opened append-only here
// and a sibling process (or systemd/logrotate) is expected to rotate
// it by rename-and-signal, the common Unix convention.
func NewLogger(cfg LogConfig) (zerolog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var writers []io.Writer
	if cfg.Output == "stdout" || cfg.Output == "both" {
		if cfg.UseColor {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, NoColor: false})
		} else {
			writers = append(writers, os.Stdout)
		}
	}
	if cfg.Output == "file" || cfg.Output == "both" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, f)
	}

	var out io.Writer = io.MultiWriter(writers...)
	if len(writers) == 1 {
		out = writers[0]
	}

	ctx := zerolog.New(out).Level(level).With()
	if cfg.ShowTimestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()
	if cfg.ShowModule {
		logger = logger.With().Str("module", "sni-proxy").Logger()
	}
	return logger, nil
}

func parseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "off":
		return zerolog.Disabled, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	default:
		return zerolog.InfoLevel, nil
	}
}
