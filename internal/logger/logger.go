// Package logger configures logrus for the picpool binaries.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log level, format and optional file rotation.
type Config struct {
	Level  string `yaml:"level" env:"LEVEL, overwrite, default=info"`
	Format string `yaml:"format" env:"FORMAT, overwrite, default=json"` // json or text

	// File enables a rotated log file next to stdout when set.
	File       string `yaml:"file" env:"FILE, overwrite"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB, overwrite, default=100"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS, overwrite, default=5"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS, overwrite, default=14"`
	Compress   bool   `yaml:"compress" env:"COMPRESS, overwrite"`
}

// New builds a logger from cfg.
func New(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(orDefault(cfg.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)

	switch strings.ToLower(orDefault(cfg.Format, "json")) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}
	log.SetOutput(out)

	return log, nil
}

// WithComponent tags entries with the emitting component.
func WithComponent(log logrus.FieldLogger, component string) *logrus.Entry {
	return log.WithField("component", component)
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
