// Package logger configures logrus for the process.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultConfig logs at info level, in color, to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level: "info",
		Color: true,
	}
}

// Config is the configuration of the process logger.
type Config struct {
	Level string `json:"level"`
	Color bool   `json:"color"`
	JSON  bool   `json:"json"`
	// File additionally receives every log line when set.
	File string `json:"file"`
}

// Validate implements the check.Validatable interface.
func (c Config) Validate() []error {
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return []error{err}
	}
	return nil
}

// SetLogrus applies c to the global logrus logger. The returned closer releases the log file, if
// any; it is never nil.
func SetLogrus(c Config) (io.Closer, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nopCloser{}, errors.Wrapf(err, "invalid log level %q", c.Level)
	}
	logrus.SetLevel(level)

	if c.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   c.Color && c.File == "",
			DisableColors: !c.Color || c.File != "",
		})
	}

	if c.File == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
		return nopCloser{}, errors.Wrap(err, "creating log directory")
	}
	f, err := os.OpenFile(c.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304
	if err != nil {
		return nopCloser{}, errors.Wrap(err, "opening log file")
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
