package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Console receives human-readable output. Defaults to stderr.
	Console io.Writer
	// File, when set, also receives JSON lines with rotation.
	File  string
	Debug bool
}

// Init replaces the global logger. The returned closer flushes the log file.
func Init(opts Options) (io.Closer, error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05"}}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    1,
			MaxBackups: 2,
		}
		writers = append(writers, lj)
		closer = lj
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
