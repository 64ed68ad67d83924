// Package common holds process-wide helpers shared by the binaries.
package common

import (
	"log/slog"
	"os"
)

// PackageName prefixes metric names.
const PackageName = "wsm_enclave"

// Version is set at build time via -ldflags.
var Version = "dev"

type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
}

func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
