// Package nlog is the mesh's leveled logger: a small global facade so the
// rest of the tree never imports a concrete logging library directly.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// SetTitle tags every subsequent line with a component name, mirroring the
// teacher's per-daemon log title (e.g. "coordinator", "node").
func SetTitle(title string) {
	logger = logger.With().Str("component", title).Logger()
}

// SetOutput redirects the underlying writer, e.g. to a rotated log file.
func SetOutput(w io.Writer) {
	logger = logger.Output(w).With().Timestamp().Logger()
}

// SetLevel sets the minimum severity that is actually written.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func Infof(format string, args ...any)    { logger.Info().Msgf(format, args...) }
func Infoln(args ...any)                  { logger.Info().Msg(sprint(args)) }
func Warningf(format string, args ...any) { logger.Warn().Msgf(format, args...) }
func Warningln(args ...any)               { logger.Warn().Msg(sprint(args)) }
func Errorf(format string, args ...any)   { logger.Error().Msgf(format, args...) }
func Errorln(args ...any)                 { logger.Error().Msg(sprint(args)) }

// Flush is a no-op kept for symmetry with daemons that buffer; zerolog
// writes synchronously so there is nothing to flush.
func Flush() {}

func sprint(args []any) string {
	if len(args) == 1 {
		if s, ok := args[0].(string); ok {
			return s
		}
	}
	return fmt.Sprint(args...)
}
