/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process. Development gets a console
// writer at debug level; everything else logs JSON at info.
func Setup(environment string) zerolog.Logger {
	return SetupWithWriter(environment, os.Stdout)
}

// SetupWithWriter configures zerolog to write to out.
func SetupWithWriter(environment string, out io.Writer) zerolog.Logger {
	return SetupWithCapture(environment, out, nil)
}

// SetupWithCapture is SetupWithWriter plus a second sink that always gets
// the JSON form of each line, even when out is a console writer.
func SetupWithCapture(environment string, out, capture io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level := zerolog.InfoLevel
	var writer io.Writer = out
	if environment == "development" {
		level = zerolog.DebugLevel
		writer = zerolog.ConsoleWriter{Out: out}
	}
	if capture != nil {
		writer = zerolog.MultiLevelWriter(writer, capture)
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(level)
	log.Logger = logger
	return logger
}

// ParseLevel overrides the level of logger when name is a valid zerolog
// level, and returns logger unchanged otherwise.
func ParseLevel(logger zerolog.Logger, name string) zerolog.Logger {
	if name == "" {
		return logger
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		logger.Warn().Str("level", name).Msg("unknown log level, keeping default")
		return logger
	}
	return logger.Level(level)
}
