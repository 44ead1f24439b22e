package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/harshabose/camserver/pkg/config"
)

func newLogger(c config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.TimeOnly,
		NoColor:    c.NoColor,
	}

	return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nil
}
