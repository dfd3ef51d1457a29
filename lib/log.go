package lib

import (
	"os"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// SetLogger replaces the package logger. Level gating is the caller's
// choice; emission never blocks event delivery.
func SetLogger(l zerolog.Logger) {
	logger = l
}
