package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(os.Stderr)

	if err := Execute(); err != nil {
		log.Error().Err(err).Msg("listingfuse exited with error")
		os.Exit(1)
	}
}
