// Command estate-sync ingests property listings from the upstream API into
// PostgreSQL and keeps them fresh.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("estate-sync failed")
		os.Exit(1)
	}
}
