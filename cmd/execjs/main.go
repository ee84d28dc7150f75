// Command execjs evaluates JavaScript through an external runtime, either
// locally or against a running execjs-bridge server.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
