package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/trialdispatcher/pkg/logger"
)

func main() {
	if _, err := logger.SetLogrus(*logger.DefaultConfig()); err != nil {
		log.WithError(err).Fatal("invalid default logging configuration")
	}

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("fatal error running trial dispatcher")
	}
}
