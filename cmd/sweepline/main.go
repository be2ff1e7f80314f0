package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/sweepline-ai/sweepline/pkg/logger"
)

func main() {
	logger.SetLogrus(logger.DefaultConfig())

	if err := rootCmd.Execute(); err != nil {
		log.Error(fmt.Sprintf("%+v", err))
		os.Exit(1)
	}
}
