/*
main.go - Application entry point

PURPOSE:
  Builds the apengine CLI: the HTTP server, one-shot driver runs,
  schedule previews, migrations and demo seeding.

STARTUP SEQUENCE:
  1. Load configuration (.env, then APENGINE_* variables)
  2. Initialize logging
  3. Execute the requested command

COMMANDS:
  serve              HTTP API plus the materialization driver
  run                One driver pass for today or --date
  preview <id>       Next occurrences of a definition
  migrate            Apply schema migrations and print the version
  seed <scenario>    Reset the database and load a demo scenario

ENVIRONMENT:
  See config/config.go. Every variable has a default; a .env file in the
  working directory is read first.

SEE ALSO:
  - app.go: Dependency wiring
  - serve.go: Server startup and graceful shutdown
*/
package main

import (
	"log"

	"github.com/warp/payables-engine/config"
	"github.com/warp/payables-engine/logger"
)

func main() {
	cfg, cfgErr := config.Load()
	if cfgErr != nil {
		// Commands report cfgErr; logging still needs to work.
		if err := logger.Setup(logger.DefaultConfig()); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
	} else if err := logger.Setup(cfg.GetLoggerConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	Execute(cfg, cfgErr)
}
