package main

import (
	"flag"

	"github.com/nexus-api/metering/internal/config"
	"github.com/nexus-api/metering/internal/server"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	config.LoadEnvFiles([]string{".env.local", ".env.development", ".env"})

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fiberlog.Fatalf("Failed to load configuration: %v", err)
	}

	if err := server.New(cfg).Run(); err != nil {
		fiberlog.Fatalf("Server exited with error: %v", err)
	}
}
