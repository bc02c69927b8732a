// The api process serves the booking REST surface, the push bus, and the
// gRPC health endpoint. It also runs the dispatcher loop unless a dedicated
// dispatcher process is deployed alongside.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/onhand/dispatch-core/internal/app"
)

// @title dispatch-core
// @version 1.0.0
// @description Real-time job dispatch core for on-demand home services
// @BasePath /
func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	withDispatcher := flag.Bool("dispatcher", true, "run the dispatcher loop in this process")
	flag.Parse()

	// optional .env for local development
	_ = godotenv.Load()

	if err := app.Run(*configPath, app.Options{
		ServeHTTP:     true,
		RunDispatcher: *withDispatcher,
	}); err != nil {
		log.Printf("api: %v", err)
		os.Exit(1)
	}
}
