// The dispatcher process runs the loop alone: useful when the push bus and
// REST surface scale separately from the scanning work. Events still reach
// connected clients through the Redis fan-out.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/onhand/dispatch-core/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	_ = godotenv.Load()

	if err := app.Run(*configPath, app.Options{
		ServeHTTP:     false,
		RunDispatcher: true,
	}); err != nil {
		log.Printf("dispatcher: %v", err)
		os.Exit(1)
	}
}
