// The migrate process applies the schema migrations and exits.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/onhand/dispatch-core/internal/config"
	"github.com/onhand/dispatch-core/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.MustLoad(*configPath)

	if err := store.Migrate(cfg.Database.GetDSN()); err != nil {
		log.Printf("migrate: %v", err)
		os.Exit(1)
	}

	log.Println("migrate: schema is up to date")
}
