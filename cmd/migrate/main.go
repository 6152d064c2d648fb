// Command migrate applies the embedded SQL backend's schema to the configured
// database path and exits, for provisioning a fresh deployment or upgrading an
// existing one before cmd/api or cmd/worker first run against it. Styled after
// the teacher's small single-purpose admin binaries (cmd/tokengen): a handful
// of sequential steps and a single printed confirmation, no flags beyond the
// config path.
package main

import (
	"flag"
	"fmt"
	"log"

	"simbatch/internal/config"
	"simbatch/internal/store/sqlstore"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to the JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("error loading configuration: %v", err)
	}

	if cfg.UsesDocStore() {
		log.Fatalf("cloud_project_id is set: this deployment uses the document store, which has no schema to migrate")
	}

	db, err := sqlstore.Open(cfg.SQL.Path)
	if err != nil {
		log.Fatalf("error applying schema: %v", err)
	}
	defer db.Close()

	fmt.Println("Schema applied successfully to", cfg.SQL.Path)
}
