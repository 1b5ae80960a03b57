// cmd/seeder/main.go
//
// Applies the schema files in migrations/ against the configured database.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/unclebandit/mailrelay-backend/internal/config"
	"github.com/unclebandit/mailrelay-backend/internal/db"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	database, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		log.Fatal("failed to connect to DB:", err)
	}
	defer database.Close()

	schemaFiles := []string{
		"migrations/schema.sql",
	}

	for _, file := range schemaFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", file, err)
		}

		if _, err := database.Exec(string(content)); err != nil {
			log.Fatalf("failed to execute %s: %v", file, err)
		}
		fmt.Printf("Applied: %s\n", file)
	}

	fmt.Println("Database schema applied successfully!")
}
