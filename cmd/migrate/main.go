package main

// Run database migrations:
//   go run ./cmd/migrate [up|down|version]

import (
	"context"
	"log"
	"os"

	"dealflow-backend/internal/shared/config"
	"dealflow-backend/internal/shared/storage/db"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	opts := db.OptionsFromEnv(db.DefaultMigrateOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		log.Printf("failed to connect database: %v", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	switch cmd {
	case "up":
		err = db.RunMigrations(ctx, sqlDB)
	case "down":
		err = db.RollbackMigration(ctx, sqlDB)
	case "version":
		var v int64
		v, err = db.MigrationVersion(ctx, sqlDB)
		if err == nil {
			log.Printf("database version: %d", v)
		}
	default:
		log.Printf("unknown command %q (want up, down or version)", cmd)
		sqlDB.Close()
		os.Exit(2)
	}
	if err != nil {
		log.Printf("migrate %s failed: %v", cmd, err)
		sqlDB.Close()
		os.Exit(1)
	}
}
