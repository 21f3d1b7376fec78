// Package main provides the database migration tool for the wallet analysis service.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/wallet-insight/internal/config"
	"github.com/wallet-insight/internal/logging"
	"github.com/wallet-insight/internal/storage"
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version")
	db := flag.String("db", "postgres", "Database: postgres, clickhouse")
	clickhousePath := flag.String("clickhouse-path", "migrations/clickhouse", "Directory of ClickHouse migrations")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
		"action": *action,
		"db":     *db,
	})

	switch *db {
	case "postgres":
		url := cfg.Database.Postgres.PostgresURL()
		path := cfg.Database.Postgres.MigrationsPath
		switch *action {
		case "up":
			err = storage.RunMigrations(url, path)
		case "down":
			err = storage.RollbackMigrations(url, path)
		case "version":
			var version uint
			var dirty bool
			version, dirty, err = storage.MigrationVersion(url, path)
			if err == nil {
				logger.WithFields(map[string]interface{}{
					"version": version,
					"dirty":   dirty,
				}).Info("Current migration version")
			}
		default:
			logger.Fatalf("Unknown action: %s", *action)
		}

	case "clickhouse":
		if *action != "up" {
			logger.Fatal("ClickHouse migrations only support -action up")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		conn, cerr := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if cerr != nil {
			logger.WithError(cerr).Fatal("Failed to connect to ClickHouse")
		}
		defer conn.Close()
		err = storage.RunClickHouseMigrations(ctx, conn, *clickhousePath)

	default:
		logger.Fatalf("Unknown database: %s", *db)
	}

	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
	logger.Info("Migration finished")
}
