// migrate applies the schema migrations with goose.
package main

import (
	"database/sql"
	"flag"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nacsos/meta-cache/internal/config"
	"github.com/nacsos/meta-cache/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dir := flag.String("dir", "migrations", "migrations directory")
	down := flag.Bool("down", false, "roll back the last migration instead")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.Must(cfg.LogLevel)
	defer log.Sync()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalw("goose dialect", "error", err)
	}

	if *down {
		if err := goose.Down(db, *dir); err != nil {
			log.Fatalw("migration rollback failed", "error", err)
		}
		log.Info("rolled back one migration")
		return
	}
	if err := goose.Up(db, *dir); err != nil {
		log.Fatalw("migration failed", "error", err)
	}
	log.Info("migrations applied")
}
