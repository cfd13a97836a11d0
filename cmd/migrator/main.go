package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	up := flag.Bool("up", false, "apply all pending migrations")
	down := flag.Bool("down", false, "roll back all migrations")
	steps := flag.Int("steps", 0, "apply a signed number of migration steps")
	source := flag.String("source", "file://migrations", "migration source URL")
	flag.Parse()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"),
		envOr("DB_HOST", "localhost"), envOr("DB_PORT", "5432"),
		os.Getenv("DB_NAME"), envOr("DB_SSLMODE", "disable"))

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("DB open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Migrate driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatalf("Migrate init: %v", err)
	}

	switch {
	case *up:
		run("up", m.Up)
	case *down:
		run("down", m.Down)
	case *steps != 0:
		run(fmt.Sprintf("steps %+d", *steps), func() error { return m.Steps(*steps) })
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("No migrations applied yet. Use -up, -down or -steps.")
			return
		}
		log.Printf("Schema version %d (dirty=%v). Use -up, -down or -steps.", version, dirty)
	}
}

func run(name string, fn func() error) {
	if err := fn(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Migration %s failed: %v", name, err)
	}
	log.Printf("Migration %s complete", name)
}
