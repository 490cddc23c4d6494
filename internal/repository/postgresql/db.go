package postgresql

import (
	"database/sql"
	"fmt"
	"time"

	"smart_bays/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// NewDB opens the pool with the configured driver: "pgx" (jackc/pgx stdlib)
// or "postgres" (lib/pq).
func NewDB(cfg *config.Config) (*sql.DB, error) {
	driver := cfg.DBDriver
	if driver == "" {
		driver = "pgx"
	}
	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgresql.NewDB: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql.NewDB: ping: %w", err)
	}
	return db, nil
}
