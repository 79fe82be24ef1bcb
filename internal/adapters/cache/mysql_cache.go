package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

const mysqlUpsert = `
	INSERT INTO dedup_cache (email_id, opens_count, last_seen, expires_at)
	VALUES (?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		opens_count = VALUES(opens_count),
		last_seen = VALUES(last_seen),
		expires_at = VALUES(expires_at)
`

// NewMySQLCache creates a new MySQL cache
func NewMySQLCache(dsn string, logger *zap.Logger, cleanupFreq time.Duration) (*SQLCache, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	return newMySQLCache(db, logger, cleanupFreq)
}

func newMySQLCache(db *sql.DB, logger *zap.Logger, cleanupFreq time.Duration) (*SQLCache, error) {
	// Create table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dedup_cache (
			email_id VARCHAR(255) PRIMARY KEY,
			opens_count INT NOT NULL,
			last_seen CHAR(24) NOT NULL,
			expires_at CHAR(24) NOT NULL,
			INDEX idx_dedup_cache_expires_at (expires_at)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return newSQLCache(db, "mysql", mysqlUpsert, logger, cleanupFreq), nil
}
