package store

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between supported databases
type dialect struct {
	driver      string
	positional  bool
	schema      []string
	maxOpenConn int
}

var dialects = map[string]dialect{
	"sqlite3": {
		driver: "sqlite3",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS email_opens (
				id TEXT PRIMARY KEY,
				email_id TEXT NOT NULL,
				lead_id TEXT NOT NULL,
				lead_name TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				recipient TEXT NOT NULL DEFAULT '',
				opens_count INTEGER NOT NULL,
				opened_at TEXT NOT NULL,
				notified_at TEXT,
				date_opened TEXT NOT NULL,
				source TEXT NOT NULL,
				kind TEXT NOT NULL,
				notify_status TEXT NOT NULL DEFAULT '',
				notify_error TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_email_id ON email_opens(email_id)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_lead_id ON email_opens(lead_id)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_date_opened ON email_opens(date_opened)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_opened_at ON email_opens(opened_at)`,
		},
		// SQLite allows a single writer
		maxOpenConn: 1,
	},
	"mysql": {
		driver: "mysql",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS email_opens (
				id VARCHAR(36) PRIMARY KEY,
				email_id VARCHAR(255) NOT NULL,
				lead_id VARCHAR(255) NOT NULL,
				lead_name VARCHAR(1024) NOT NULL DEFAULT '',
				subject TEXT NOT NULL,
				recipient VARCHAR(1024) NOT NULL DEFAULT '',
				opens_count INT NOT NULL,
				opened_at CHAR(24) NOT NULL,
				notified_at CHAR(24) NULL,
				date_opened CHAR(10) NOT NULL,
				source VARCHAR(16) NOT NULL,
				kind VARCHAR(16) NOT NULL,
				notify_status VARCHAR(16) NOT NULL DEFAULT '',
				notify_error TEXT NOT NULL,
				created_at CHAR(24) NOT NULL,
				INDEX idx_email_opens_email_id (email_id),
				INDEX idx_email_opens_lead_id (lead_id),
				INDEX idx_email_opens_date_opened (date_opened),
				INDEX idx_email_opens_opened_at (opened_at)
			)`,
		},
	},
	"postgres": {
		driver:     "postgres",
		positional: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS email_opens (
				id VARCHAR(36) PRIMARY KEY,
				email_id VARCHAR(255) NOT NULL,
				lead_id VARCHAR(255) NOT NULL,
				lead_name TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				recipient TEXT NOT NULL DEFAULT '',
				opens_count INTEGER NOT NULL,
				opened_at CHAR(24) NOT NULL,
				notified_at CHAR(24),
				date_opened CHAR(10) NOT NULL,
				source VARCHAR(16) NOT NULL,
				kind VARCHAR(16) NOT NULL,
				notify_status VARCHAR(16) NOT NULL DEFAULT '',
				notify_error TEXT NOT NULL DEFAULT '',
				created_at CHAR(24) NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_email_id ON email_opens(email_id)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_lead_id ON email_opens(lead_id)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_date_opened ON email_opens(date_opened)`,
			`CREATE INDEX IF NOT EXISTS idx_email_opens_opened_at ON email_opens(opened_at)`,
		},
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported store driver: %s", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders into $1, $2, ... for drivers that need them
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
