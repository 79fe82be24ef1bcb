package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
)

// timestampLayout is fixed width so stored timestamps sort correctly as strings
const timestampLayout = "2006-01-02T15:04:05.000Z"

const selectColumns = `id, email_id, lead_id, lead_name, subject, recipient, opens_count,
	opened_at, notified_at, date_opened, source, kind, notify_status, notify_error, created_at`

// SQLStore is a database/sql implementation of core.EventStore
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *zap.Logger
}

// New opens the database, verifies the connection and creates the schema
func New(driver, dsn string, logger *zap.Logger) (*SQLStore, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if d.maxOpenConn > 0 {
		db.SetMaxOpenConns(d.maxOpenConn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}

	s, err := NewWithDB(db, driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database handle and creates the schema
func NewWithDB(db *sql.DB, driver string, logger *zap.Logger) (*SQLStore, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}

	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	logger.Info("Event store ready", zap.String("driver", driver))

	return &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger,
	}, nil
}

// Append inserts a new event row
func (s *SQLStore) Append(ctx context.Context, event *core.EmailOpenEvent) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO email_opens (
			id, email_id, lead_id, lead_name, subject, recipient, opens_count,
			opened_at, notified_at, date_opened, source, kind, notify_status, notify_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		event.ID,
		event.EmailID,
		event.LeadID,
		event.LeadName,
		event.Subject,
		event.Recipient,
		event.OpensCount,
		formatTimestamp(event.OpenedAt),
		nullableTimestamp(event.NotifiedAt),
		event.DateOpened,
		string(event.Source),
		string(event.Kind),
		string(event.NotifyStatus),
		event.NotifyError,
		formatTimestamp(event.CreatedAt))

	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	return nil
}

// LatestOpensCount returns the highest count recorded for an email, ignoring replays
func (s *SQLStore) LatestOpensCount(ctx context.Context, emailID string) (int, bool, error) {
	var count sql.NullInt64

	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT MAX(opens_count)
		FROM email_opens
		WHERE email_id = ? AND kind <> ?
	`), emailID, string(core.KindReplay)).Scan(&count)

	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest opens count: %w", err)
	}
	if !count.Valid {
		return 0, false, nil
	}

	return int(count.Int64), true, nil
}

// MarkNotified records a successful delivery
func (s *SQLStore) MarkNotified(ctx context.Context, eventID string, at time.Time) error {
	return s.update(ctx, `
		UPDATE email_opens
		SET notified_at = ?, notify_status = ?, notify_error = ''
		WHERE id = ?
	`, formatTimestamp(at), string(core.NotifySent), eventID)
}

// MarkNotifyFailed records a failed or skipped delivery
func (s *SQLStore) MarkNotifyFailed(ctx context.Context, eventID string, status core.NotifyStatus, reason string) error {
	return s.update(ctx, `
		UPDATE email_opens
		SET notify_status = ?, notify_error = ?
		WHERE id = ?
	`, string(status), reason, eventID)
}

func (s *SQLStore) update(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to get rows affected", zap.Error(err))
		return nil
	}
	if rows == 0 {
		return core.ErrEventNotFound
	}

	return nil
}

// List returns events matching the query, newest first
func (s *SQLStore) List(ctx context.Context, q core.EventQuery) ([]*core.EmailOpenEvent, error) {
	var where []string
	var args []any

	if !q.IncludeReplays {
		where = append(where, "kind <> ?")
		args = append(args, string(core.KindReplay))
	}
	if q.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, q.LeadID)
	}
	if q.StartDate != "" {
		where = append(where, "date_opened >= ?")
		args = append(args, q.StartDate)
	}
	if q.EndDate != "" {
		where = append(where, "date_opened <= ?")
		args = append(args, q.EndDate)
	}
	if !q.Since.IsZero() {
		where = append(where, "opened_at >= ?")
		args = append(args, formatTimestamp(q.Since))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectColumns)
	b.WriteString(" FROM email_opens")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY opened_at DESC, id ASC")
	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(b.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*core.EmailOpenEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return events, nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanEvent(rows *sql.Rows) (*core.EmailOpenEvent, error) {
	var (
		event                           core.EmailOpenEvent
		openedAt, createdAt             string
		notifiedAt                      sql.NullString
		source, kind, status, notifyErr string
	)

	err := rows.Scan(
		&event.ID,
		&event.EmailID,
		&event.LeadID,
		&event.LeadName,
		&event.Subject,
		&event.Recipient,
		&event.OpensCount,
		&openedAt,
		&notifiedAt,
		&event.DateOpened,
		&source,
		&kind,
		&status,
		&notifyErr,
		&createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Source = core.Source(source)
	event.Kind = core.DecisionKind(kind)
	event.NotifyStatus = core.NotifyStatus(status)
	event.NotifyError = notifyErr

	if event.OpenedAt, err = parseTimestamp(openedAt); err != nil {
		return nil, fmt.Errorf("failed to parse opened_at: %w", err)
	}
	if event.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if notifiedAt.Valid && notifiedAt.String != "" {
		t, err := parseTimestamp(notifiedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse notified_at: %w", err)
		}
		event.NotifiedAt = &t
	}

	return &event, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	// CHAR columns may come back space padded
	return time.Parse(timestampLayout, strings.TrimSpace(s))
}

func nullableTimestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}
