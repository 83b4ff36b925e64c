package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/sthita19/kindle-clippings-app/pkg/clip"
)

// ErrNoSubscriber is returned when a lookup matches no row.
var ErrNoSubscriber = errors.New("subscriber not found")

// StateStore persists subscriber schedule state and the append-only
// delivery log in SQLite. The scheduler loop and the web handlers share it;
// SQLite's single-writer connection plus per-call transactions give each
// subscriber's read-evaluate-update sequence transactional isolation.
type StateStore struct {
	db     *sql.DB
	logger *slog.Logger
	salt   []byte
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL UNIQUE,
	token       TEXT NOT NULL UNIQUE,
	frequency   TEXT NOT NULL,
	send_time   TEXT NOT NULL,
	paused      INTEGER NOT NULL DEFAULT 0,
	digest_size INTEGER NOT NULL,
	last_sent_at TEXT,
	export_key  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS deliveries (
	id            TEXT PRIMARY KEY,
	subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
	sent_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_subscriber ON deliveries(subscriber_id, sent_at DESC);
`

// OpenState opens (and bootstraps) the SQLite state database.
func OpenState(path string, salt []byte, logger *slog.Logger) (*StateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(stateSchema); err != nil {
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	logger.Info("State database ready", "path", path)
	return &StateStore{db: db, logger: logger, salt: salt}, nil
}

// Close closes the database.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// TokenFromEmail derives a deterministic, unguessable token from an email
// address. Uses HMAC-SHA256 with a secret salt so tokens cannot be guessed
// without the salt.
func (s *StateStore) TokenFromEmail(email string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(h.Sum(nil))
}

// Create inserts a new subscriber with the default schedule.
func (s *StateStore) Create(ctx context.Context, email string) (*clip.Subscriber, error) {
	now := time.Now().UTC()
	sub := &clip.Subscriber{
		ID:        uuid.NewString(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Token:     s.TokenFromEmail(email),
		Schedule:  clip.DefaultSchedule(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (id, email, token, frequency, send_time, paused, digest_size, last_sent_at, export_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '', ?, ?)`,
		sub.ID, sub.Email, sub.Token,
		string(sub.Schedule.Frequency), sub.Schedule.SendTime, boolToInt(sub.Schedule.Paused), sub.Schedule.DigestSize,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert subscriber: %w", err)
	}

	s.logger.Info("Subscriber created", "email", sub.Email, "subscriber_id", sub.ID)
	return sub, nil
}

const subscriberColumns = `id, email, token, frequency, send_time, paused, digest_size, last_sent_at, export_key, created_at, updated_at`

// List returns all subscribers.
func (s *StateStore) List(ctx context.Context) ([]*clip.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var subs []*clip.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// ByEmail loads a subscriber by email address.
func (s *StateStore) ByEmail(ctx context.Context, email string) (*clip.Subscriber, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE email = ?`, email)
	return scanSubscriber(row)
}

// ByToken loads a subscriber by its manage token.
func (s *StateStore) ByToken(ctx context.Context, token string) (*clip.Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE token = ?`, token)
	return scanSubscriber(row)
}

// UpdateSchedule replaces a subscriber's recurrence configuration. The
// schedule is validated; LastSentAt is owned by MarkSent and is never
// touched here.
func (s *StateStore) UpdateSchedule(ctx context.Context, id string, sched clip.Schedule) error {
	if err := ValidateSchedule(sched); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE subscribers
		SET frequency = ?, send_time = ?, paused = ?, digest_size = ?, updated_at = ?
		WHERE id = ?`,
		string(sched.Frequency), sched.SendTime, boolToInt(sched.Paused), sched.DigestSize,
		formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res)
}

// SetExportKey records the storage key of a freshly uploaded export.
func (s *StateStore) SetExportKey(ctx context.Context, id, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET export_key = ?, updated_at = ? WHERE id = ?`,
		key, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set export key: %w", err)
	}
	return requireRow(res)
}

// MarkSent records a successful delivery: advances last_sent_at and appends
// a delivery record in a single transaction, so the pair can never diverge.
// last_sent_at only moves forward; a stale instant is rejected.
func (s *StateStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var lastRaw sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT last_sent_at FROM subscribers WHERE id = ?`, id).Scan(&lastRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoSubscriber
	}
	if err != nil {
		return fmt.Errorf("read last_sent_at: %w", err)
	}
	if lastRaw.Valid {
		last, parseErr := parseTime(lastRaw.String)
		if parseErr != nil {
			return fmt.Errorf("stored last_sent_at: %w", parseErr)
		}
		if !at.After(last) {
			return fmt.Errorf("last_sent_at would move backwards (stored %s, new %s)",
				last.Format(time.RFC3339), at.Format(time.RFC3339))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscribers SET last_sent_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("update last_sent_at: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deliveries (id, subscriber_id, sent_at) VALUES (?, ?, ?)`,
		uuid.NewString(), id, formatTime(at)); err != nil {
		return fmt.Errorf("append delivery record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delivery: %w", err)
	}
	return nil
}

// History returns the most recent deliveries for a subscriber, newest first.
func (s *StateStore) History(ctx context.Context, id string, limit int) ([]clip.Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscriber_id, sent_at FROM deliveries WHERE subscriber_id = ? ORDER BY sent_at DESC LIMIT ?`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var deliveries []clip.Delivery
	for rows.Next() {
		var d clip.Delivery
		var sentRaw string
		if err := rows.Scan(&d.ID, &d.SubscriberID, &sentRaw); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.SentAt, err = parseTime(sentRaw)
		if err != nil {
			return nil, fmt.Errorf("stored sent_at: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// Delete removes a subscriber and, via the foreign key, their delivery log.
func (s *StateStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	return requireRow(res)
}

// ValidateSchedule checks a schedule coming from user configuration.
func ValidateSchedule(sched clip.Schedule) error {
	if _, ok := clip.ParseFrequency(string(sched.Frequency)); !ok {
		return fmt.Errorf("invalid frequency %q", sched.Frequency)
	}
	if _, err := time.Parse("15:04", sched.SendTime); err != nil {
		return fmt.Errorf("invalid send time %q (want HH:MM)", sched.SendTime)
	}
	if sched.DigestSize < 1 {
		return fmt.Errorf("digest size must be at least 1, got %d", sched.DigestSize)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*clip.Subscriber, error) {
	var (
		sub       clip.Subscriber
		frequency string
		paused    int
		lastRaw   sql.NullString
		created   string
		updated   string
	)
	err := row.Scan(&sub.ID, &sub.Email, &sub.Token,
		&frequency, &sub.Schedule.SendTime, &paused, &sub.Schedule.DigestSize,
		&lastRaw, &sub.ExportKey, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscriber
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}

	sub.Schedule.Frequency = clip.Frequency(frequency)
	sub.Schedule.Paused = paused != 0
	if lastRaw.Valid {
		t, parseErr := parseTime(lastRaw.String)
		if parseErr != nil {
			return nil, fmt.Errorf("stored last_sent_at: %w", parseErr)
		}
		sub.Schedule.LastSentAt = &t
	}
	if sub.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("stored created_at: %w", err)
	}
	if sub.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("stored updated_at: %w", err)
	}
	return &sub, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNoSubscriber
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
