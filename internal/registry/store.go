// Package registry persists who has talked to the bot and what it fetched
// for them.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500

	// timeLayout is fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// User is a chat user seen by the bot.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int64     `json:"message_count"`
}

// Status is the terminal state of an acquisition.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Acquisition is one finished request.
type Acquisition struct {
	ID         string        `json:"id"`
	UserID     int64         `json:"user_id"`
	ChatID     int64         `json:"chat_id"`
	Source     string        `json:"source"`
	Backend    string        `json:"backend"`
	URL        string        `json:"url"`
	Status     Status        `json:"status"`
	Cause      string        `json:"cause,omitempty"`
	LastCause  string        `json:"last_cause,omitempty"`
	Profile    string        `json:"profile,omitempty"`
	Attempts   int           `json:"attempts"`
	Title      string        `json:"title,omitempty"`
	SizeBytes  int64         `json:"size_bytes"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Store is the SQLite-backed registry.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// TouchUser upserts a user and bumps their message counter.
func (s *Store) TouchUser(ctx context.Context, id int64, username, firstName string) error {
	if id == 0 {
		return fmt.Errorf("user id is zero")
	}
	now := s.now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, username, first_name, first_seen, last_seen, message_count)
VALUES(?, ?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
  username = COALESCE(NULLIF(excluded.username, ''), users.username),
  first_name = COALESCE(NULLIF(excluded.first_name, ''), users.first_name),
  last_seen = excluded.last_seen,
  message_count = users.message_count + 1;
`, id, strings.TrimPrefix(username, "@"), firstName, now, now)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// User returns one user; ok is false when the id was never seen.
func (s *Store) User(ctx context.Context, id int64) (User, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, COALESCE(username, ''), COALESCE(first_name, ''), first_seen, last_seen, message_count
FROM users WHERE id = ?;`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	return u, true, nil
}

// Users returns every known user keyed by id.
func (s *Store) Users(ctx context.Context) (map[int64]User, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, COALESCE(username, ''), COALESCE(first_name, ''), first_seen, last_seen, message_count
FROM users ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]User)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// RecordAcquisition stores a finished acquisition. Recording the same id
// twice is an error.
func (s *Store) RecordAcquisition(ctx context.Context, a Acquisition) error {
	if a.ID == "" {
		return fmt.Errorf("acquisition id is empty")
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = s.now()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = a.FinishedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO acquisitions(id, user_id, chat_id, source, backend, url, status, cause, last_cause,
  profile, attempts, title, size_bytes, duration_ms, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		a.ID, a.UserID, a.ChatID, a.Source, a.Backend, a.URL, string(a.Status), a.Cause, a.LastCause,
		a.Profile, a.Attempts, a.Title, a.SizeBytes, a.Duration.Milliseconds(),
		a.StartedAt.UTC().Format(timeLayout), a.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert acquisition: %w", err)
	}
	return nil
}

// RecentAcquisitions returns the newest acquisitions first. A limit of 0
// means the default; limits are capped.
func (s *Store) RecentAcquisitions(ctx context.Context, limit int) ([]Acquisition, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, chat_id, source, backend, url, status, COALESCE(cause, ''), COALESCE(last_cause, ''),
  COALESCE(profile, ''), attempts, COALESCE(title, ''), size_bytes, duration_ms, started_at, finished_at
FROM acquisitions
ORDER BY finished_at DESC, id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query acquisitions: %w", err)
	}
	defer rows.Close()

	var out []Acquisition
	for rows.Next() {
		var (
			a                   Acquisition
			status              string
			durationMS          int64
			startedAt, finished string
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.ChatID, &a.Source, &a.Backend, &a.URL, &status, &a.Cause,
			&a.LastCause, &a.Profile, &a.Attempts, &a.Title, &a.SizeBytes, &durationMS, &startedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan acquisition: %w", err)
		}
		a.Status = Status(status)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		if a.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if a.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acquisitions: %w", err)
	}
	return out, nil
}

// Counts summarises acquisitions by status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM acquisitions GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count acquisitions: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (User, error) {
	var (
		u                   User
		firstSeen, lastSeen string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &firstSeen, &lastSeen, &u.MessageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	var err error
	if u.FirstSeen, err = parseTime(firstSeen); err != nil {
		return User{}, err
	}
	if u.LastSeen, err = parseTime(lastSeen); err != nil {
		return User{}, err
	}
	return u, nil
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}
