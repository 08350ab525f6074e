// Package sqlite implements storage.Store on an embedded SQLite database.
// It is the default store: no external services, a single file, good enough
// for the enrollment-set sizes this engine handles.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/photopick/photopick/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.Store.
type Store struct {
	conn *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath and runs
// migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := s.conn.Exec(string(data)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// encodeVector serializes a float32 vector as a little-endian blob.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes a little-endian blob back into a vector.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func encodeParticipants(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func decodeParticipants(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// CreatePerson registers a new person for a user.
func (s *Store) CreatePerson(ctx context.Context, userID int64, name string) (*storage.Person, error) {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO people (user_id, name, created_at) VALUES (?, ?, ?)`,
		userID, name, now)
	if err != nil {
		return nil, fmt.Errorf("inserting person: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading person id: %w", err)
	}
	return &storage.Person{ID: id, UserID: userID, Name: name, CreatedAt: now}, nil
}

// GetPerson retrieves a person by ID.
func (s *Store) GetPerson(ctx context.Context, id int64) (*storage.Person, error) {
	var p storage.Person
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM people WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying person: %w", err)
	}
	return &p, nil
}

// ListPeople returns all people registered by a user.
func (s *Store) ListPeople(ctx context.Context, userID int64) ([]storage.Person, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM people WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying people: %w", err)
	}
	defer rows.Close()

	var people []storage.Person
	for rows.Next() {
		var p storage.Person
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning person: %w", err)
		}
		people = append(people, p)
	}
	return people, rows.Err()
}

// DeletePerson removes a person; embeddings cascade via foreign key.
func (s *Store) DeletePerson(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM people WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting person: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AddEmbedding stores one reference vector for a person.
func (s *Store) AddEmbedding(ctx context.Context, e *storage.Embedding) (*storage.Embedding, error) {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO embeddings (person_id, vector, source_photo, model, dim, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.PersonID, encodeVector(e.Vector), e.SourcePhoto, e.Model, len(e.Vector), now)
	if err != nil {
		return nil, fmt.Errorf("inserting embedding: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading embedding id: %w", err)
	}

	out := *e
	out.ID = id
	out.Dim = len(e.Vector)
	out.CreatedAt = now
	return &out, nil
}

// ListPersonEmbeddings returns a person's reference set in enrollment order.
func (s *Store) ListPersonEmbeddings(ctx context.Context, personID int64) ([]storage.Embedding, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, person_id, vector, source_photo, model, dim, created_at
		 FROM embeddings WHERE person_id = ? ORDER BY id`, personID)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

// ListUserEmbeddings returns every embedding across all of a user's people.
func (s *Store) ListUserEmbeddings(ctx context.Context, userID int64) ([]storage.Embedding, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT e.id, e.person_id, e.vector, e.source_photo, e.model, e.dim, e.created_at
		 FROM embeddings e JOIN people p ON p.id = e.person_id
		 WHERE p.user_id = ? ORDER BY e.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

func scanEmbeddings(rows *sql.Rows) ([]storage.Embedding, error) {
	var out []storage.Embedding
	for rows.Next() {
		var e storage.Embedding
		var blob []byte
		if err := rows.Scan(&e.ID, &e.PersonID, &blob, &e.SourcePhoto, &e.Model, &e.Dim, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		e.Vector = decodeVector(blob)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountPersonEmbeddings returns the size of a person's reference set.
func (s *Store) CountPersonEmbeddings(ctx context.Context, personID int64) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE person_id = ?`, personID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

// CreateEvent stores a new job record.
func (s *Store) CreateEvent(ctx context.Context, job *storage.EventJob) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO events (id, code, creator_id, status, progress, total_images,
		 processed_images, failed_images, archive_path, data_dir, participant_ids,
		 failure_reason, created_at, ready_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Code, job.CreatorID, job.Status, job.Progress, job.TotalImages,
		job.ProcessedImages, job.FailedImages, job.ArchivePath, job.DataDir,
		encodeParticipants(job.ParticipantIDs), job.FailureReason,
		job.CreatedAt, job.ReadyAt, job.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// GetEvent retrieves a job by code.
func (s *Store) GetEvent(ctx context.Context, code string) (*storage.EventJob, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, code, creator_id, status, progress, total_images, processed_images,
		 failed_images, archive_path, data_dir, participant_ids, failure_reason,
		 created_at, ready_at, expires_at
		 FROM events WHERE code = ?`, code)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*storage.EventJob, error) {
	var job storage.EventJob
	var participants string
	var readyAt sql.NullTime
	err := row.Scan(&job.ID, &job.Code, &job.CreatorID, &job.Status, &job.Progress,
		&job.TotalImages, &job.ProcessedImages, &job.FailedImages, &job.ArchivePath,
		&job.DataDir, &participants, &job.FailureReason, &job.CreatedAt, &readyAt,
		&job.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	job.ParticipantIDs = decodeParticipants(participants)
	if readyAt.Valid {
		job.ReadyAt = &readyAt.Time
	}
	return &job, nil
}

// UpdateEvent persists the job's mutable fields.
func (s *Store) UpdateEvent(ctx context.Context, job *storage.EventJob) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE events SET status = ?, progress = ?, total_images = ?,
		 processed_images = ?, failed_images = ?, failure_reason = ?, ready_at = ?
		 WHERE id = ?`,
		job.Status, job.Progress, job.TotalImages, job.ProcessedImages,
		job.FailedImages, job.FailureReason, job.ReadyAt, job.ID)
	if err != nil {
		return fmt.Errorf("updating event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveMatches appends a batch of per-participant match results.
func (s *Store) SaveMatches(ctx context.Context, matches []storage.EventMatch) error {
	if len(matches) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO event_matches (event_id, participant_id, person_id, image_ref, confidence)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range matches {
		if _, err := stmt.ExecContext(ctx, m.EventID, m.ParticipantID, m.PersonID, m.ImageRef, m.Confidence); err != nil {
			return fmt.Errorf("inserting match: %w", err)
		}
	}
	return tx.Commit()
}

// ListMatches returns one participant's results for an event.
func (s *Store) ListMatches(ctx context.Context, eventID string, participantID int64) ([]storage.EventMatch, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, event_id, participant_id, person_id, image_ref, confidence
		 FROM event_matches WHERE event_id = ? AND participant_id = ?
		 ORDER BY confidence DESC, id`, eventID, participantID)
	if err != nil {
		return nil, fmt.Errorf("querying matches: %w", err)
	}
	defer rows.Close()

	var matches []storage.EventMatch
	for rows.Next() {
		var m storage.EventMatch
		if err := rows.Scan(&m.ID, &m.EventID, &m.ParticipantID, &m.PersonID, &m.ImageRef, &m.Confidence); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// SaveImageFailure records a per-image processing failure.
func (s *Store) SaveImageFailure(ctx context.Context, failure *storage.ImageFailure) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO event_image_failures (event_id, image_ref, reason) VALUES (?, ?, ?)`,
		failure.EventID, failure.ImageRef, failure.Reason)
	if err != nil {
		return fmt.Errorf("inserting image failure: %w", err)
	}
	return nil
}

// ListImageFailures returns the recorded failures for an event.
func (s *Store) ListImageFailures(ctx context.Context, eventID string) ([]storage.ImageFailure, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT event_id, image_ref, reason FROM event_image_failures WHERE event_id = ? ORDER BY id`,
		eventID)
	if err != nil {
		return nil, fmt.Errorf("querying image failures: %w", err)
	}
	defer rows.Close()

	var failures []storage.ImageFailure
	for rows.Next() {
		var f storage.ImageFailure
		if err := rows.Scan(&f.EventID, &f.ImageRef, &f.Reason); err != nil {
			return nil, fmt.Errorf("scanning image failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// ListExpired returns jobs whose retention deadline passed before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time) ([]storage.EventJob, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, code, creator_id, status, progress, total_images, processed_images,
		 failed_images, archive_path, data_dir, participant_ids, failure_reason,
		 created_at, ready_at, expires_at
		 FROM events WHERE expires_at < ? ORDER BY expires_at`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying expired events: %w", err)
	}
	defer rows.Close()

	var jobs []storage.EventJob
	for rows.Next() {
		job, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteEvent removes a job with its matches and failures.
func (s *Store) DeleteEvent(ctx context.Context, code string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM events WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

// FailInterrupted marks every non-terminal job as failed.
func (s *Store) FailInterrupted(ctx context.Context, reason string) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE events SET status = ?, failure_reason = ? WHERE status NOT IN (?, ?)`,
		storage.EventFailed, reason, storage.EventDone, storage.EventFailed)
	if err != nil {
		return 0, fmt.Errorf("failing interrupted events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}
