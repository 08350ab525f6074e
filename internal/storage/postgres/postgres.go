// Package postgres implements storage.Store on PostgreSQL with the pgvector
// extension. Reference vectors live in a native vector column so deployments
// that outgrow the embedded store can move without changing callers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/photopick/photopick/internal/config"
	"github.com/photopick/photopick/internal/storage"
)

// Store implements storage.Store.
type Store struct {
	db *sql.DB
}

// New opens a connection pool against cfg.URL and applies pending migrations.
func New(cfg *config.DatabaseConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreatePerson registers a new person for a user.
func (s *Store) CreatePerson(ctx context.Context, userID int64, name string) (*storage.Person, error) {
	var p storage.Person
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO people (user_id, name) VALUES ($1, $2)
		 RETURNING id, user_id, name, created_at`,
		userID, name).
		Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting person: %w", err)
	}
	return &p, nil
}

// GetPerson retrieves a person by ID.
func (s *Store) GetPerson(ctx context.Context, id int64) (*storage.Person, error) {
	var p storage.Person
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM people WHERE id = $1`, id).
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at FROM people WHERE user_id = $1 ORDER BY id`, userID)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM people WHERE id = $1`, id)
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
	out := *e
	out.Dim = len(e.Vector)
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO embeddings (person_id, vector, source_photo, model, dim)
		 VALUES ($1, $2::vector, $3, $4, $5)
		 RETURNING id, created_at`,
		e.PersonID, pgvector.NewVector(e.Vector), e.SourcePhoto, e.Model, len(e.Vector)).
		Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting embedding: %w", err)
	}
	return &out, nil
}

// ListPersonEmbeddings returns a person's reference set in enrollment order.
func (s *Store) ListPersonEmbeddings(ctx context.Context, personID int64) ([]storage.Embedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, person_id, vector, source_photo, model, dim, created_at
		 FROM embeddings WHERE person_id = $1 ORDER BY id`, personID)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()
	return scanEmbeddings(rows)
}

// ListUserEmbeddings returns every embedding across all of a user's people.
func (s *Store) ListUserEmbeddings(ctx context.Context, userID int64) ([]storage.Embedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.person_id, e.vector, e.source_photo, e.model, e.dim, e.created_at
		 FROM embeddings e JOIN people p ON p.id = e.person_id
		 WHERE p.user_id = $1 ORDER BY e.id`, userID)
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
		var vec pgvector.Vector
		if err := rows.Scan(&e.ID, &e.PersonID, &vec, &e.SourcePhoto, &e.Model, &e.Dim, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning embedding: %w", err)
		}
		e.Vector = vec.Slice()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountPersonEmbeddings returns the size of a person's reference set.
func (s *Store) CountPersonEmbeddings(ctx context.Context, personID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embeddings WHERE person_id = $1`, personID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting embeddings: %w", err)
	}
	return n, nil
}

// CreateEvent stores a new job record.
func (s *Store) CreateEvent(ctx context.Context, job *storage.EventJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, code, creator_id, status, progress, total_images,
		 processed_images, failed_images, archive_path, data_dir, participant_ids,
		 failure_reason, created_at, ready_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		job.ID, job.Code, job.CreatorID, job.Status, job.Progress, job.TotalImages,
		job.ProcessedImages, job.FailedImages, job.ArchivePath, job.DataDir,
		pq.Array(job.ParticipantIDs), job.FailureReason,
		job.CreatedAt, job.ReadyAt, job.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

const eventColumns = `id, code, creator_id, status, progress, total_images, processed_images,
	failed_images, archive_path, data_dir, participant_ids, failure_reason,
	created_at, ready_at, expires_at`

// GetEvent retrieves a job by code.
func (s *Store) GetEvent(ctx context.Context, code string) (*storage.EventJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE code = $1`, code)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*storage.EventJob, error) {
	var job storage.EventJob
	var participants pq.Int64Array
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
	job.ParticipantIDs = participants
	if readyAt.Valid {
		job.ReadyAt = &readyAt.Time
	}
	return &job, nil
}

// UpdateEvent persists the job's mutable fields.
func (s *Store) UpdateEvent(ctx context.Context, job *storage.EventJob) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = $1, progress = $2, total_images = $3,
		 processed_images = $4, failed_images = $5, failure_reason = $6, ready_at = $7
		 WHERE id = $8`,
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO event_matches (event_id, participant_id, person_id, image_ref, confidence)
		 VALUES ($1, $2, $3, $4, $5)`)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, participant_id, person_id, image_ref, confidence
		 FROM event_matches WHERE event_id = $1 AND participant_id = $2
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_image_failures (event_id, image_ref, reason) VALUES ($1, $2, $3)`,
		failure.EventID, failure.ImageRef, failure.Reason)
	if err != nil {
		return fmt.Errorf("inserting image failure: %w", err)
	}
	return nil
}

// ListImageFailures returns the recorded failures for an event.
func (s *Store) ListImageFailures(ctx context.Context, eventID string) ([]storage.ImageFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, image_ref, reason FROM event_image_failures
		 WHERE event_id = $1 ORDER BY id`, eventID)
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE expires_at < $1 ORDER BY expires_at`,
		now.UTC())
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

// FailInterrupted marks every non-terminal job as failed.
func (s *Store) FailInterrupted(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = $1, failure_reason = $2 WHERE status NOT IN ($3, $4)`,
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

// Verify interface compliance.
var _ storage.Store = (*Store)(nil)
