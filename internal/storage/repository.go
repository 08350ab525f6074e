// Package storage defines the persistence contracts for people, their
// reference embeddings, and event jobs. Implementations live in the sqlite,
// postgres and mock subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// PersonRepository provides CRUD access to registered people.
type PersonRepository interface {
	// CreatePerson registers a new person for a user.
	CreatePerson(ctx context.Context, userID int64, name string) (*Person, error)
	// GetPerson retrieves a person by ID, ErrNotFound when missing.
	GetPerson(ctx context.Context, id int64) (*Person, error)
	// ListPeople returns all people registered by a user.
	ListPeople(ctx context.Context, userID int64) ([]Person, error)
	// DeletePerson removes a person and cascades to their embeddings.
	DeletePerson(ctx context.Context, id int64) error
}

// EmbeddingRepository provides access to reference embeddings.
type EmbeddingRepository interface {
	// AddEmbedding stores one reference vector for a person.
	AddEmbedding(ctx context.Context, e *Embedding) (*Embedding, error)
	// ListPersonEmbeddings returns a person's reference set in enrollment order.
	ListPersonEmbeddings(ctx context.Context, personID int64) ([]Embedding, error)
	// ListUserEmbeddings returns every embedding across all of a user's people.
	ListUserEmbeddings(ctx context.Context, userID int64) ([]Embedding, error)
	// CountPersonEmbeddings returns the size of a person's reference set.
	CountPersonEmbeddings(ctx context.Context, personID int64) (int, error)
}

// EventRepository provides access to event jobs and their results.
type EventRepository interface {
	// CreateEvent stores a new job record.
	CreateEvent(ctx context.Context, job *EventJob) error
	// GetEvent retrieves a job by code, ErrNotFound when missing.
	GetEvent(ctx context.Context, code string) (*EventJob, error)
	// UpdateEvent persists the job's mutable fields (status, progress,
	// counters, failure reason, ready timestamp).
	UpdateEvent(ctx context.Context, job *EventJob) error
	// SaveMatches appends a batch of per-participant match results.
	SaveMatches(ctx context.Context, matches []EventMatch) error
	// ListMatches returns one participant's results for an event.
	ListMatches(ctx context.Context, eventID string, participantID int64) ([]EventMatch, error)
	// SaveImageFailure records a per-image processing failure.
	SaveImageFailure(ctx context.Context, failure *ImageFailure) error
	// ListImageFailures returns the recorded failures for an event.
	ListImageFailures(ctx context.Context, eventID string) ([]ImageFailure, error)
	// ListExpired returns jobs whose retention deadline passed before now.
	ListExpired(ctx context.Context, now time.Time) ([]EventJob, error)
	// DeleteEvent removes a job with its matches and failures. Deleting a
	// missing job is a no-op.
	DeleteEvent(ctx context.Context, code string) error
	// FailInterrupted marks every non-terminal job as failed. Called at
	// startup: in-flight work does not survive a restart.
	FailInterrupted(ctx context.Context, reason string) (int, error)
}

// Store is the full persistence surface the engine needs.
type Store interface {
	PersonRepository
	EmbeddingRepository
	EventRepository

	Close() error
}
