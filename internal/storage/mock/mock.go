// Package mock provides an in-memory storage.Store for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/photopick/photopick/internal/storage"
)

// Store keeps everything in maps guarded by a single mutex. It implements
// storage.Store.
type Store struct {
	mu sync.Mutex

	nextPersonID    int64
	nextEmbeddingID int64
	nextMatchID     int64

	people     map[int64]storage.Person
	embeddings map[int64]storage.Embedding
	events     map[string]storage.EventJob // keyed by code
	matches    []storage.EventMatch
	failures   []storage.ImageFailure
}

func New() *Store {
	return &Store{
		people:     make(map[int64]storage.Person),
		embeddings: make(map[int64]storage.Embedding),
		events:     make(map[string]storage.EventJob),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreatePerson(_ context.Context, userID int64, name string) (*storage.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPersonID++
	p := storage.Person{ID: s.nextPersonID, UserID: userID, Name: name, CreatedAt: time.Now().UTC()}
	s.people[p.ID] = p
	return &p, nil
}

func (s *Store) GetPerson(_ context.Context, id int64) (*storage.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListPeople(_ context.Context, userID int64) ([]storage.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Person
	for id := int64(1); id <= s.nextPersonID; id++ {
		if p, ok := s.people[id]; ok && p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) DeletePerson(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.people[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.people, id)
	for eid, e := range s.embeddings {
		if e.PersonID == id {
			delete(s.embeddings, eid)
		}
	}
	return nil
}

func (s *Store) AddEmbedding(_ context.Context, e *storage.Embedding) (*storage.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEmbeddingID++
	stored := *e
	stored.ID = s.nextEmbeddingID
	stored.Dim = len(e.Vector)
	stored.CreatedAt = time.Now().UTC()
	s.embeddings[stored.ID] = stored
	return &stored, nil
}

func (s *Store) ListPersonEmbeddings(_ context.Context, personID int64) ([]storage.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Embedding
	for id := int64(1); id <= s.nextEmbeddingID; id++ {
		if e, ok := s.embeddings[id]; ok && e.PersonID == personID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListUserEmbeddings(_ context.Context, userID int64) ([]storage.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Embedding
	for id := int64(1); id <= s.nextEmbeddingID; id++ {
		e, ok := s.embeddings[id]
		if !ok {
			continue
		}
		if p, ok := s.people[e.PersonID]; ok && p.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CountPersonEmbeddings(_ context.Context, personID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.embeddings {
		if e.PersonID == personID {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateEvent(_ context.Context, job *storage.EventJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[job.Code] = *job
	return nil
}

func (s *Store) GetEvent(_ context.Context, code string) (*storage.EventJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.events[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &job, nil
}

func (s *Store) UpdateEvent(_ context.Context, job *storage.EventJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[job.Code]; !ok {
		return storage.ErrNotFound
	}
	s.events[job.Code] = *job
	return nil
}

func (s *Store) SaveMatches(_ context.Context, matches []storage.EventMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range matches {
		s.nextMatchID++
		m.ID = s.nextMatchID
		s.matches = append(s.matches, m)
	}
	return nil
}

func (s *Store) ListMatches(_ context.Context, eventID string, participantID int64) ([]storage.EventMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.EventMatch
	for _, m := range s.matches {
		if m.EventID == eventID && m.ParticipantID == participantID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) SaveImageFailure(_ context.Context, failure *storage.ImageFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, *failure)
	return nil
}

func (s *Store) ListImageFailures(_ context.Context, eventID string) ([]storage.ImageFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.ImageFailure
	for _, f := range s.failures {
		if f.EventID == eventID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) ListExpired(_ context.Context, now time.Time) ([]storage.EventJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.EventJob
	for _, job := range s.events {
		if job.ExpiresAt.Before(now) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *Store) DeleteEvent(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.events[code]
	if !ok {
		return nil
	}
	delete(s.events, code)
	kept := s.matches[:0]
	for _, m := range s.matches {
		if m.EventID != job.ID {
			kept = append(kept, m)
		}
	}
	s.matches = kept
	keptFailures := s.failures[:0]
	for _, f := range s.failures {
		if f.EventID != job.ID {
			keptFailures = append(keptFailures, f)
		}
	}
	s.failures = keptFailures
	return nil
}

func (s *Store) FailInterrupted(_ context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for code, job := range s.events {
		if job.Terminal() {
			continue
		}
		job.Status = storage.EventFailed
		job.FailureReason = reason
		s.events[code] = job
		n++
	}
	return n, nil
}
