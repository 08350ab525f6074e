// Package filter is the personal photo pipeline: enroll people from example
// photos, accumulate a burst of uploads into one batch, match each photo
// against the user's registered people, and hand the report to the transport.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/photopick/photopick/internal/batch"
	"github.com/photopick/photopick/internal/face"
	"github.com/photopick/photopick/internal/index"
	"github.com/photopick/photopick/internal/lock"
	"github.com/photopick/photopick/internal/match"
	"github.com/photopick/photopick/internal/storage"
)

var (
	// ErrNoFace means an enrollment photo had no usable face.
	ErrNoFace = errors.New("no usable face in photo")
	// ErrTooManyExamples means the person reached the enrollment cap.
	ErrTooManyExamples = errors.New("person has reached the example photo limit")
)

// Extractor detects faces and produces embeddings for one image.
type Extractor interface {
	Detect(ctx context.Context, imageData []byte) ([]face.Detection, error)
}

// Consumer receives finished batch reports. The transport layer implements
// this; the pipeline never formats user-facing text.
type Consumer interface {
	DeliverReport(userID int64, report *BatchReport)
}

// Photo outcome statuses.
const (
	OutcomeMatched = "matched"
	OutcomeNoFaces = "no_faces"
	OutcomeNoMatch = "no_match"
	OutcomeError   = "error"
)

// Suggestion offers a matched face back for one-tap enrollment: the crop of
// the face that matched, so the user can confirm it as a new example.
type Suggestion struct {
	PersonID   int64   `json:"person_id"`
	Confidence float64 `json:"confidence"`
	FaceCrop   []byte  `json:"-"`
}

// PhotoOutcome is the per-photo result inside a batch report.
type PhotoOutcome struct {
	Token       string              `json:"token"`
	Status      string              `json:"status"`
	Matches     []match.PersonMatch `json:"matches,omitempty"`
	Suggestions []Suggestion        `json:"suggestions,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// BatchSummary aggregates outcomes across one flushed batch.
type BatchSummary struct {
	Total   int `json:"total"`
	Matched int `json:"matched"`
	NoFaces int `json:"no_faces"`
	NoMatch int `json:"no_match"`
	Errors  int `json:"errors"`
}

// BatchReport is delivered to the consumer once a batch finishes.
type BatchReport struct {
	UserID   int64          `json:"user_id"`
	Outcomes []PhotoOutcome `json:"outcomes"`
	Summary  BatchSummary   `json:"summary"`
}

// Service composes the lock table, accumulator, face client, index, matcher,
// and storage into the personal pipeline.
type Service struct {
	store       storage.Store
	index       *index.Store
	matcher     *match.Matcher
	extractor   Extractor
	locks       *lock.Table
	consumer    Consumer
	modelName   string
	maxExamples int
	logger      *slog.Logger

	acc *batch.Accumulator

	mu      sync.Mutex
	loaded  map[int64]bool        // users whose index scope is populated
	flushMu map[int64]*sync.Mutex // serializes batch flushes per user
}

// New creates the personal pipeline service. accumulationTimeout and
// maxPhotos configure the batch window.
func New(store storage.Store, idx *index.Store, matcher *match.Matcher, extractor Extractor, locks *lock.Table, consumer Consumer, cfg Config, logger *slog.Logger) *Service {
	s := &Service{
		store:       store,
		index:       idx,
		matcher:     matcher,
		extractor:   extractor,
		locks:       locks,
		consumer:    consumer,
		modelName:   cfg.ModelName,
		maxExamples: cfg.MaxExamplesPerPerson,
		logger:      logger,
		loaded:      make(map[int64]bool),
		flushMu:     make(map[int64]*sync.Mutex),
	}
	s.acc = batch.New(cfg.AccumulationTimeout, cfg.MaxBatchPhotos, s.processBatch)
	return s
}

// Config carries the pipeline's tuning knobs.
type Config struct {
	AccumulationTimeout  time.Duration
	MaxBatchPhotos       int
	MaxExamplesPerPerson int
	ModelName            string
}

func userScope(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// SubmitPhoto accepts one photo into the user's accumulation window, opening
// a window if none is active. Returns an acknowledgment token immediately;
// the batch report arrives via the consumer once the window flushes.
func (s *Service) SubmitPhoto(ctx context.Context, userID int64, photo []byte) (string, error) {
	if err := s.ensureScope(ctx, userID); err != nil {
		return "", err
	}

	switch state := s.locks.Get(userID); state {
	case lock.Idle:
		if err := s.locks.Acquire(userID, lock.AwaitingBatch); err != nil {
			var busy *lock.BusyError
			// Lost a race with a concurrent submit or flush; the photo
			// still joins or opens a window below.
			if !errors.As(err, &busy) || busy.Current == lock.EventRunning {
				return "", err
			}
		}
	case lock.AwaitingBatch, lock.Processing:
		// Window already open, or the previous batch is mid-flush; either
		// way the photo extends or starts the next window.
	default:
		return "", &lock.BusyError{Current: state}
	}

	return s.acc.Submit(userID, photo), nil
}

// flushLock returns the mutex serializing one user's batch flushes.
func (s *Service) flushLock(userID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.flushMu[userID]
	if m == nil {
		m = &sync.Mutex{}
		s.flushMu[userID] = m
	}
	return m
}

// processBatch is the accumulator's flush callback. Flushes for one user are
// serialized so a window opened during a flush waits its turn, and every
// accepted photo always lands in a report, even when a racing cancel or
// event already moved the lock state.
func (s *Service) processBatch(userID int64, photos []batch.Photo) {
	fm := s.flushLock(userID)
	fm.Lock()
	defer fm.Unlock()

	claimed := s.locks.Transition(userID, lock.AwaitingBatch, lock.Processing) == nil
	if !claimed {
		claimed = s.locks.Acquire(userID, lock.Processing) == nil
	}
	defer func() {
		if !claimed {
			return
		}
		if s.acc.Pending(userID) > 0 {
			// A window opened while this batch was flushing; hand the
			// state back so its own flush finds it.
			if s.locks.Transition(userID, lock.Processing, lock.AwaitingBatch) == nil {
				return
			}
		}
		s.locks.Release(userID)
	}()

	ctx := context.Background()
	report := &BatchReport{UserID: userID, Summary: BatchSummary{Total: len(photos)}}

	for _, photo := range photos {
		outcome := s.processPhoto(ctx, userID, photo)
		switch outcome.Status {
		case OutcomeMatched:
			report.Summary.Matched++
		case OutcomeNoFaces:
			report.Summary.NoFaces++
		case OutcomeNoMatch:
			report.Summary.NoMatch++
		case OutcomeError:
			report.Summary.Errors++
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	s.logger.Info("batch processed",
		"user", userID,
		"photos", report.Summary.Total,
		"matched", report.Summary.Matched,
		"errors", report.Summary.Errors)
	s.consumer.DeliverReport(userID, report)
}

func (s *Service) processPhoto(ctx context.Context, userID int64, photo batch.Photo) PhotoOutcome {
	outcome := PhotoOutcome{Token: photo.Token}

	faces, err := s.extractor.Detect(ctx, photo.Data)
	if err != nil {
		outcome.Status = OutcomeError
		outcome.Error = err.Error()
		return outcome
	}

	result, err := s.matcher.Match(userScope(userID), faces)
	if err != nil {
		outcome.Status = OutcomeError
		outcome.Error = err.Error()
		return outcome
	}

	switch {
	case result.NoFacesDetected:
		outcome.Status = OutcomeNoFaces
	case !result.Matched():
		outcome.Status = OutcomeNoMatch
	default:
		outcome.Status = OutcomeMatched
		outcome.Matches = result.Matches
		outcome.Suggestions = s.suggestions(photo.Data, faces, result.Matches)
	}
	return outcome
}

// suggestions crops each matched face so the transport can offer it back as
// a new enrollment example.
func (s *Service) suggestions(photo []byte, faces []face.Detection, matches []match.PersonMatch) []Suggestion {
	var out []Suggestion
	for _, m := range matches {
		if m.FaceIndex < 0 || m.FaceIndex >= len(faces) {
			continue
		}
		crop, err := face.Crop(photo, faces[m.FaceIndex].BBox)
		if err != nil {
			continue // suggestion is best-effort
		}
		out = append(out, Suggestion{PersonID: m.PersonID, Confidence: m.Confidence, FaceCrop: crop})
	}
	return out
}

// Enroll validates an example photo and adds its best face to the person's
// reference set. The photo must contain at least one clear face; when
// several are present the highest-confidence detection wins.
func (s *Service) Enroll(ctx context.Context, personID int64, photo []byte) (*storage.Embedding, error) {
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return nil, err
	}

	count, err := s.store.CountPersonEmbeddings(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("counting examples: %w", err)
	}
	if count >= s.maxExamples {
		return nil, ErrTooManyExamples
	}

	faces, err := s.extractor.Detect(ctx, photo)
	if err != nil {
		return nil, err
	}
	best, ok := face.BestDetection(faces)
	if !ok {
		return nil, ErrNoFace
	}

	emb, err := s.store.AddEmbedding(ctx, &storage.Embedding{
		PersonID: personID,
		Vector:   best.Embedding,
		Model:    s.modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("storing embedding: %w", err)
	}

	s.mu.Lock()
	loaded := s.loaded[person.UserID]
	s.mu.Unlock()
	if loaded {
		if err := s.index.Add(userScope(person.UserID), index.Reference{
			ID:        emb.ID,
			PersonID:  personID,
			Embedding: emb.Vector,
		}); err != nil {
			return nil, fmt.Errorf("indexing embedding: %w", err)
		}
	}
	return emb, nil
}

// CreatePerson registers a new person for a user.
func (s *Service) CreatePerson(ctx context.Context, userID int64, name string) (*storage.Person, error) {
	return s.store.CreatePerson(ctx, userID, name)
}

// RemovePerson deletes a person, their stored embeddings, and their entries
// in the user's index scope.
func (s *Service) RemovePerson(ctx context.Context, personID int64) error {
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return err
	}
	if err := s.store.DeletePerson(ctx, personID); err != nil {
		return err
	}
	s.index.RemovePerson(userScope(person.UserID), personID)
	return nil
}

// Cancel discards the user's pending accumulation window, if any, and
// returns how many queued photos were dropped. A batch already processing
// cannot be canceled, but a window queued behind it can.
func (s *Service) Cancel(userID int64) int {
	switch s.locks.Get(userID) {
	case lock.AwaitingBatch:
		dropped := s.acc.Cancel(userID)
		s.locks.Release(userID)
		return dropped
	case lock.Processing:
		return s.acc.Cancel(userID)
	default:
		return 0
	}
}

// ensureScope lazily populates the user's index scope from storage. The
// scope is rebuilt once per process and kept current incrementally.
func (s *Service) ensureScope(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[userID] {
		return nil
	}

	embs, err := s.store.ListUserEmbeddings(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user embeddings: %w", err)
	}
	refs := make([]index.Reference, 0, len(embs))
	for _, e := range embs {
		refs = append(refs, index.Reference{ID: e.ID, PersonID: e.PersonID, Embedding: e.Vector})
	}
	if err := s.index.Rebuild(userScope(userID), refs); err != nil {
		return fmt.Errorf("building user index: %w", err)
	}
	s.loaded[userID] = true
	return nil
}
