// Package event runs bulk archive jobs: unpack an event archive, match every
// image against every participant's registered people, and persist the
// per-participant result sets with incremental progress.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/photopick/photopick/internal/archive"
	"github.com/photopick/photopick/internal/config"
	"github.com/photopick/photopick/internal/face"
	"github.com/photopick/photopick/internal/index"
	"github.com/photopick/photopick/internal/lock"
	"github.com/photopick/photopick/internal/match"
	"github.com/photopick/photopick/internal/storage"
)

// Extractor detects faces and produces embeddings for one image.
// face.Client is the production implementation.
type Extractor interface {
	Detect(ctx context.Context, imageData []byte) ([]face.Detection, error)
}

// Progress is one snapshot of a running job, pushed to subscribers.
type Progress struct {
	Code      string `json:"code"`
	Status    string `json:"status"`
	Percent   int    `json:"percent"`
	Total     int    `json:"total_images"`
	Processed int    `json:"processed_images"`
	Failed    int    `json:"failed_images"`
}

// progressChannelBuffer bounds per-subscriber buffering; slow subscribers
// miss intermediate snapshots rather than blocking the job.
const progressChannelBuffer = 16

// Pipeline orchestrates event jobs. One pipeline serves all users; the lock
// table keeps each creator to a single running job.
type Pipeline struct {
	store     storage.Store
	index     *index.Store
	matcher   *match.Matcher
	extractor Extractor
	locks     *lock.Table
	cfg       config.EventConfig
	dataDir   string
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	subs    map[string][]chan Progress
	wg      sync.WaitGroup
}

// New creates an event pipeline.
func New(store storage.Store, idx *index.Store, matcher *match.Matcher, extractor Extractor, locks *lock.Table, cfg config.EventConfig, dataDir string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:     store,
		index:     idx,
		matcher:   matcher,
		extractor: extractor,
		locks:     locks,
		cfg:       cfg,
		dataDir:   dataDir,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		subs:      make(map[string][]chan Progress),
	}
}

func eventScope(jobID string) string {
	return "event:" + jobID
}

// Start accepts an uploaded archive and launches the job asynchronously.
// The creator holds the EventRunning lock until the job reaches a terminal
// state. The returned job carries the code used for status polling.
func (p *Pipeline) Start(ctx context.Context, creatorID int64, archivePath string, participantIDs []int64) (*storage.EventJob, error) {
	if len(participantIDs) == 0 {
		return nil, errors.New("event needs at least one participant")
	}

	if err := p.locks.Acquire(creatorID, lock.EventRunning); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &storage.EventJob{
		ID:             uuid.New().String(),
		Code:           NewCode(),
		CreatorID:      creatorID,
		Status:         storage.EventPending,
		ArchivePath:    archivePath,
		ParticipantIDs: participantIDs,
		CreatedAt:      now,
		ExpiresAt:      now.Add(p.cfg.RetentionWindow),
	}
	job.DataDir = filepath.Join(p.dataDir, job.Code)

	owners, err := p.buildEventScope(ctx, job)
	if err != nil {
		p.locks.Release(creatorID)
		return nil, err
	}

	if err := p.store.CreateEvent(ctx, job); err != nil {
		p.index.DropScope(eventScope(job.ID))
		p.locks.Release(creatorID)
		return nil, fmt.Errorf("creating event record: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Lock()
	p.running[job.Code] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(runCtx, job, owners)

	p.logger.Info("event started",
		"code", job.Code,
		"creator", creatorID,
		"participants", len(participantIDs))
	return job, nil
}

// buildEventScope loads every participant's reference embeddings into the
// job's own index scope and returns the person -> participant ownership map.
func (p *Pipeline) buildEventScope(ctx context.Context, job *storage.EventJob) (map[int64]int64, error) {
	owners := make(map[int64]int64)
	scope := eventScope(job.ID)

	for _, participantID := range job.ParticipantIDs {
		people, err := p.store.ListPeople(ctx, participantID)
		if err != nil {
			p.index.DropScope(scope)
			return nil, fmt.Errorf("loading people for participant %d: %w", participantID, err)
		}
		for _, person := range people {
			embs, err := p.store.ListPersonEmbeddings(ctx, person.ID)
			if err != nil {
				p.index.DropScope(scope)
				return nil, fmt.Errorf("loading embeddings for person %d: %w", person.ID, err)
			}
			// People without references cannot match; leave them out.
			if len(embs) == 0 {
				continue
			}
			owners[person.ID] = participantID
			for _, e := range embs {
				if err := p.index.Add(scope, index.Reference{ID: e.ID, PersonID: e.PersonID, Embedding: e.Vector}); err != nil {
					p.index.DropScope(scope)
					return nil, fmt.Errorf("indexing embedding %d: %w", e.ID, err)
				}
			}
		}
	}
	return owners, nil
}

func (p *Pipeline) run(ctx context.Context, job *storage.EventJob, owners map[int64]int64) {
	defer p.wg.Done()
	defer func() {
		p.index.DropScope(eventScope(job.ID))
		p.locks.Release(job.CreatorID)
		p.mu.Lock()
		delete(p.running, job.Code)
		p.mu.Unlock()
	}()

	images, err := p.extract(ctx, job)
	if err != nil {
		p.fail(job, err.Error())
		return
	}

	matches, canceled := p.matchImages(ctx, job, images, owners)

	// Partial results survive cancellation; the job itself is marked failed.
	if err := p.store.SaveMatches(context.WithoutCancel(ctx), matches); err != nil {
		p.logger.Error("saving event matches", "code", job.Code, "error", err)
		p.fail(job, "failed to persist results")
		return
	}
	if canceled {
		p.fail(job, "canceled")
		return
	}

	job.Status = storage.EventFinalizing
	job.Progress = 90
	p.persistAndPublish(job)

	now := time.Now().UTC()
	job.Status = storage.EventDone
	job.Progress = 100
	job.ReadyAt = &now
	p.persistAndPublish(job)

	p.logger.Info("event finished",
		"code", job.Code,
		"images", job.TotalImages,
		"failed", job.FailedImages,
		"matches", len(matches))
}

func (p *Pipeline) extract(ctx context.Context, job *storage.EventJob) ([]string, error) {
	job.Status = storage.EventExtracting
	p.persistAndPublish(job)

	images, err := archive.Unpack(ctx, job.ArchivePath, job.DataDir, p.cfg.MaxArchiveBytes)
	if err != nil {
		return nil, err
	}

	job.TotalImages = len(images)
	job.Status = storage.EventMatching
	job.Progress = 30
	p.persistAndPublish(job)
	return images, nil
}

// matchImages fans images out to a bounded worker pool. Per-image failures
// are recorded and never abort the job. Returns the collected matches and
// whether the run was canceled before completion.
func (p *Pipeline) matchImages(ctx context.Context, job *storage.EventJob, images []string, owners map[int64]int64) ([]storage.EventMatch, bool) {
	scope := eventScope(job.ID)

	var (
		mu      sync.Mutex
		matches []storage.EventMatch
	)

	work := make(chan string)
	var wg sync.WaitGroup

	workers := p.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for img := range work {
				found, err := p.matchOne(ctx, scope, img, job, owners)
				mu.Lock()
				if err != nil {
					job.FailedImages++
					p.recordFailure(ctx, job, img, err)
				} else {
					matches = append(matches, found...)
				}
				job.ProcessedImages++
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(work)
		for _, img := range images {
			select {
			case work <- img:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	// Bounded progress cadence: snapshots at most once per interval, never
	// per image.
	ticker := time.NewTicker(p.cfg.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mu.Lock()
			job.Progress = matchingPercent(job.ProcessedImages, job.TotalImages)
			p.persistAndPublish(job)
			mu.Unlock()
		case <-done:
			mu.Lock()
			defer mu.Unlock()
			job.Progress = matchingPercent(job.ProcessedImages, job.TotalImages)
			return matches, ctx.Err() != nil
		}
	}
}

func (p *Pipeline) matchOne(ctx context.Context, scope, img string, job *storage.EventJob, owners map[int64]int64) ([]storage.EventMatch, error) {
	data, err := os.ReadFile(img)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}

	faces, err := p.extractor.Detect(ctx, data)
	if err != nil {
		return nil, err
	}

	result, err := p.matcher.Match(scope, faces)
	if err != nil {
		return nil, err
	}

	ref := filepath.Base(img)
	found := make([]storage.EventMatch, 0, len(result.Matches))
	for _, m := range result.Matches {
		participantID, ok := owners[m.PersonID]
		if !ok {
			continue
		}
		found = append(found, storage.EventMatch{
			EventID:       job.ID,
			ParticipantID: participantID,
			PersonID:      m.PersonID,
			ImageRef:      ref,
			Confidence:    m.Confidence,
		})
	}
	return found, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, job *storage.EventJob, img string, cause error) {
	failure := &storage.ImageFailure{
		EventID:  job.ID,
		ImageRef: filepath.Base(img),
		Reason:   cause.Error(),
	}
	if err := p.store.SaveImageFailure(context.WithoutCancel(ctx), failure); err != nil {
		p.logger.Error("recording image failure", "code", job.Code, "image", failure.ImageRef, "error", err)
	}
}

// matchingPercent maps matching progress onto the 30-90 band; extraction owns
// 0-30 and finalization 90-100.
func matchingPercent(processed, total int) int {
	if total == 0 {
		return 90
	}
	return 30 + processed*60/total
}

func (p *Pipeline) fail(job *storage.EventJob, reason string) {
	job.Status = storage.EventFailed
	job.FailureReason = reason
	p.persistAndPublish(job)
	p.logger.Warn("event failed", "code", job.Code, "reason", reason)
}

func (p *Pipeline) persistAndPublish(job *storage.EventJob) {
	if err := p.store.UpdateEvent(context.Background(), job); err != nil {
		p.logger.Error("updating event", "code", job.Code, "error", err)
	}
	p.publish(Progress{
		Code:      job.Code,
		Status:    job.Status,
		Percent:   job.Progress,
		Total:     job.TotalImages,
		Processed: job.ProcessedImages,
		Failed:    job.FailedImages,
	})
}

// Status returns the current job record.
func (p *Pipeline) Status(ctx context.Context, code string) (*storage.EventJob, error) {
	return p.store.GetEvent(ctx, code)
}

// Cancel stops a running job promptly. Partial results written so far are
// retained; the job is marked failed with a canceled reason.
func (p *Pipeline) Cancel(code string) error {
	p.mu.Lock()
	cancel, ok := p.running[code]
	p.mu.Unlock()
	if !ok {
		return storage.ErrNotFound
	}
	cancel()
	return nil
}

// Expire purges every job whose retention deadline passed before now: index
// scope, extracted files, archive, and database records. Purging an already
// purged job is a no-op, so overlapping sweeps are safe.
func (p *Pipeline) Expire(ctx context.Context, now time.Time) ([]string, error) {
	jobs, err := p.store.ListExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired events: %w", err)
	}

	var purged []string
	for _, job := range jobs {
		p.index.DropScope(eventScope(job.ID))
		if job.DataDir != "" {
			if err := archive.Cleanup(job.DataDir); err != nil {
				p.logger.Error("removing event data", "code", job.Code, "error", err)
			}
		}
		if job.ArchivePath != "" {
			if err := os.Remove(job.ArchivePath); err != nil && !os.IsNotExist(err) {
				p.logger.Error("removing event archive", "code", job.Code, "error", err)
			}
		}
		if err := p.store.DeleteEvent(ctx, job.Code); err != nil {
			return purged, fmt.Errorf("deleting event %s: %w", job.Code, err)
		}
		purged = append(purged, job.Code)
		p.logger.Info("event purged", "code", job.Code)
	}
	return purged, nil
}

// RecoverInterrupted marks jobs left non-terminal by a previous process as
// failed. Call once at startup, before accepting new work.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := p.store.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Warn("marked interrupted events as failed", "count", n)
	}
	return n, nil
}

// Wait blocks until every running job finishes. Used by tests and shutdown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Subscribe registers a progress listener for a job code.
func (p *Pipeline) Subscribe(code string) chan Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Progress, progressChannelBuffer)
	p.subs[code] = append(p.subs[code], ch)
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (p *Pipeline) Unsubscribe(code string, ch chan Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	listeners := p.subs[code]
	for i, l := range listeners {
		if l == ch {
			p.subs[code] = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (p *Pipeline) publish(progress Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs[progress.Code] {
		select {
		case ch <- progress:
		default:
			// Listener buffer full, skip.
		}
	}
}
