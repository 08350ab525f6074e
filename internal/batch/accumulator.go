// Package batch coalesces a burst of individually submitted photos into one
// processing unit per user. Album uploads arrive as separate messages; the
// accumulator waits for the burst to settle before handing the whole ordered
// batch downstream.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Photo is one submitted photo awaiting batch processing.
type Photo struct {
	Token      string // acknowledgment token returned to the submitter
	Data       []byte
	ReceivedAt time.Time
}

// FlushFunc receives a settled batch. It runs on its own goroutine; by the
// time it is called the accumulator has already reset the user's window, so
// a concurrent submit starts a fresh batch instead of joining this one.
type FlushFunc func(userID int64, photos []Photo)

// Accumulator groups submitted photos per user and flushes a group once the
// inter-arrival gap exceeds the timeout or the group hits maxPhotos.
type Accumulator struct {
	timeout   time.Duration
	maxPhotos int
	flush     FlushFunc

	mu       sync.Mutex
	sessions map[int64]*session
}

type session struct {
	photos []Photo
	timer  *time.Timer
	gen    uint64 // invalidates timers from earlier submits
}

// New creates an accumulator. flush must not be nil.
func New(timeout time.Duration, maxPhotos int, flush FlushFunc) *Accumulator {
	return &Accumulator{
		timeout:   timeout,
		maxPhotos: maxPhotos,
		flush:     flush,
		sessions:  make(map[int64]*session),
	}
}

// Submit adds a photo to the user's current accumulation window, starting
// one when none exists, and returns an acknowledgment token immediately.
// Every submit resets the settle timer; a never-ending stream is bounded by
// the max batch size.
func (a *Accumulator) Submit(userID int64, data []byte) string {
	token := uuid.New().String()
	photo := Photo{Token: token, Data: data, ReceivedAt: time.Now()}

	a.mu.Lock()
	s := a.sessions[userID]
	if s == nil {
		s = &session{}
		a.sessions[userID] = s
	}
	s.photos = append(s.photos, photo)
	s.gen++

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	if len(s.photos) >= a.maxPhotos {
		photos := a.detachLocked(userID, s)
		a.mu.Unlock()
		go a.flush(userID, photos)
		return token
	}

	gen := s.gen
	s.timer = time.AfterFunc(a.timeout, func() {
		a.flushIfCurrent(userID, gen)
	})
	a.mu.Unlock()

	return token
}

// flushIfCurrent flushes the user's window if no submit arrived after the
// one that armed this timer.
func (a *Accumulator) flushIfCurrent(userID int64, gen uint64) {
	a.mu.Lock()
	s := a.sessions[userID]
	if s == nil || s.gen != gen {
		a.mu.Unlock()
		return
	}
	photos := a.detachLocked(userID, s)
	a.mu.Unlock()

	a.flush(userID, photos)
}

// detachLocked removes the session from the table and returns its photos.
// Must be called with a.mu held.
func (a *Accumulator) detachLocked(userID int64, s *session) []Photo {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	delete(a.sessions, userID)
	return s.photos
}

// Cancel discards the user's pending window without flushing. Returns the
// number of photos dropped.
func (a *Accumulator) Cancel(userID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sessions[userID]
	if s == nil {
		return 0
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(a.sessions, userID)
	return len(s.photos)
}

// Pending returns the number of photos waiting in the user's window.
func (a *Accumulator) Pending(userID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s := a.sessions[userID]; s != nil {
		return len(s.photos)
	}
	return 0
}
