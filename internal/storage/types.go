package storage

import "time"

// Person is someone a user registered by example photos.
type Person struct {
	ID        int64
	UserID    int64
	Name      string
	CreatedAt time.Time
}

// Embedding is one reference vector derived from an enrollment photo.
// Immutable once stored; deleted only when its person is deleted.
type Embedding struct {
	ID          int64
	PersonID    int64
	Vector      []float32
	SourcePhoto string // path or external file id of the enrollment photo
	Model       string
	Dim         int
	CreatedAt   time.Time
}

// Event statuses. Extracting, Matching and Finalizing are the pipeline
// phases; Done and Failed are terminal.
const (
	EventPending    = "pending"
	EventExtracting = "extracting"
	EventMatching   = "matching"
	EventFinalizing = "finalizing"
	EventDone       = "done"
	EventFailed     = "failed"
)

// EventJob is one bulk archive-processing run.
type EventJob struct {
	ID              string // uuid
	Code            string // user-facing EVT-XXXXX code
	CreatorID       int64
	Status          string
	Progress        int // 0-100
	TotalImages     int
	ProcessedImages int
	FailedImages    int
	ArchivePath     string
	DataDir         string
	ParticipantIDs  []int64
	FailureReason   string
	CreatedAt       time.Time
	ReadyAt         *time.Time
	ExpiresAt       time.Time
}

// Terminal reports whether the job reached a final state.
func (e *EventJob) Terminal() bool {
	return e.Status == EventDone || e.Status == EventFailed
}

// EventMatch is one matched image for one participant's person.
type EventMatch struct {
	ID            int64
	EventID       string
	ParticipantID int64
	PersonID      int64
	ImageRef      string
	Confidence    float64
}

// ImageFailure records one image the pipeline could not process. Failures
// never abort a job; they are reported alongside the results.
type ImageFailure struct {
	EventID  string
	ImageRef string
	Reason   string
}
