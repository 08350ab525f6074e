package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/photopick/photopick/internal/archive"
	"github.com/photopick/photopick/internal/face"
	"github.com/photopick/photopick/internal/filter"
	"github.com/photopick/photopick/internal/lock"
	"github.com/photopick/photopick/internal/storage"
)

// maxPhotoBytes bounds a single photo upload.
const maxPhotoBytes = 32 << 20

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func urlID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

// readUpload pulls the uploaded file out of a multipart form field, falling
// back to the raw request body for clients that POST the bytes directly.
func readUpload(r *http.Request, field string, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, limit)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile(field)
		if err != nil {
			return nil, fmt.Errorf("missing %s upload: %w", field, err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitPhoto(w http.ResponseWriter, r *http.Request) {
	userID, err := urlID(r, "userID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	photo, err := readUpload(r, "photo", maxPhotoBytes)
	if err != nil || len(photo) == 0 {
		respondError(w, http.StatusBadRequest, "missing photo")
		return
	}

	token, err := s.filter.SubmitPhoto(r.Context(), userID, photo)
	if err != nil {
		var busy *lock.BusyError
		if errors.As(err, &busy) {
			respondError(w, http.StatusConflict, fmt.Sprintf("already %s", busy.Current))
			return
		}
		s.logger.Error("submitting photo", "user", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to accept photo")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"token": token})
}

type personResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func toPersonResponse(p *storage.Person) personResponse {
	return personResponse{ID: p.ID, UserID: p.UserID, Name: p.Name, CreatedAt: p.CreatedAt}
}

func (s *Server) handleCreatePerson(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID int64  `json:"user_id"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == 0 || req.Name == "" {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	person, err := s.filter.CreatePerson(r.Context(), req.UserID, req.Name)
	if err != nil {
		s.logger.Error("creating person", "user", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create person")
		return
	}
	respondJSON(w, http.StatusCreated, toPersonResponse(person))
}

func (s *Server) handleListPeople(w http.ResponseWriter, r *http.Request) {
	userID, err := urlID(r, "userID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	people, err := s.store.ListPeople(r.Context(), userID)
	if err != nil {
		s.logger.Error("listing people", "user", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list people")
		return
	}
	out := make([]personResponse, 0, len(people))
	for i := range people {
		out = append(out, toPersonResponse(&people[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	personID, err := urlID(r, "personID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	photo, err := readUpload(r, "photo", maxPhotoBytes)
	if err != nil || len(photo) == 0 {
		respondError(w, http.StatusBadRequest, "missing photo")
		return
	}

	emb, err := s.filter.Enroll(r.Context(), personID, photo)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "person not found")
	case errors.Is(err, filter.ErrNoFace), errors.Is(err, face.ErrExtraction):
		respondError(w, http.StatusUnprocessableEntity, "no usable face in photo")
	case errors.Is(err, filter.ErrTooManyExamples):
		respondError(w, http.StatusConflict, "example photo limit reached")
	case err != nil:
		s.logger.Error("enrolling example", "person", personID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to enroll example")
	default:
		respondJSON(w, http.StatusCreated, map[string]any{
			"embedding_id": emb.ID,
			"person_id":    emb.PersonID,
			"dim":          emb.Dim,
		})
	}
}

func (s *Server) handleDeletePerson(w http.ResponseWriter, r *http.Request) {
	personID, err := urlID(r, "personID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.filter.RemovePerson(r.Context(), personID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "person not found")
			return
		}
		s.logger.Error("deleting person", "person", personID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete person")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelUser(w http.ResponseWriter, r *http.Request) {
	userID, err := urlID(r, "userID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	dropped := s.filter.Cancel(userID)
	respondJSON(w, http.StatusOK, map[string]int{"dropped_photos": dropped})
}

type eventResponse struct {
	Code            string     `json:"code"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	TotalImages     int        `json:"total_images"`
	ProcessedImages int        `json:"processed_images"`
	FailedImages    int        `json:"failed_images"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	ReadyAt         *time.Time `json:"ready_at,omitempty"`
	ExpiresAt       time.Time  `json:"expires_at"`
}

func toEventResponse(job *storage.EventJob) eventResponse {
	return eventResponse{
		Code:            job.Code,
		Status:          job.Status,
		Progress:        job.Progress,
		TotalImages:     job.TotalImages,
		ProcessedImages: job.ProcessedImages,
		FailedImages:    job.FailedImages,
		FailureReason:   job.FailureReason,
		CreatedAt:       job.CreatedAt,
		ReadyAt:         job.ReadyAt,
		ExpiresAt:       job.ExpiresAt,
	}
}

func (s *Server) handleStartEvent(w http.ResponseWriter, r *http.Request) {
	creatorID, err := strconv.ParseInt(r.FormValue("creator_id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid creator_id")
		return
	}
	participants, err := parseParticipants(r.FormValue("participants"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	archivePath, err := s.saveArchive(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing archive upload")
		return
	}

	// Reject bad archives before the async job starts, so the client gets a
	// meaningful status instead of a failed job.
	if err := archive.Validate(archivePath, s.maxArchive); err != nil {
		os.Remove(archivePath)
		switch {
		case errors.Is(err, archive.ErrTooLarge):
			respondError(w, http.StatusRequestEntityTooLarge, "archive too large")
		case errors.Is(err, archive.ErrCorrupt):
			respondError(w, http.StatusUnprocessableEntity, "corrupt archive")
		default:
			respondError(w, http.StatusBadRequest, "unreadable archive")
		}
		return
	}

	job, err := s.events.Start(r.Context(), creatorID, archivePath, participants)
	if err != nil {
		os.Remove(archivePath)
		var busy *lock.BusyError
		if errors.As(err, &busy) {
			respondError(w, http.StatusConflict, fmt.Sprintf("already %s", busy.Current))
			return
		}
		s.logger.Error("starting event", "creator", creatorID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start event")
		return
	}
	respondJSON(w, http.StatusAccepted, toEventResponse(job))
}

func parseParticipants(raw string) ([]int64, error) {
	if raw == "" {
		return nil, errors.New("missing participants")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid participant id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// saveArchive streams the uploaded archive to the upload directory.
func (s *Server) saveArchive(r *http.Request) (string, error) {
	file, _, err := r.FormFile("archive")
	if err != nil {
		return "", fmt.Errorf("missing archive upload: %w", err)
	}
	defer file.Close()

	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return "", fmt.Errorf("creating upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, uuid.New().String()+".zip")
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing archive: %w", err)
	}
	return path, nil
}

func (s *Server) handleEventStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toEventResponse(job))
}

func (s *Server) handleEventMatches(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupEvent(w, r)
	if !ok {
		return
	}
	participantID, err := urlID(r, "participantID")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	matches, err := s.store.ListMatches(r.Context(), job.ID, participantID)
	if err != nil {
		s.logger.Error("listing matches", "code", job.Code, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list matches")
		return
	}

	type matchResponse struct {
		PersonID   int64   `json:"person_id"`
		ImageRef   string  `json:"image_ref"`
		Confidence float64 `json:"confidence"`
	}
	out := make([]matchResponse, 0, len(matches))
	for _, m := range matches {
		out = append(out, matchResponse{PersonID: m.PersonID, ImageRef: m.ImageRef, Confidence: m.Confidence})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCancelEvent(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := s.events.Cancel(code); err != nil {
		respondError(w, http.StatusNotFound, "no running event with that code")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

func (s *Server) lookupEvent(w http.ResponseWriter, r *http.Request) (*storage.EventJob, bool) {
	code := chi.URLParam(r, "code")
	job, err := s.events.Status(r.Context(), code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "event not found")
			return nil, false
		}
		s.logger.Error("loading event", "code", code, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load event")
		return nil, false
	}
	return job, true
}
