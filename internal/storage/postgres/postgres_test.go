//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/photopick/photopick/internal/config"
	"github.com/photopick/photopick/internal/storage"
)

func setupTestContainer(t *testing.T) (*Store, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	store, err := New(cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		container.Terminate(ctx)
	}
	return store, cleanup
}

func TestPostgresStore(t *testing.T) {
	s, cleanup := setupTestContainer(t)
	if s == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()

	t.Run("PersonAndEmbeddings", func(t *testing.T) {
		p, err := s.CreatePerson(ctx, 7, "Dana")
		if err != nil {
			t.Fatalf("CreatePerson failed: %v", err)
		}

		vec := make([]float32, 512)
		for i := range vec {
			vec[i] = float32(i) / 512.0
		}
		if _, err := s.AddEmbedding(ctx, &storage.Embedding{
			PersonID:    p.ID,
			Vector:      vec,
			SourcePhoto: "photo-1.jpg",
			Model:       "buffalo_sc",
		}); err != nil {
			t.Fatalf("AddEmbedding failed: %v", err)
		}

		list, err := s.ListPersonEmbeddings(ctx, p.ID)
		if err != nil {
			t.Fatalf("ListPersonEmbeddings failed: %v", err)
		}
		if len(list) != 1 || len(list[0].Vector) != 512 {
			t.Fatalf("unexpected embeddings: %d", len(list))
		}
		for i, f := range list[0].Vector {
			if f != vec[i] {
				t.Fatalf("vector[%d] = %v, want %v", i, f, vec[i])
			}
		}

		if err := s.DeletePerson(ctx, p.ID); err != nil {
			t.Fatalf("DeletePerson failed: %v", err)
		}
		n, err := s.CountPersonEmbeddings(ctx, p.ID)
		if err != nil || n != 0 {
			t.Errorf("embeddings survived cascade: %d, %v", n, err)
		}
	})

	t.Run("EventLifecycle", func(t *testing.T) {
		job := &storage.EventJob{
			ID:             uuid.New().String(),
			Code:           "EVT-AB12C",
			CreatorID:      7,
			Status:         storage.EventPending,
			ParticipantIDs: []int64{1, 2},
			CreatedAt:      time.Now().UTC(),
			ExpiresAt:      time.Now().UTC().Add(time.Hour),
		}
		if err := s.CreateEvent(ctx, job); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}

		got, err := s.GetEvent(ctx, job.Code)
		if err != nil {
			t.Fatalf("GetEvent failed: %v", err)
		}
		if len(got.ParticipantIDs) != 2 {
			t.Errorf("participants = %v", got.ParticipantIDs)
		}

		got.Status = storage.EventDone
		now := time.Now().UTC()
		got.ReadyAt = &now
		if err := s.UpdateEvent(ctx, got); err != nil {
			t.Fatalf("UpdateEvent failed: %v", err)
		}

		if err := s.SaveMatches(ctx, []storage.EventMatch{
			{EventID: job.ID, ParticipantID: 1, PersonID: 10, ImageRef: "a.jpg", Confidence: 0.9},
		}); err != nil {
			t.Fatalf("SaveMatches failed: %v", err)
		}
		matches, err := s.ListMatches(ctx, job.ID, 1)
		if err != nil || len(matches) != 1 {
			t.Fatalf("ListMatches = %v, %v", matches, err)
		}

		if err := s.DeleteEvent(ctx, job.Code); err != nil {
			t.Fatalf("DeleteEvent failed: %v", err)
		}
		if _, err := s.GetEvent(ctx, job.Code); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("FailInterrupted", func(t *testing.T) {
		job := &storage.EventJob{
			ID:        uuid.New().String(),
			Code:      "EVT-ZZ99Z",
			CreatorID: 7,
			Status:    storage.EventMatching,
			CreatedAt: time.Now().UTC(),
			ExpiresAt: time.Now().UTC().Add(time.Hour),
		}
		if err := s.CreateEvent(ctx, job); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}

		n, err := s.FailInterrupted(ctx, "restart")
		if err != nil {
			t.Fatalf("FailInterrupted failed: %v", err)
		}
		if n != 1 {
			t.Errorf("FailInterrupted = %d, want 1", n)
		}
	})
}
