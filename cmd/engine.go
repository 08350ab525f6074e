package cmd

import (
	"fmt"
	"log/slog"

	"github.com/photopick/photopick/internal/config"
	"github.com/photopick/photopick/internal/event"
	"github.com/photopick/photopick/internal/face"
	"github.com/photopick/photopick/internal/filter"
	"github.com/photopick/photopick/internal/index"
	"github.com/photopick/photopick/internal/lock"
	"github.com/photopick/photopick/internal/match"
	"github.com/photopick/photopick/internal/storage"
	"github.com/photopick/photopick/internal/storage/postgres"
	"github.com/photopick/photopick/internal/storage/sqlite"
)

// engine bundles the wired components every command works with.
type engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.Store
	index   *index.Store
	matcher *match.Matcher
	faces   *face.Client
	locks   *lock.Table
	filter  *filter.Service
	events  *event.Pipeline
}

// buildEngine loads configuration and wires the full component graph.
// DATABASE_URL selects the pgvector store; otherwise the embedded SQLite
// store at DATABASE_PATH is used. The consumer factory gets the wired
// logger so report sinks can log through the same handler.
func buildEngine(newConsumer func(*slog.Logger) filter.Consumer) (*engine, error) {
	cfg := config.Load()
	logger := newLogger(cfg.Log.Level)

	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Database.URL != "" {
		store, err = postgres.New(&cfg.Database)
	} else {
		store, err = sqlite.New(cfg.Database.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	idx := index.NewStore(profile.Dim)
	matcher := match.New(idx, cfg.Matching.Threshold)
	faces := face.NewClient(cfg.FaceAPI.URL, cfg.ModelName, cfg.FaceAPI.DetectionConfidence, cfg.FaceAPI.MinFaceSize)
	locks := lock.NewTable()

	svc := filter.New(store, idx, matcher, faces, locks, newConsumer(logger), filter.Config{
		AccumulationTimeout:  cfg.Batch.AccumulationTimeout,
		MaxBatchPhotos:       cfg.Batch.MaxPhotos,
		MaxExamplesPerPerson: cfg.Matching.MaxExamplesPerFace,
		ModelName:            cfg.ModelName,
	}, logger)

	pipeline := event.New(store, idx, matcher, faces, locks, cfg.Event, cfg.Storage.EventDataDir, logger)

	return &engine{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		index:   idx,
		matcher: matcher,
		faces:   faces,
		locks:   locks,
		filter:  svc,
		events:  pipeline,
	}, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}
