package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var modelsYAML []byte

type Config struct {
	FaceAPI   FaceAPIConfig
	Matching  MatchingConfig
	Batch     BatchConfig
	Event     EventConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	Log       LogConfig
	Models    ModelsConfig
	ModelName string
}

type FaceAPIConfig struct {
	URL                 string  // face detection/embedding service endpoint
	DetectionConfidence float64 // minimum det_score for a detection to count
	MinFaceSize         int     // minimum face box side in pixels
}

type MatchingConfig struct {
	Threshold          float64 // maximum cosine distance accepted as a match
	MaxExamplesPerFace int     // soft cap of reference embeddings per person
}

type BatchConfig struct {
	AccumulationTimeout time.Duration // quiet gap before a photo burst flushes
	MaxPhotos           int           // force flush once a window reaches this size
}

type EventConfig struct {
	MaxArchiveBytes  int64         // ceiling enforced before extraction starts
	RetentionWindow  time.Duration // how long finished jobs and artifacts live
	Workers          int           // matching worker pool size
	ProgressInterval time.Duration // minimum gap between progress reports
}

type DatabaseConfig struct {
	URL          string // postgres:// DSN selects the pgvector store
	Path         string // sqlite file used when URL is empty
	MaxOpenConns int
	MaxIdleConns int
}

type StorageConfig struct {
	UploadDir    string // temporary photo uploads
	EventDataDir string // per-event archives and extracted images
}

type LogConfig struct {
	Level string
}

type ModelsConfig struct {
	Models map[string]ModelProfile `yaml:"models"`
}

// ModelProfile describes an embedding model the engine knows how to index.
// The metric and dimension are recorded per index scope so that a model swap
// without a reindex is caught instead of silently producing garbage distances.
type ModelProfile struct {
	Dim            int     `yaml:"dim"`
	Metric         string  `yaml:"metric"`
	MatchThreshold float64 `yaml:"match_threshold"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable and parses it as a Go duration.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var models ModelsConfig
	if err := yaml.Unmarshal(modelsYAML, &models); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded models.yaml: " + err.Error())
	}

	modelName := envString("EMBEDDING_MODEL", "buffalo_sc")
	profile := models.Models[modelName]

	return &Config{
		FaceAPI: FaceAPIConfig{
			URL:                 envString("FACE_API_URL", "http://localhost:8000"),
			DetectionConfidence: envFloat("FACE_DETECTION_CONFIDENCE", 0.6),
			MinFaceSize:         envInt("MIN_FACE_SIZE", 20),
		},
		Matching: MatchingConfig{
			Threshold:          envFloat("FACE_MATCH_THRESHOLD", profile.MatchThreshold),
			MaxExamplesPerFace: envInt("MAX_EXAMPLES_PER_PERSON", 20),
		},
		Batch: BatchConfig{
			AccumulationTimeout: envDuration("PHOTO_ACCUMULATION_TIMEOUT", 3*time.Second),
			MaxPhotos:           envInt("MAX_BATCH_PHOTOS", 50),
		},
		Event: EventConfig{
			MaxArchiveBytes:  int64(envInt("MAX_ARCHIVE_SIZE_MB", 500)) * 1024 * 1024,
			RetentionWindow:  time.Duration(envInt("EVENT_RETENTION_DAYS", 30)) * 24 * time.Hour,
			Workers:          envInt("EVENT_WORKERS", 4),
			ProgressInterval: envDuration("PROGRESS_INTERVAL", 5*time.Second),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			Path:         envString("DATABASE_PATH", "./photopick.db"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Storage: StorageConfig{
			UploadDir:    envString("UPLOAD_DIR", "./uploads"),
			EventDataDir: envString("EVENT_DATA_DIR", "./event_data"),
		},
		Log: LogConfig{
			Level: envString("LOG_LEVEL", "info"),
		},
		Models:    models,
		ModelName: modelName,
	}
}

// Profile returns the active embedding model profile.
func (c *Config) Profile() (ModelProfile, error) {
	p, ok := c.Models.Models[c.ModelName]
	if !ok {
		return ModelProfile{}, fmt.Errorf("unknown embedding model %q", c.ModelName)
	}
	return p, nil
}
