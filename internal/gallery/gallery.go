// Package gallery stores finished artifacts: image bytes on disk plus a
// catalog row keyed by artifact ID.
package gallery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"visionforge/internal/config"
	"visionforge/internal/logging"
)

// Artifact is one cataloged image.
type Artifact struct {
	ID             string    `json:"id"`
	JobID          string    `json:"jobId"`
	Path           string    `json:"path"`
	PositivePrompt string    `json:"positivePrompt"`
	NegativePrompt string    `json:"negativePrompt"`
	Checkpoint     string    `json:"checkpoint"`
	Seed           int64     `json:"seed"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ErrNotFound indicates no artifact with the requested ID exists.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts under the configured images directory.
type Store struct {
	db        *sql.DB
	imagesDir string
	logger    *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	path TEXT NOT NULL,
	positive_prompt TEXT NOT NULL,
	negative_prompt TEXT NOT NULL,
	checkpoint TEXT NOT NULL,
	seed INTEGER NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);`

// Open initializes the gallery catalog and images directory.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "gallery.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open gallery db: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout = 5000"} {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create gallery schema: %w", err)
	}
	return &Store{db: db, imagesDir: cfg.Paths.ImagesDir, logger: logger}, nil
}

// Close releases the catalog connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes the image bytes to disk and catalogs them, returning the new
// artifact ID.
func (s *Store) Save(ctx context.Context, meta Artifact, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("save artifact: empty image data")
	}
	meta.ID = uuid.NewString()
	meta.Path = filepath.Join(s.imagesDir, meta.ID+".png")
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	if err := os.WriteFile(meta.Path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact file: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, job_id, path, positive_prompt, negative_prompt,
			checkpoint, seed, width, height, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.JobID, meta.Path, meta.PositivePrompt, meta.NegativePrompt,
		meta.Checkpoint, meta.Seed, meta.Width, meta.Height,
		meta.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		_ = os.Remove(meta.Path)
		return "", fmt.Errorf("catalog artifact: %w", err)
	}

	s.logger.Info("artifact saved",
		logging.String("artifact_id", meta.ID),
		logging.String(logging.FieldJobID, meta.JobID),
		logging.Int("bytes", len(data)))
	return meta.ID, nil
}

// Get fetches one artifact record.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, path, positive_prompt, negative_prompt,
			checkpoint, seed, width, height, created_at
		FROM artifacts WHERE id = ?`, id)
	return scanArtifact(row, id)
}

// List returns artifacts newest first, up to limit (0 means all).
func (s *Store) List(ctx context.Context, limit int) ([]*Artifact, error) {
	query := `
		SELECT id, job_id, path, positive_prompt, negative_prompt,
			checkpoint, seed, width, height, created_at
		FROM artifacts ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows, "")
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner, id string) (*Artifact, error) {
	var (
		a         Artifact
		createdAt string
	)
	err := row.Scan(&a.ID, &a.JobID, &a.Path, &a.PositivePrompt, &a.NegativePrompt,
		&a.Checkpoint, &a.Seed, &a.Width, &a.Height, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("artifact %s: parse created_at: %w", a.ID, err)
	}
	return &a, nil
}
