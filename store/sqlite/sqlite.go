// Package sqlite implements the local job journal using SQLite.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/aicoder/model"
)

// ErrNotFound is returned when a job is not in the journal.
var ErrNotFound = errors.New("job not found")

// Store manages job and frame persistence in SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			repo_path   TEXT NOT NULL DEFAULT '',
			instruction TEXT NOT NULL,
			max_iters   INTEGER NOT NULL DEFAULT 0,
			use_teacher INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'running',
			calls       INTEGER NOT NULL DEFAULT 0,
			tokens      INTEGER NOT NULL DEFAULT 0,
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS job_frames (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (job_id) REFERENCES jobs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_frames_job_id
			ON job_frames(job_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(job *model.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = model.StatusRunning
	}
	_, err := s.db.Exec(
		`INSERT INTO jobs (id, repo_path, instruction, max_iters, use_teacher, status, calls, tokens, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RepoPath, job.Instruction, job.MaxIters, job.UseTeacher,
		job.Status, job.Calls, job.Tokens, job.CreatedAt, job.UpdatedAt,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(id model.JobID) (*model.Job, error) {
	row := s.db.QueryRow(
		`SELECT id, repo_path, instruction, max_iters, use_teacher, status, calls, tokens, created_at, updated_at
		 FROM jobs WHERE id = ?`, id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

// ListJobs returns jobs newest first. limit <= 0 means no limit.
func (s *Store) ListJobs(limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, repo_path, instruction, max_iters, use_teacher, status, calls, tokens, created_at, updated_at
		 FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob updates the mutable fields of a job.
func (s *Store) UpdateJob(job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, calls = ?, tokens = ?, updated_at = ?
		 WHERE id = ?`,
		job.Status, job.Calls, job.Tokens, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	return nil
}

// AddFrame appends a raw frame to a job and returns it with its ID.
func (s *Store) AddFrame(jobID model.JobID, data string) (*model.Frame, error) {
	f := &model.Frame{JobID: jobID, Data: data, CreatedAt: time.Now().UTC()}
	result, err := s.db.Exec(
		`INSERT INTO job_frames (job_id, data, created_at) VALUES (?, ?, ?)`,
		f.JobID, f.Data, f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	f.ID = id
	return f, nil
}

// GetFrames returns frames for a job in insertion order, optionally after a
// given frame ID.
func (s *Store) GetFrames(jobID model.JobID, afterID int64) ([]*model.Frame, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, data, created_at
		 FROM job_frames
		 WHERE job_id = ? AND id > ?
		 ORDER BY id ASC`,
		jobID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []*model.Frame
	for rows.Next() {
		f := &model.Frame{}
		if err := rows.Scan(&f.ID, &f.JobID, &f.Data, &f.CreatedAt); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	job := &model.Job{}
	err := row.Scan(
		&job.ID, &job.RepoPath, &job.Instruction, &job.MaxIters, &job.UseTeacher,
		&job.Status, &job.Calls, &job.Tokens, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}
