package db

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// History is a SQLite-backed audit store for served predictions and
// training runs. Recording is best-effort; scoring never reads it.
type History struct {
	database *sql.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	query := `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        request_id TEXT,
        source TEXT,
        predicted_label INTEGER,
        confidence REAL,
        model_version TEXT,
        latency_ms REAL,
        created_at DATETIME
    );
    CREATE TABLE IF NOT EXISTS training_runs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_version TEXT,
        accuracy REAL,
        precision REAL,
        recall REAL,
        samples INTEGER,
        duration_ms REAL,
        source TEXT,
        trained_at DATETIME
    );
    `

	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, err
	}
	return &History{database: database}, nil
}

func (h *History) Close() error {
	if h == nil || h.database == nil {
		return nil
	}
	return h.database.Close()
}

type PredictionRecord struct {
	RequestID      string    `json:"request_id"`
	Source         string    `json:"source"`
	PredictedLabel int       `json:"predicted_label"`
	Confidence     float64   `json:"confidence"`
	ModelVersion   string    `json:"model_version"`
	LatencyMS      float64   `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *History) RecordPredictions(records []PredictionRecord) error {
	if h == nil || h.database == nil {
		return errors.New("history not initialized")
	}
	if len(records) == 0 {
		return nil
	}

	stmt, err := h.database.Prepare(`
        INSERT INTO predictions (
            request_id, source, predicted_label, confidence, model_version, latency_ms, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, record := range records {
		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.Exec(
			record.RequestID,
			record.Source,
			record.PredictedLabel,
			record.Confidence,
			record.ModelVersion,
			record.LatencyMS,
			createdAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// RecentPredictions returns the newest records first.
func (h *History) RecentPredictions(limit int) ([]PredictionRecord, error) {
	if h == nil || h.database == nil {
		return nil, errors.New("history not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.database.Query(`
        SELECT request_id, source, predicted_label, confidence, model_version, latency_ms, created_at
        FROM predictions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		var record PredictionRecord
		if err := rows.Scan(
			&record.RequestID,
			&record.Source,
			&record.PredictedLabel,
			&record.Confidence,
			&record.ModelVersion,
			&record.LatencyMS,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type TrainingRun struct {
	ModelVersion string    `json:"model_version"`
	Accuracy     float64   `json:"accuracy"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	Samples      int       `json:"samples"`
	DurationMS   float64   `json:"duration_ms"`
	Source       string    `json:"source"`
	TrainedAt    time.Time `json:"trained_at"`
}

func (h *History) RecordTraining(run TrainingRun) error {
	if h == nil || h.database == nil {
		return errors.New("history not initialized")
	}
	trainedAt := run.TrainedAt
	if trainedAt.IsZero() {
		trainedAt = time.Now().UTC()
	}
	_, err := h.database.Exec(`
        INSERT INTO training_runs (
            model_version, accuracy, precision, recall, samples, duration_ms, source, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `,
		run.ModelVersion,
		run.Accuracy,
		run.Precision,
		run.Recall,
		run.Samples,
		run.DurationMS,
		run.Source,
		trainedAt,
	)
	return err
}

// TrainingRuns returns the newest runs first.
func (h *History) TrainingRuns(limit int) ([]TrainingRun, error) {
	if h == nil || h.database == nil {
		return nil, errors.New("history not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.database.Query(`
        SELECT model_version, accuracy, precision, recall, samples, duration_ms, source, trained_at
        FROM training_runs
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		if err := rows.Scan(
			&run.ModelVersion,
			&run.Accuracy,
			&run.Precision,
			&run.Recall,
			&run.Samples,
			&run.DurationMS,
			&run.Source,
			&run.TrainedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
