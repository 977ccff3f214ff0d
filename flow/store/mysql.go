package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists run snapshots in MySQL.
//
// Designed for multi-process deployments where runs suspended in one process
// are resumed in another. The schema is migrated automatically on first use.
//
// DSN format follows go-sql-driver/mysql, e.g.
// "user:pass@tcp(localhost:3306)/flowline?parseTime=true".
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and prepares the snapshot table.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS run_snapshots (
			run_id VARCHAR(255) PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			snapshot JSON NOT NULL,
			saved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_snapshots_workflow (workflow_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create run_snapshots table: %w", err)
	}
	return nil
}

// Save upserts the snapshot for the run.
func (s *MySQLStore) Save(ctx context.Context, runID string, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_snapshots (run_id, workflow_id, status, snapshot)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			workflow_id = VALUES(workflow_id),
			status = VALUES(status),
			snapshot = VALUES(snapshot)
	`, runID, snapshot.WorkflowID, snapshot.Status, string(data))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for the run, or ErrNotFound.
func (s *MySQLStore) Load(ctx context.Context, runID string) (Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM run_snapshots WHERE run_id = ?", runID).Scan(&data)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
