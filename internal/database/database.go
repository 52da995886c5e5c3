package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"bongo/internal/state"
)

// Keys of the persisted control state in app_config.
const (
	KeyFPS    = "fps"
	KeyAIMode = "ai_mode"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// PersistedState is the control state that survives restarts
type PersistedState struct {
	FPS    float64
	AIMode bool
}

// RateEventRecord represents one change of the signalling rate or mode
type RateEventRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Rate      float64   `json:"rate"`
	Mode      string    `json:"mode"`
	Source    string    `json:"source,omitempty"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so the CLI can write while the daemon holds the file
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Open creates the connection and runs migrations
func Open(dbPath string) (*Database, error) {
	d, err := New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rate_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL,
			rate REAL NOT NULL,
			mode TEXT NOT NULL,
			source TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_events_time ON rate_events(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// LoadState returns the persisted control state. Missing or unparsable
// values fall back to def.
func (d *Database) LoadState(def PersistedState) (PersistedState, error) {
	configs, err := d.ListConfigs()
	if err != nil {
		return def, err
	}

	st := def
	if v, ok := configs[KeyFPS]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			st.FPS = f
		}
	}
	if v, ok := configs[KeyAIMode]; ok {
		if b, err := strconv.ParseBool(v); err == nil {
			st.AIMode = b
		}
	}
	return st, nil
}

// SaveState writes both fields in one transaction
func (d *Database) SaveState(st PersistedState) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := tx.Exec(query, KeyFPS, strconv.FormatFloat(st.FPS, 'g', -1, 64)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	if _, err := tx.Exec(query, KeyAIMode, strconv.FormatBool(st.AIMode)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return tx.Commit()
}

// SaveSnapshot persists a live state snapshot
func (d *Database) SaveSnapshot(s state.Snapshot) error {
	return d.SaveState(PersistedState{FPS: s.Rate, AIMode: s.Mode == state.Adaptive})
}

// RecordRate appends a rate event
func (d *Database) RecordRate(event *RateEventRecord) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	result, err := d.db.Exec(`INSERT INTO rate_events (timestamp, rate, mode, source) VALUES (?, ?, ?, ?)`,
		event.Timestamp.UTC(), event.Rate, event.Mode, event.Source)
	if err != nil {
		return fmt.Errorf("failed to save rate event: %w", err)
	}
	event.ID, _ = result.LastInsertId()
	return nil
}

// ListRateEvents returns rate events, newest first, with optional filtering
func (d *Database) ListRateEvents(since *time.Time, limit int) ([]*RateEventRecord, error) {
	query := `SELECT id, timestamp, rate, mode, source FROM rate_events WHERE 1=1`
	args := []interface{}{}

	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate events: %w", err)
	}
	defer rows.Close()

	var events []*RateEventRecord
	for rows.Next() {
		var event RateEventRecord
		var source sql.NullString
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Rate, &event.Mode, &source); err != nil {
			return nil, fmt.Errorf("failed to scan rate event: %w", err)
		}
		event.Source = source.String
		events = append(events, &event)
	}
	return events, rows.Err()
}

// DeleteOldRateEvents deletes events older than the specified time
func (d *Database) DeleteOldRateEvents(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM rate_events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old rate events: %w", err)
	}
	return result.RowsAffected()
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	_, err := d.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// ListConfigs returns all configuration values
func (d *Database) ListConfigs() (map[string]string, error) {
	rows, err := d.db.Query("SELECT key, value FROM app_config")
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		configs[key] = value
	}
	return configs, rows.Err()
}

// Recorder writes every state change into rate_events
type Recorder struct {
	db     *Database
	logger zerolog.Logger
}

// NewRecorder creates a state observer backed by d
func NewRecorder(d *Database, logger zerolog.Logger) *Recorder {
	return &Recorder{db: d, logger: logger.With().Str("component", "database").Logger()}
}

func (r *Recorder) OnStateChange(c state.Change) {
	err := r.db.RecordRate(&RateEventRecord{
		Rate:   c.Rate,
		Mode:   c.Mode.String(),
		Source: c.Source,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to record rate event")
	}
}
