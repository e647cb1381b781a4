package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/protocol"
	_ "github.com/mattn/go-sqlite3"
)

// FrameStore keeps a log of the frames that crossed the link in SQLite
type FrameStore struct {
	db        *sql.DB
	dbPath    string
	maxFrames int
}

// NewFrameStore creates a new frame store with SQLite backend
func NewFrameStore(dbPath string, maxFrames int) (*FrameStore, error) {
	store := &FrameStore{
		dbPath:    dbPath,
		maxFrames: maxFrames,
	}

	if err := store.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize frame store: %w", err)
	}

	return store, nil
}

// initialize sets up the database connection and creates tables
func (fs *FrameStore) initialize() error {
	if fs.dbPath == "" {
		fs.dbPath = "./sqandr.db"
	}

	if err := os.MkdirAll(filepath.Dir(fs.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	connectionString := fs.dbPath + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on"

	db, err := sql.Open("sqlite3", connectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	fs.db = db

	if err := fs.createTables(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	if err := fs.createIndexes(); err != nil {
		db.Close()
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	logging.Info("storage", "Frame store initialized", map[string]interface{}{
		"path":       fs.dbPath,
		"max_frames": fs.maxFrames,
	})
	return nil
}

// createTables creates the database schema
func (fs *FrameStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		direction TEXT NOT NULL CHECK (direction IN ('RX', 'TX')),
		data BLOB NOT NULL,
		length INTEGER NOT NULL DEFAULT 0,
		sync_found BOOLEAN NOT NULL DEFAULT FALSE,
		dropped INTEGER NOT NULL DEFAULT 0,
		truncated BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session TEXT PRIMARY KEY,
		first_frame_time DATETIME NOT NULL,
		last_frame_time DATETIME NOT NULL,
		last_frame_id INTEGER,
		rx_frames INTEGER NOT NULL DEFAULT 0,
		tx_frames INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (last_frame_id) REFERENCES frames(id) ON DELETE SET NULL
	);

	CREATE TABLE IF NOT EXISTS frame_stats (
		id INTEGER PRIMARY KEY,
		total_frames INTEGER NOT NULL DEFAULT 0,
		total_rx INTEGER NOT NULL DEFAULT 0,
		total_tx INTEGER NOT NULL DEFAULT 0,
		total_bytes INTEGER NOT NULL DEFAULT 0,
		last_cleanup DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	INSERT OR IGNORE INTO frame_stats (id, total_frames, total_rx, total_tx, total_bytes)
	VALUES (1, 0, 0, 0, 0);
	`

	_, err := fs.db.Exec(schema)
	return err
}

// createIndexes creates database indexes for performance
func (fs *FrameStore) createIndexes() error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_frames_timestamp ON frames(timestamp DESC)",
		"CREATE INDEX IF NOT EXISTS idx_frames_session ON frames(session)",
		"CREATE INDEX IF NOT EXISTS idx_frames_direction ON frames(direction)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_last_frame_time ON sessions(last_frame_time DESC)",
	}

	for _, indexSQL := range indexes {
		if _, err := fs.db.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// StoreFrame stores a frame and returns its row id
func (fs *FrameStore) StoreFrame(frame protocol.Frame) (int64, error) {
	if frame.Direction != protocol.DirectionRX && frame.Direction != protocol.DirectionTX {
		return 0, fmt.Errorf("invalid frame direction %q", frame.Direction)
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	data := frame.Data
	if data == nil {
		data = []byte{}
	}

	tx, err := fs.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO frames (
			session, timestamp, direction, data, length,
			sync_found, dropped, truncated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		frame.Session, frame.Timestamp, frame.Direction, data, len(data),
		frame.SyncFound, frame.Dropped, frame.Truncated,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert frame: %w", err)
	}

	frameID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get frame ID: %w", err)
	}

	if err := fs.updateSession(tx, frame.Session, frameID, frame.Timestamp, frame.Direction); err != nil {
		return 0, fmt.Errorf("failed to update session: %w", err)
	}

	if err := fs.updateStats(tx, frame.Direction, len(data)); err != nil {
		return 0, fmt.Errorf("failed to update stats: %w", err)
	}

	if err := fs.cleanupOldFrames(tx); err != nil {
		logging.Warn("storage", "Failed to clean up old frames", map[string]interface{}{"error": err.Error()})
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit frame: %w", err)
	}
	return frameID, nil
}

// updateSession updates the per-session summary row
func (fs *FrameStore) updateSession(tx *sql.Tx, session string, frameID int64, timestamp time.Time, direction string) error {
	rx, txCount := 0, 0
	if direction == protocol.DirectionRX {
		rx = 1
	} else {
		txCount = 1
	}

	_, err := tx.Exec(`
		INSERT INTO sessions (session, first_frame_time, last_frame_time, last_frame_id, rx_frames, tx_frames)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session) DO UPDATE SET
			last_frame_time = excluded.last_frame_time,
			last_frame_id = excluded.last_frame_id,
			rx_frames = rx_frames + excluded.rx_frames,
			tx_frames = tx_frames + excluded.tx_frames,
			updated_at = CURRENT_TIMESTAMP
	`, session, timestamp, timestamp, frameID, rx, txCount)
	return err
}

// updateStats updates frame statistics
func (fs *FrameStore) updateStats(tx *sql.Tx, direction string, length int) error {
	_, err := tx.Exec(`
		UPDATE frame_stats SET
			total_frames = total_frames + 1,
			total_rx = CASE WHEN ? = 'RX' THEN total_rx + 1 ELSE total_rx END,
			total_tx = CASE WHEN ? = 'TX' THEN total_tx + 1 ELSE total_tx END,
			total_bytes = total_bytes + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
	`, direction, direction, length)
	return err
}

// CleanupOldFrames removes frames beyond the maximum limit
func (fs *FrameStore) CleanupOldFrames() error {
	tx, err := fs.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fs.cleanupOldFrames(tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (fs *FrameStore) cleanupOldFrames(tx *sql.Tx) error {
	if fs.maxFrames <= 0 {
		return nil
	}

	var count int
	if err := tx.QueryRow("SELECT COUNT(*) FROM frames").Scan(&count); err != nil {
		return err
	}
	if count <= fs.maxFrames {
		return nil
	}

	// Row ids follow insertion order, which timestamps from one clock may tie on.
	_, err := tx.Exec(`
		DELETE FROM frames
		WHERE id IN (
			SELECT id FROM frames
			ORDER BY id ASC
			LIMIT ?
		)
	`, count-fs.maxFrames)
	if err != nil {
		return err
	}

	_, err = tx.Exec("UPDATE frame_stats SET last_cleanup = CURRENT_TIMESTAMP WHERE id = 1")
	return err
}

// Name identifies the store as a frame sink.
func (fs *FrameStore) Name() string {
	return "storage"
}

// HandleFrame logs a frame from the engine. Failures are logged, not
// returned, so a full disk never stalls the link.
func (fs *FrameStore) HandleFrame(frame protocol.Frame) {
	if _, err := fs.StoreFrame(frame); err != nil {
		logging.Error("storage", "Failed to store frame", map[string]interface{}{
			"direction": frame.Direction,
			"length":    frame.Length,
			"error":     err.Error(),
		})
	}
}

// Close closes the database connection
func (fs *FrameStore) Close() error {
	if fs.db != nil {
		return fs.db.Close()
	}
	return nil
}
