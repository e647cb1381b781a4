package storage

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/dougsko/sqandr/pkg/protocol"
)

// FrameQuery represents query parameters for retrieving frames
type FrameQuery struct {
	Limit     int
	Offset    int
	Since     *time.Time
	Until     *time.Time
	Session   string
	Direction string // "RX", "TX", or "" for both
	SyncOnly  bool
}

// SessionSummary describes one daemon run as seen in the frame log
type SessionSummary struct {
	Session        string    `json:"session"`
	FirstFrameTime time.Time `json:"first_frame_time"`
	LastFrameTime  time.Time `json:"last_frame_time"`
	LastFrameID    int64     `json:"last_frame_id"`
	RxFrames       int       `json:"rx_frames"`
	TxFrames       int       `json:"tx_frames"`
}

// FrameStats represents database statistics
type FrameStats struct {
	TotalFrames int       `json:"total_frames"`
	TotalRX     int       `json:"total_rx"`
	TotalTX     int       `json:"total_tx"`
	TotalBytes  int64     `json:"total_bytes"`
	LastCleanup time.Time `json:"last_cleanup"`
}

const frameColumns = `id, session, timestamp, direction, data, sync_found, dropped, truncated`

// GetFrames retrieves frames based on query parameters, newest first
func (fs *FrameStore) GetFrames(query FrameQuery) ([]protocol.Frame, error) {
	var args []interface{}
	var conditions []string

	if query.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *query.Since)
	}
	if query.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *query.Until)
	}
	if query.Session != "" {
		conditions = append(conditions, "session = ?")
		args = append(args, query.Session)
	}
	if query.Direction != "" {
		conditions = append(conditions, "direction = ?")
		args = append(args, strings.ToUpper(query.Direction))
	}
	if query.SyncOnly {
		conditions = append(conditions, "sync_found = TRUE")
	}

	sqlQuery := "SELECT " + frameColumns + " FROM frames WHERE 1=1"
	for _, condition := range conditions {
		sqlQuery += " AND " + condition
	}
	sqlQuery += " ORDER BY id DESC"

	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)

		if query.Offset > 0 {
			sqlQuery += " OFFSET ?"
			args = append(args, query.Offset)
		}
	}

	rows, err := fs.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var frames []protocol.Frame
	for rows.Next() {
		frame, err := scanFrame(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}

	return frames, rows.Err()
}

func scanFrame(rows *sql.Rows) (protocol.Frame, error) {
	var f protocol.Frame
	err := rows.Scan(
		&f.ID,
		&f.Session,
		&f.Timestamp,
		&f.Direction,
		&f.Data,
		&f.SyncFound,
		&f.Dropped,
		&f.Truncated,
	)
	if err != nil {
		return f, fmt.Errorf("failed to scan frame: %w", err)
	}
	f.Hex = hex.EncodeToString(f.Data)
	f.Length = len(f.Data)
	return f, nil
}

// GetRecentFrames retrieves the most recent frames, optionally for one
// direction
func (fs *FrameStore) GetRecentFrames(limit int, direction string) ([]protocol.Frame, error) {
	return fs.GetFrames(FrameQuery{
		Limit:     limit,
		Direction: direction,
	})
}

// GetFramesBySession retrieves frames recorded during one daemon run
func (fs *FrameStore) GetFramesBySession(session string, limit int, offset int) ([]protocol.Frame, error) {
	return fs.GetFrames(FrameQuery{
		Session: session,
		Limit:   limit,
		Offset:  offset,
	})
}

// GetSessions retrieves session summaries, most recently active first
func (fs *FrameStore) GetSessions(limit int) ([]SessionSummary, error) {
	query := `
		SELECT session, first_frame_time, last_frame_time, last_frame_id, rx_frames, tx_frames
		FROM sessions
		ORDER BY last_frame_time DESC
	`

	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := fs.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var lastFrameID sql.NullInt64

		err := rows.Scan(
			&s.Session,
			&s.FirstFrameTime,
			&s.LastFrameTime,
			&lastFrameID,
			&s.RxFrames,
			&s.TxFrames,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if lastFrameID.Valid {
			s.LastFrameID = lastFrameID.Int64
		}

		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// GetFrameStats retrieves database statistics
func (fs *FrameStore) GetFrameStats() (*FrameStats, error) {
	var stats FrameStats
	var lastCleanup sql.NullTime

	err := fs.db.QueryRow(`
		SELECT total_frames, total_rx, total_tx, total_bytes, last_cleanup
		FROM frame_stats WHERE id = 1
	`).Scan(&stats.TotalFrames, &stats.TotalRX, &stats.TotalTX, &stats.TotalBytes, &lastCleanup)
	if err != nil {
		return nil, fmt.Errorf("failed to get frame stats: %w", err)
	}

	if lastCleanup.Valid {
		stats.LastCleanup = lastCleanup.Time
	}

	return &stats, nil
}

// GetFrameCount returns the number of frames currently kept
func (fs *FrameStore) GetFrameCount() (int, error) {
	var count int
	err := fs.db.QueryRow("SELECT COUNT(*) FROM frames").Scan(&count)
	return count, err
}

// GetFrameCountByDirection returns the number of kept frames for RX or TX
func (fs *FrameStore) GetFrameCountByDirection(direction string) (int, error) {
	var count int
	err := fs.db.QueryRow("SELECT COUNT(*) FROM frames WHERE direction = ?", strings.ToUpper(direction)).Scan(&count)
	return count, err
}
