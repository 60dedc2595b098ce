// Package lidardb persists capture sessions and periodic decode
// statistics for the HDL-64E listener in a local SQLite database.
package lidardb

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type LidarDB struct {
	*sql.DB
}

// schema.sql contains the SQL statements for creating the capture store
// schema: session records plus periodic decode statistics rows.
//
//go:embed schema.sql
var schemaSQL string

func NewLidarDB(path string) (*LidarDB, error) {
	// SQLite leaves foreign keys off by default; enable them on every
	// connection so decode_stats rows cannot reference missing sessions.
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(schemaSQL)
	if err != nil {
		return nil, err
	}

	log.Println("initialized lidar database schema")

	return &LidarDB{db}, nil
}

// StartSession creates a new capture session record and returns its id.
func (ldb *LidarDB) StartSession(sourceAddr, calibrationFile string, minRange, maxRange float64, notes string) (string, error) {
	id := uuid.NewString()

	query := `
		INSERT INTO lidar_sessions (id, source_address, calibration_file, min_range, max_range, session_notes)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := ldb.Exec(query, id, sourceAddr, calibrationFile, minRange, maxRange, notes)
	if err != nil {
		return "", fmt.Errorf("failed to start lidar session: %v", err)
	}

	return id, nil
}

// EndSession closes a capture session.
func (ldb *LidarDB) EndSession(sessionID string) error {
	query := `
		UPDATE lidar_sessions
		SET end_timestamp = UNIXEPOCH('subsec')
		WHERE id = ?
	`
	_, err := ldb.Exec(query, sessionID)
	if err != nil {
		return fmt.Errorf("failed to end lidar session: %v", err)
	}
	return nil
}

// DecodeStatsRow is one periodic statistics sample for a session.
type DecodeStatsRow struct {
	Packets         int64
	Bytes           int64
	Points          int64
	BadPackets      int64
	SkippedBlocks   int64
	DroppedForwards int64
}

// RecordDecodeStats appends one statistics sample to a session.
func (ldb *LidarDB) RecordDecodeStats(sessionID string, row DecodeStatsRow) error {
	query := `
		INSERT INTO decode_stats (session_id, packets, bytes, points, bad_packets, skipped_blocks, dropped_forwards)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ldb.Exec(query, sessionID,
		row.Packets, row.Bytes, row.Points, row.BadPackets, row.SkippedBlocks, row.DroppedForwards)
	if err != nil {
		return fmt.Errorf("failed to insert decode stats: %v", err)
	}
	return nil
}

// SessionSummary aggregates a session's decode statistics.
type SessionSummary struct {
	ID            string   `json:"id"`
	StartTime     float64  `json:"start_timestamp"`
	EndTime       *float64 `json:"end_timestamp,omitempty"`
	SourceAddress string   `json:"source_address"`
	Packets       int64    `json:"packets"`
	Points        int64    `json:"points"`
	BadPackets    int64    `json:"bad_packets"`
	SkippedBlocks int64    `json:"skipped_blocks"`
	Notes         string   `json:"session_notes"`
}

// RecentSessions returns the most recent capture sessions with their
// aggregated decode statistics, newest first.
func (ldb *LidarDB) RecentSessions(limit int) ([]SessionSummary, error) {
	query := `
		SELECT s.id, s.start_timestamp, s.end_timestamp, s.source_address, s.session_notes,
			COALESCE(SUM(d.packets), 0),
			COALESCE(SUM(d.points), 0),
			COALESCE(SUM(d.bad_packets), 0),
			COALESCE(SUM(d.skipped_blocks), 0)
		FROM lidar_sessions s
		LEFT JOIN decode_stats d ON d.session_id = s.id
		GROUP BY s.id
		ORDER BY s.start_timestamp DESC
		LIMIT ?
	`
	rows, err := ldb.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %v", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var s SessionSummary
		err := rows.Scan(&s.ID, &s.StartTime, &s.EndTime, &s.SourceAddress, &s.Notes,
			&s.Packets, &s.Points, &s.BadPackets, &s.SkippedBlocks)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %v", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
