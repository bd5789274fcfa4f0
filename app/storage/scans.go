// Package storage keeps scan history in sqlite.
package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver loaded here

	"github.com/sa-scan/sa-scan/lib/scorer"
)

// ScanHistory is a storage for completed scan results
type ScanHistory struct {
	db *sqlx.DB
}

// ScanRecord represents a single recorded scan.
type ScanRecord struct {
	MessageID   string                   `db:"message_id"`
	Score       float64                  `db:"score"`
	Timestamp   time.Time                `db:"timestamp"`
	SymbolsJSON string                   `db:"symbols"` // stored as JSON
	Symbols     map[string]scorer.Symbol `db:"-"`
}

// NewScanHistory creates a new ScanHistory storage
func NewScanHistory(db *sqlx.DB) (*ScanHistory, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS scans (
    	id INTEGER PRIMARY KEY AUTOINCREMENT,
        message_id TEXT,
        score REAL,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        symbols TEXT
    )`)
	if err != nil {
		return nil, fmt.Errorf("failed to create scans table: %w", err)
	}
	return &ScanHistory{db: db}, nil
}

// Write adds a new scan record
func (s *ScanHistory) Write(rec ScanRecord) error {
	symbolsJSON, err := json.Marshal(rec.Symbols)
	if err != nil {
		return fmt.Errorf("failed to marshal symbols: %w", err)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	query := `INSERT INTO scans (message_id, score, timestamp, symbols) VALUES (?, ?, ?, ?)`
	if _, err := s.db.Exec(query, rec.MessageID, rec.Score, ts, symbolsJSON); err != nil {
		return fmt.Errorf("failed to insert scan record: %w", err)
	}

	log.Printf("[DEBUG] scan record added for message_id:%s, score:%.2f", rec.MessageID, rec.Score)
	return nil
}

// Read returns the last limit scan records, the most recent first
func (s *ScanHistory) Read(limit int) ([]ScanRecord, error) {
	var recs []ScanRecord
	err := s.db.Select(&recs,
		"SELECT message_id, score, timestamp, symbols FROM scans ORDER BY timestamp DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get scan records: %w", err)
	}

	for i, rec := range recs {
		var symbols map[string]scorer.Symbol
		if err := json.Unmarshal([]byte(rec.SymbolsJSON), &symbols); err != nil {
			return nil, fmt.Errorf("failed to unmarshal symbols for record %d: %w", i, err)
		}
		recs[i].Symbols = symbols
		recs[i].Timestamp = rec.Timestamp.Local()
	}
	return recs, nil
}
