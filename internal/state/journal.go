package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// ImportResult contains statistics about a journal import.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// ExportJSONL writes every record to path as JSON Lines, newest last.
// The file is written atomically via a temp file so a crashed export
// never leaves a truncated journal behind.
func (s *Store) ExportJSONL(path string) (int, error) {
	return s.ExportJSONLContext(context.Background(), path)
}

// ExportJSONLContext exports records with context support.
func (s *Store) ExportJSONLContext(ctx context.Context, path string) (int, error) {
	rows, err := s.conn.QueryContext(ctx, selectRecords+` ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("failed to query records for export: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return 0, err
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, rec := range recs {
		if err := encoder.Encode(rec); err != nil {
			_ = file.Close()
			_ = os.Remove(tmpPath)
			return 0, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return len(recs), nil
}

// ImportJSONL loads records from a JSON Lines journal, skipping any
// whose ID is already present. Invalid lines are collected, not fatal.
func (s *Store) ImportJSONL(path string) (*ImportResult, error) {
	return s.ImportJSONLContext(context.Background(), path)
}

// ImportJSONLContext imports records with context support.
func (s *Store) ImportJSONLContext(ctx context.Context, path string) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer file.Close()

	result := &ImportResult{}
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var rec ActionRecord
		if err := decoder.Decode(&rec); err != nil {
			if err.Error() == "EOF" {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: invalid record: %v", lineNum, err))
			continue
		}

		inserted, err := s.importRecord(ctx, &rec)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: failed to import %s: %v", lineNum, rec.ID, err))
			continue
		}
		if inserted {
			result.Imported++
		} else {
			result.Skipped++
		}
	}

	return result, nil
}

// importRecord inserts a journaled record with its full lifecycle state
// preserved. Returns false if a record with the same ID already exists.
func (s *Store) importRecord(ctx context.Context, rec *ActionRecord) (bool, error) {
	query := `
	INSERT INTO action_records (
		id, repo, kind, from_org, to_org, action_key,
		state, attempts, remote_done, reason, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	remoteDone := 0
	if rec.RemoteDone {
		remoteDone = 1
	}

	_, err := s.conn.ExecContext(ctx, query,
		rec.ID,
		rec.Repo,
		string(rec.Kind),
		rec.FromOrg,
		rec.ToOrg,
		rec.Key(),
		string(rec.State),
		rec.Attempts,
		remoteDone,
		rec.Reason,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "action_records.id") {
			// Same ID already present; journals overlap, not an error.
			return false, nil
		}
		if isUniqueViolation(err) {
			// A live record for the same repo already exists; importing
			// a second one would break the one-active-per-repo rule.
			return false, ErrActionActive
		}
		return false, err
	}

	return true, nil
}
