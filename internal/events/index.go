package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"pmteam/internal/domain"
)

// Index mirrors bus records into the SQLite events table so they can be
// queried without scanning per-project audit files.
type Index struct {
	DB *sql.DB
}

// Append stores one record. Payload keys that hold task lists are reduced to
// counts to keep rows small.
func (ix Index) Append(ctx context.Context, project, runID string, rec Record) error {
	if ix.DB == nil {
		return fmt.Errorf("event index not open")
	}
	data, err := json.Marshal(compactPayload(rec.Payload))
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ix.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project,run_id,payload_json) VALUES (?,?,?,?,?)`,
		rec.Timestamp, rec.Event, nullable(project), nullable(runID), string(data))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Subscriber returns a wildcard handler that appends every record to the index.
// ctx and runID are called per record so the handler follows the current run.
func (ix Index) Subscriber(ctx func() context.Context, project string, runID func() string) Handler {
	return func(rec Record) error {
		return ix.Append(ctx(), project, runID(), rec)
	}
}

// Latest returns up to n events, newest first, optionally filtered.
func (ix Index) Latest(ctx context.Context, n int, project, evtType string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	var (
		where []string
		args  []any
	)
	if project != "" {
		where = append(where, "project=?")
		args = append(args, project)
	}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(project,''),COALESCE(run_id,''),payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)
	rows, err := ix.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Project, &e.RunID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func compactPayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		if tasks, ok := v.([]domain.Task); ok {
			out[k+"_count"] = len(tasks)
			continue
		}
		out[k] = v
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
