package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/guardian/internal/metrics"
)

// Logger is the append-only audit trail. Appends are serialized globally so
// audit_id order equals arrival order; callers hold their per-incident lock
// across Append, which makes per-incident audit order match actual transition
// order.
//
// Durability: the database is primary, the JSONL spool is the failover. An
// append fails (and the caller must roll back its transition) only when both
// fail.
type Logger struct {
	db    *sql.DB
	spool *Spool

	mu     sync.Mutex
	seq    uint64
	lastTS time.Time
}

func NewLogger(db *sql.DB, spool *Spool) (*Logger, error) {
	l := &Logger{db: db, spool: spool}

	// Continue the sequence across restarts.
	row := db.QueryRow(`SELECT COALESCE(MAX(audit_id), 0) FROM audit_entries`)
	if err := row.Scan(&l.seq); err != nil {
		return nil, fmt.Errorf("audit: load sequence: %w", err)
	}
	return l, nil
}

// Append assigns the next audit_id and durably records the entry.
func (l *Logger) Append(ctx context.Context, e Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	// Clamp so ts never goes backwards across entries.
	if e.TS.Before(l.lastTS) {
		e.TS = l.lastTS
	}

	e.AuditID = l.seq + 1

	query := `
		INSERT INTO audit_entries (
			audit_id, event_id, ts, actor, target_type, target_id,
			action, prev_state, new_state, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := l.db.ExecContext(ctx, query,
		e.AuditID, e.EventID, e.TS, e.Actor, e.TargetType, e.TargetID,
		e.Action, e.PrevState, e.NewState, e.Note,
	)
	if err != nil {
		log.Printf("Audit DB write failed: %v. Spooling entry %s", err, e.EventID)
		if spoolErr := l.spool.Write(e); spoolErr != nil {
			log.Printf("[ERROR] Audit spool failed for entry %s: %v", e.EventID, spoolErr)
			// Neither store accepted the entry: the id is not consumed and
			// the caller's transition must not commit.
			return 0, fmt.Errorf("audit append failed: %w", spoolErr)
		}
		metrics.AuditSpooled.Inc()
	}

	l.seq = e.AuditID
	l.lastTS = e.TS
	return e.AuditID, nil
}

// Query returns entries in total (audit_id) order. Read-only by construction:
// no update or delete statement exists in this package.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT audit_id, event_id, ts, actor, target_type, target_id,
	             action, prev_state, new_state, note
	      FROM audit_entries WHERE audit_id > $1`
	args := []interface{}{f.AfterID}
	idx := 2

	if f.TargetType != "" {
		q += fmt.Sprintf(" AND target_type = $%d", idx)
		args = append(args, f.TargetType)
		idx++
	}
	if f.TargetID != "" {
		q += fmt.Sprintf(" AND target_id = $%d", idx)
		args = append(args, f.TargetID)
		idx++
	}
	if f.Actor != "" {
		q += fmt.Sprintf(" AND actor = $%d", idx)
		args = append(args, f.Actor)
		idx++
	}
	if f.From != nil {
		q += fmt.Sprintf(" AND ts >= $%d", idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		q += fmt.Sprintf(" AND ts <= $%d", idx)
		args = append(args, *f.To)
		idx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q += fmt.Sprintf(" ORDER BY audit_id ASC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.AuditID, &e.EventID, &e.TS, &e.Actor, &e.TargetType,
			&e.TargetID, &e.Action, &e.PrevState, &e.NewState, &e.Note); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Export streams matching entries as JSONL in total order.
func (l *Logger) Export(ctx context.Context, f Filter, w io.Writer) error {
	const batch = 500
	enc := json.NewEncoder(w)

	f.Limit = batch
	for {
		entries, err := l.Query(ctx, f)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		if len(entries) < batch {
			return nil
		}
		f.AfterID = entries[len(entries)-1].AuditID
	}
}
