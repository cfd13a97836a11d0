package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const replayInterval = 30 * time.Second

// Spool is the JSONL failover store for audit entries that could not reach
// the database. A background replayer flushes it back once the database
// recovers; the ON CONFLICT (event_id) guard on insert makes replay
// idempotent.
type Spool struct {
	dir     string
	maxSize int64

	mu sync.Mutex
}

func NewSpool(dir string, maxMB int64) (*Spool, error) {
	if maxMB <= 0 {
		maxMB = 256
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit spool: %w", err)
	}
	return &Spool{dir: dir, maxSize: maxMB * 1024 * 1024}, nil
}

func (s *Spool) Write(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size() >= s.maxSize {
		return fmt.Errorf("audit spool full")
	}

	line, err := json.Marshal(SpooledEntry{
		EventID:   e.EventID.String(),
		Payload:   e,
		SpooledAt: time.Now(),
	})
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.currentFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *Spool) currentFile() string {
	return filepath.Join(s.dir, "audit_spool.log")
}

func (s *Spool) size() int64 {
	var size int64
	filepath.Walk(s.dir, func(_ string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

// StartReplayer periodically flushes spooled entries back into the database.
func (l *Logger) StartReplayer(ctx context.Context) {
	ticker := time.NewTicker(replayInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.ReplaySpool(ctx)
			}
		}
	}()
}

// ReplaySpool rotates the spool file aside and re-inserts each line. Entries
// that still fail to insert are re-spooled, so nothing is lost while the
// database stays down.
func (l *Logger) ReplaySpool(ctx context.Context) {
	s := l.spool
	s.mu.Lock()
	filename := s.currentFile()
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		s.mu.Unlock()
		return
	}
	replayFile := filepath.Join(s.dir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(filename, replayFile); err != nil {
		s.mu.Unlock()
		log.Printf("Audit Replay: failed to rotate spool: %v", err)
		return
	}
	s.mu.Unlock()

	f, err := os.Open(replayFile)
	if err != nil {
		return
	}
	defer f.Close()

	var succeeded int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var se SpooledEntry
		if err := json.Unmarshal(scanner.Bytes(), &se); err != nil {
			continue
		}
		if err := l.reinsert(ctx, se.Payload); err != nil {
			// DB still down: push it back onto the spool.
			if spoolErr := s.Write(se.Payload); spoolErr != nil {
				log.Printf("[ERROR] Audit Replay: entry %s lost re-spool: %v", se.EventID, spoolErr)
			}
			continue
		}
		succeeded++
	}

	f.Close()
	os.Remove(replayFile)

	if succeeded > 0 {
		log.Printf("Audit Replay: %d entries flushed", succeeded)
	}
}

// reinsert writes a spooled entry with its original audit_id preserved.
func (l *Logger) reinsert(ctx context.Context, e Entry) error {
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
	return err
}
