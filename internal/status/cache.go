package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/technosupport/guardian/internal/supervisor"
)

const (
	// WorkerTTL makes stale entries disappear on their own if the process
	// dies without cleanup.
	WorkerTTL = 30 * time.Second
	CensusTTL = 30 * time.Second
)

// Cache mirrors worker health into Redis so dashboards and sibling
// processes can read camera status without calling into the supervisor.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// PutWorker stores one worker snapshot and refreshes the index set.
func (c *Cache) PutWorker(ctx context.Context, st supervisor.WorkerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("guardian:worker:%s", st.CameraID)

	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, data, WorkerTTL)
	pipe.SAdd(ctx, "guardian:workers", st.CameraID)
	pipe.Expire(ctx, "guardian:workers", WorkerTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// GetWorker reads one snapshot. Missing key means the worker is unknown or
// its entry expired.
func (c *Cache) GetWorker(ctx context.Context, cameraID string) (supervisor.WorkerState, bool, error) {
	key := fmt.Sprintf("guardian:worker:%s", cameraID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return supervisor.WorkerState{}, false, nil
	}
	if err != nil {
		return supervisor.WorkerState{}, false, err
	}
	var st supervisor.WorkerState
	if err := json.Unmarshal(data, &st); err != nil {
		return supervisor.WorkerState{}, false, err
	}
	return st, true, nil
}

// ListWorkers returns every cached snapshot. Entries that expired between
// the index read and the fetch are skipped.
func (c *Cache) ListWorkers(ctx context.Context) ([]supervisor.WorkerState, error) {
	ids, err := c.client.SMembers(ctx, "guardian:workers").Result()
	if err != nil {
		return nil, err
	}

	out := make([]supervisor.WorkerState, 0, len(ids))
	for _, id := range ids {
		st, ok, err := c.GetWorker(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// PutCensus stores the aggregate worker counts for cheap dashboard reads.
func (c *Cache) PutCensus(ctx context.Context, snap supervisor.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "guardian:census", data, CensusTTL).Err()
}

func (c *Cache) GetCensus(ctx context.Context) (supervisor.Snapshot, bool, error) {
	data, err := c.client.Get(ctx, "guardian:census").Bytes()
	if err == redis.Nil {
		return supervisor.Snapshot{}, false, nil
	}
	if err != nil {
		return supervisor.Snapshot{}, false, err
	}
	var snap supervisor.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return supervisor.Snapshot{}, false, err
	}
	return snap, true, nil
}
