package status

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/guardian/internal/supervisor"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCache(client), mr
}

func TestCache_PutAndGetWorker(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	st := supervisor.WorkerState{
		CameraID:        "cam-1",
		Status:          supervisor.StatusRunning,
		RestartCount:    2,
		LastHeartbeatAt: time.Now().UTC(),
		FPSEstimate:     18.5,
		EventsTotal:     1234,
	}
	require.NoError(t, c.PutWorker(ctx, st))

	got, ok, err := c.GetWorker(ctx, "cam-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.CameraID, got.CameraID)
	assert.Equal(t, st.Status, got.Status)
	assert.Equal(t, st.EventsTotal, got.EventsTotal)
}

func TestCache_GetWorkerMissing(t *testing.T) {
	c, _ := newTestCache(t)

	_, ok, err := c.GetWorker(context.Background(), "cam-x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_EntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutWorker(ctx, supervisor.WorkerState{CameraID: "cam-1", Status: supervisor.StatusRunning}))

	mr.FastForward(WorkerTTL + time.Second)

	_, ok, err := c.GetWorker(ctx, "cam-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ListWorkers(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.PutWorker(ctx, supervisor.WorkerState{CameraID: "cam-1", Status: supervisor.StatusRunning}))
	require.NoError(t, c.PutWorker(ctx, supervisor.WorkerState{CameraID: "cam-2", Status: supervisor.StatusCrashed}))

	list, err := c.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestCache_Census(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	snap := supervisor.Snapshot{Total: 4, Running: 2, Degraded: 1, Stopped: 1}
	require.NoError(t, c.PutCensus(ctx, snap))

	got, ok, err := c.GetCensus(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, got)
}
