package repair

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	mu      sync.Mutex
	missing []string
	touched []string
}

func (f *fakeDB) GetMissingTxIds(ctx context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.missing))
	copy(out, f.missing)
	return out, nil
}

func (f *fakeDB) TouchMissingTx(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

type fakeQueuer struct {
	mu     sync.Mutex
	queued []string
}

func (q *fakeQueuer) QueueTxId(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queued = append(q.queued, id)
	return nil
}

func TestTickRequeuesMissingIds(t *testing.T) {
	db := &fakeDB{missing: []string{"tx-1", "tx-2"}}
	q := &fakeQueuer{}
	w := New(db, q, time.Hour, time.Hour, zerolog.Nop())

	w.tick(context.Background())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.ElementsMatch(t, []string{"tx-1", "tx-2"}, q.queued)
}

func TestTickSkipsIdsWithinCooldown(t *testing.T) {
	db := &fakeDB{missing: []string{"tx-1"}}
	q := &fakeQueuer{}
	w := New(db, q, time.Hour, time.Hour, zerolog.Nop())

	w.tick(context.Background())
	w.tick(context.Background())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.queued, 1)
}

func TestTickRequeuesAgainAfterCooldownExpires(t *testing.T) {
	db := &fakeDB{missing: []string{"tx-1"}}
	q := &fakeQueuer{}
	w := New(db, q, time.Hour, 10*time.Millisecond, zerolog.Nop())

	w.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	w.tick(context.Background())

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.queued, 2)
}

func TestRunTicksUntilStopped(t *testing.T) {
	db := &fakeDB{missing: []string{"tx-1"}}
	q := &fakeQueuer{}
	w := New(db, q, 5*time.Millisecond, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.queued) >= 1
	}, time.Second, 5*time.Millisecond)

	w.Stop()
}
