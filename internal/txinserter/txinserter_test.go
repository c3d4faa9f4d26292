package txinserter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/arweave-gateway/internal/chainmodel"
)

type fakeDB struct {
	mu   sync.Mutex
	fail map[string]bool
	seen []string
}

func (f *fakeDB) SaveTx(ctx context.Context, t *chainmodel.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, t.ID)
	if f.fail[t.ID] {
		return context.DeadlineExceeded
	}
	return nil
}

func TestRunPersistsQueuedTransactions(t *testing.T) {
	db := &fakeDB{fail: map[string]bool{}}
	imp := New(db, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go imp.Run(ctx)

	imp.Enqueue(&chainmodel.Transaction{ID: "tx-1"})

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.seen) == 1 && db.seen[0] == "tx-1"
	}, time.Second, 5*time.Millisecond)
}

func TestRunContinuesAfterSaveError(t *testing.T) {
	db := &fakeDB{fail: map[string]bool{"tx-bad": true}}
	imp := New(db, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go imp.Run(ctx)

	imp.Enqueue(&chainmodel.Transaction{ID: "tx-bad"})
	imp.Enqueue(&chainmodel.Transaction{ID: "tx-good"})

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.seen) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	imp := New(&fakeDB{fail: map[string]bool{}}, 10, zerolog.Nop())
	imp.Stop()
	imp.Stop()
}
