package chaindb

import (
	"context"
	"testing"

	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func block(id string, height int64, previous string, txIDs ...string) *chainmodel.Block {
	return &chainmodel.Block{
		ID:         id,
		Height:     height,
		PreviousID: previous,
		TxIDs:      txIDs,
	}
}

func tx(id string) *chainmodel.Transaction {
	return &chainmodel.Transaction{ID: id}
}

func TestMaxHeightIsMinusOneWhenEmpty(t *testing.T) {
	db := openTestDB(t)
	h, err := db.MaxHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(-1), h)
}

func TestSaveBlockAndTxsHappyPath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := block("block-0", 0, "")
	err := db.SaveBlockAndTxs(ctx, b, []*chainmodel.Transaction{tx("tx-1"), tx("tx-2")}, nil)
	require.NoError(t, err)

	info, err := db.GetDebugInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), info.NewBlocks)
	require.Equal(t, int64(2), info.NewTxs)
	require.Equal(t, int64(0), info.MissingTxs)
	require.Equal(t, int64(0), info.MaxHeight)
}

func TestSaveBlockAndTxsRecordsMissingTxJournal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := block("block-0", 0, "")
	err := db.SaveBlockAndTxs(ctx, b, []*chainmodel.Transaction{tx("tx-1")}, []string{"tx-missing"})
	require.NoError(t, err)

	info, err := db.GetDebugInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), info.NewTxs)
	require.Equal(t, int64(1), info.MissingTxs)

	ids, err := db.GetMissingTxIds(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"tx-missing"}, ids)
}

func TestSaveBlockAndTxsIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := block("block-0", 0, "")
	require.NoError(t, db.SaveBlockAndTxs(ctx, b, []*chainmodel.Transaction{tx("tx-1")}, nil))
	require.NoError(t, db.SaveBlockAndTxs(ctx, b, []*chainmodel.Transaction{tx("tx-1")}, nil))

	info, err := db.GetDebugInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), info.NewBlocks)
	require.Equal(t, int64(1), info.NewTxs)
}

func TestSaveTxClearsJournalEntry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	b := block("block-0", 0, "")
	require.NoError(t, db.SaveBlockAndTxs(ctx, b, nil, []string{"tx-missing"}))

	before, err := db.GetDebugInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), before.MissingTxs)
	require.Equal(t, int64(0), before.NewTxs)

	require.NoError(t, db.SaveTx(ctx, tx("tx-missing")))

	after, err := db.GetDebugInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), after.MissingTxs)
	require.Equal(t, int64(1), after.NewTxs)
}

func TestGetNewBlockHashByHeightRoundTrips(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveBlockAndTxs(ctx, block("block-0", 0, ""), nil, nil))

	id, ok, err := db.GetNewBlockHashByHeight(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "block-0", id)

	_, ok, err = db.GetNewBlockHashByHeight(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResetToHeightDeletesAboveAndPreservesAtOrBelow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveBlockAndTxs(ctx, block("block-0", 0, ""), []*chainmodel.Transaction{tx("tx-0")}, []string{"missing-0"}))
	require.NoError(t, db.SaveBlockAndTxs(ctx, block("block-1", 1, "block-0"), []*chainmodel.Transaction{tx("tx-1")}, []string{"missing-1"}))

	require.NoError(t, db.ResetToHeight(ctx, 0))

	maxHeight, err := db.MaxHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), maxHeight)

	ids, err := db.GetMissingTxIds(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"missing-0"}, ids)
}

func TestGetMissingTxIdsOrdering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveBlockAndTxs(ctx, block("block-5", 5, ""), nil, []string{"touched"}))
	require.NoError(t, db.SaveBlockAndTxs(ctx, block("block-2", 2, ""), nil, []string{"untouched"}))

	// Bump "touched"'s last_attempt_at ahead of "untouched"'s. Whether or
	// not the bump lands in the same wall-clock second as the inserts
	// above, "untouched" must sort first: either last_attempt_at ASC
	// puts it first outright, or the two tie and first_seen_height ASC
	// (2 < 5) breaks the tie the same way.
	require.NoError(t, db.TouchMissingTx(ctx, "touched"))

	ids, err := db.GetMissingTxIds(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"untouched", "touched"}, ids)
}
