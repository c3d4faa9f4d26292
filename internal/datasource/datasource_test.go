package datasource

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/arweave-gateway/internal/chainmodel"
)

type fakeClient struct {
	mu       sync.Mutex
	tx       *chainmodel.Transaction
	txErr    error
	chunks   map[int64][]byte
	chunkErr map[int64]error
	gets     []int64
}

func (f *fakeClient) GetTx(ctx context.Context, id string) (*chainmodel.Transaction, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	return f.tx, nil
}

func (f *fakeClient) GetChunk(ctx context.Context, offset int64) ([]byte, error) {
	f.mu.Lock()
	f.gets = append(f.gets, offset)
	f.mu.Unlock()

	if err, ok := f.chunkErr[offset]; ok {
		return nil, err
	}
	return f.chunks[offset], nil
}

func TestReadReassemblesChunksAndStopsAtDataSize(t *testing.T) {
	client := &fakeClient{
		tx: &chainmodel.Transaction{ID: "tx-1", DataSize: 10},
		chunks: map[int64][]byte{
			0: []byte("hello"),
			5: []byte("world!!!!!"), // longer than remaining; must be trimmed to 5
		},
	}

	r := New(context.Background(), client, "tx-1")
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(out))
	require.Len(t, out, 10)
}

func TestReadPropagatesTxFetchErrorAsErrStream(t *testing.T) {
	client := &fakeClient{txErr: errors.New("boom")}

	r := New(context.Background(), client, "tx-1")
	_, err := io.ReadAll(r)
	require.Error(t, err)

	var streamErr *ErrStream
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, "tx-1", streamErr.TxID)
}

func TestReadPropagatesChunkFetchErrorAsErrStream(t *testing.T) {
	client := &fakeClient{
		tx:       &chainmodel.Transaction{ID: "tx-1", DataSize: 10},
		chunks:   map[int64][]byte{},
		chunkErr: map[int64]error{0: errors.New("chunk unavailable")},
	}

	r := New(context.Background(), client, "tx-1")
	_, err := io.ReadAll(r)
	require.Error(t, err)

	var streamErr *ErrStream
	require.ErrorAs(t, err, &streamErr)
}

func TestReadHonorsCancellationBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{
		tx: &chainmodel.Transaction{ID: "tx-1", DataSize: 20},
		chunks: map[int64][]byte{
			0: []byte("0123456789"),
		},
	}

	r := New(ctx, client, "tx-1")
	buf := make([]byte, 10)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	cancel()
	_, err = r.Read(buf)
	require.ErrorIs(t, err, context.Canceled)
}

func TestZeroLengthPayloadReadsEOFImmediately(t *testing.T) {
	client := &fakeClient{tx: &chainmodel.Transaction{ID: "tx-1", DataSize: 0}}

	r := New(context.Background(), client, "tx-1")
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestWarmUpFetchesTxAheadOfRead(t *testing.T) {
	client := &fakeClient{tx: &chainmodel.Transaction{ID: "tx-1", DataSize: 42}}

	r := New(context.Background(), client, "tx-1")
	require.NoError(t, r.WarmUp())
	require.Equal(t, int64(42), r.Size())
}
