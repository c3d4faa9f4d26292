// Package datasource implements the Tx Chunks Data Source: a lazy
// io.Reader over a transaction's payload bytes, reassembled chunk by chunk
// from the chain client as the consumer pulls.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/arweave-gateway/internal/chainmodel"
	"github.com/cuemby/arweave-gateway/pkg/metrics"
)

// ChainClient is the subset of internal/chain's Client the data source
// needs.
type ChainClient interface {
	GetTx(ctx context.Context, id string) (*chainmodel.Transaction, error)
	GetChunk(ctx context.Context, absoluteOffset int64) ([]byte, error)
}

// ErrStream wraps a fetch or verification failure that terminated a stream
// before dataSize bytes were delivered.
type ErrStream struct {
	TxID string
	Err  error
}

func (e *ErrStream) Error() string {
	return fmt.Sprintf("datasource: stream for %s terminated: %v", e.TxID, e.Err)
}

func (e *ErrStream) Unwrap() error { return e.Err }

// Reader streams a transaction's payload bytes, implementing io.Reader so
// it composes directly with net/http's response writer via io.Copy.
type Reader struct {
	ctx    context.Context
	client ChainClient
	txID   string

	tx        *chainmodel.Transaction
	started   bool
	cursor    int64
	delivered int64
	buf       []byte
	done      bool
	streamErr error
}

// New returns a Reader for txID. The transaction itself is not fetched
// until the first Read call, so constructing a Reader is cheap.
func New(ctx context.Context, client ChainClient, txID string) *Reader {
	return &Reader{ctx: ctx, client: client, txID: txID}
}

func (r *Reader) ensureStarted() error {
	if r.started {
		return nil
	}
	r.started = true

	tx, err := r.client.GetTx(r.ctx, r.txID)
	if err != nil {
		return err
	}
	r.tx = tx
	return nil
}

// Read implements io.Reader. It pulls whole chunks from the chain client as
// needed, verifies the total byte count against the tx's advertised
// dataSize, and honors ctx cancellation between chunk boundaries.
func (r *Reader) Read(p []byte) (int, error) {
	if r.streamErr != nil {
		return 0, r.streamErr
	}
	if err := r.ensureStarted(); err != nil {
		r.streamErr = &ErrStream{TxID: r.txID, Err: err}
		metrics.DataStreamErrorsTotal.Inc()
		return 0, r.streamErr
	}

	if len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}

		select {
		case <-r.ctx.Done():
			r.streamErr = &ErrStream{TxID: r.txID, Err: r.ctx.Err()}
			return 0, r.streamErr
		default:
		}

		if r.delivered >= r.tx.DataSize {
			r.done = true
			return 0, io.EOF
		}

		chunk, err := r.client.GetChunk(r.ctx, r.cursor)
		if err != nil {
			r.streamErr = &ErrStream{TxID: r.txID, Err: err}
			metrics.DataStreamErrorsTotal.Inc()
			return 0, r.streamErr
		}

		remaining := r.tx.DataSize - r.delivered
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if len(chunk) == 0 {
			r.streamErr = &ErrStream{TxID: r.txID, Err: errors.New("chain returned an empty chunk before dataSize was reached")}
			metrics.DataStreamErrorsTotal.Inc()
			return 0, r.streamErr
		}

		r.buf = chunk
		r.cursor += int64(len(chunk))
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.delivered += int64(n)
	metrics.DataStreamBytesTotal.Add(float64(n))

	if r.delivered >= r.tx.DataSize && len(r.buf) == 0 {
		r.done = true
	}
	return n, nil
}

// Size returns the transaction's advertised payload size. It is only valid
// after the first successful Read, or call WarmUp first.
func (r *Reader) Size() int64 {
	if r.tx == nil {
		return 0
	}
	return r.tx.DataSize
}

// WarmUp fetches the transaction metadata eagerly, so Size and content-type
// (via the caller's own tag inspection) are available before streaming
// starts.
func (r *Reader) WarmUp() error {
	return r.ensureStarted()
}
