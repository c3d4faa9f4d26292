package chain

import "github.com/cuemby/arweave-gateway/internal/chainmodel"

// wireBlock mirrors the upstream JSON block schema. Field names follow the
// Arweave wire format (indep_hash, previous_block, tx_root, ...) rather
// than the internal model's idioms, and are translated by toModel.
type wireBlock struct {
	IndepHash     string   `json:"indep_hash"`
	Height        int64    `json:"height"`
	PreviousBlock string   `json:"previous_block"`
	Timestamp     int64    `json:"timestamp"`
	Diff          string   `json:"diff"`
	TxRoot        string   `json:"tx_root"`
	Nonce         string   `json:"nonce"`
	Txs           []string `json:"txs"`
}

func (w wireBlock) toModel() *chainmodel.Block {
	return &chainmodel.Block{
		ID:         w.IndepHash,
		Height:     w.Height,
		PreviousID: w.PreviousBlock,
		Timestamp:  w.Timestamp,
		Diff:       w.Diff,
		TxRoot:     w.TxRoot,
		Nonce:      w.Nonce,
		TxIDs:      w.Txs,
	}
}

// valid reports whether w carries the minimum fields a schema-valid block
// response must have.
func (w wireBlock) valid() bool {
	return len(w.IndepHash) == 43 && w.Height >= 0
}

type wireTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type wireTx struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Target        string    `json:"target"`
	Quantity      string    `json:"quantity"`
	Reward        string    `json:"reward"`
	Tags          []wireTag `json:"tags"`
	DataSize      int64     `json:"data_size,string"`
	DataRoot      string    `json:"data_root"`
	Signature     string    `json:"signature"`
	Format        int       `json:"format"`
	LastTx        string    `json:"last_tx"`
	SignatureType string    `json:"signature_type"`
}

func (w wireTx) toModel() *chainmodel.Transaction {
	tags := make([]chainmodel.Tag, 0, len(w.Tags))
	for _, t := range w.Tags {
		tags = append(tags, chainmodel.Tag{Name: t.Name, Value: t.Value})
	}
	return &chainmodel.Transaction{
		ID:            w.ID,
		Owner:         w.Owner,
		Target:        w.Target,
		Quantity:      w.Quantity,
		Reward:        w.Reward,
		Tags:          tags,
		DataSize:      w.DataSize,
		DataRoot:      w.DataRoot,
		Signature:     w.Signature,
		Format:        w.Format,
		LastTx:        w.LastTx,
		SignatureType: w.SignatureType,
	}
}

func (w wireTx) valid() bool {
	return len(w.ID) == 43
}

// wireInfo mirrors the trusted node's GET /info response, used to learn the
// current chain tip height.
type wireInfo struct {
	Height int64 `json:"height"`
}

// wirePeer mirrors one entry of GET /peers.
type wirePeer struct {
	Address string `json:"address"`
}
