package chain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var peerBucket = []byte("peers")

// Peer is one ranked upstream peer. Ranking keys are (height desc, rtt
// asc), per spec.
type Peer struct {
	Address string        `json:"address"`
	Height  int64         `json:"height"`
	RTT     time.Duration `json:"rtt"`
}

// peerCache is a small bbolt-backed durable cache of the last-known ranked
// peer set, so a restart does not start peer selection cold. It plays the
// same bucket-per-collection role the teacher stack's BoltStore plays for
// cluster entities, repurposed here for a single ranked list.
type peerCache struct {
	db *bolt.DB
}

func openPeerCache(path string) (*peerCache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("chain: open peer cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peerBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chain: create peer bucket: %w", err)
	}
	return &peerCache{db: db}, nil
}

func (c *peerCache) close() error {
	return c.db.Close()
}

const rankedPeersKey = "ranked"

func (c *peerCache) save(peers []Peer) error {
	data, err := json.Marshal(peers)
	if err != nil {
		return fmt.Errorf("chain: marshal peers: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(peerBucket).Put([]byte(rankedPeersKey), data)
	})
}

func (c *peerCache) load() ([]Peer, error) {
	var peers []Peer
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(peerBucket).Get([]byte(rankedPeersKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &peers)
	})
	return peers, err
}

// rankPeers sorts peers by height descending, then rtt ascending, in place,
// and returns the slice for convenience.
func rankPeers(peers []Peer) []Peer {
	sort.SliceStable(peers, func(i, j int) bool {
		if peers[i].Height != peers[j].Height {
			return peers[i].Height > peers[j].Height
		}
		return peers[i].RTT < peers[j].RTT
	})
	return peers
}
