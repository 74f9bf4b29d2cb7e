package gridha

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketPeers = []byte("peers")

// Peer is one cluster server eligible to hold the raft leadership for
// a grid.
type Peer struct {
	NodeID uint32
	Addr   string
}

// PeerStore persists the last-known set of cluster-server peers for a
// grid so a restarted process can rejoin without being told the
// cluster shape again. Grounded on pkg/storage.BoltStore's
// open-then-create-buckets shape; gridha only needs one bucket, not
// storage's nine.
type PeerStore struct {
	db *bolt.DB
}

// OpenPeerStore opens (creating if absent) the bbolt file gridha.db
// under dataDir.
func OpenPeerStore(dataDir string) (*PeerStore, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "gridha.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening gridha peer store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating gridha peer bucket: %w", err)
	}
	return &PeerStore{db: db}, nil
}

func (s *PeerStore) Close() error {
	return s.db.Close()
}

// Save persists peers for grid, overwriting any previous set.
func (s *PeerStore) Save(grid string, peers []Peer) error {
	data, err := json.Marshal(peers)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(grid), data)
	})
}

// Load returns the peers last saved for grid, or nil if none were.
func (s *PeerStore) Load(grid string) ([]Peer, error) {
	var peers []Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(grid))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &peers)
	})
	return peers, err
}
