package partio

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketPartitions = []byte("partitions")

// Entry is a registry record for one known partition: its repository
// name and the file-name prefix its files are stored under, used
// so a process restart can rediscover which FileIO to open without
// re-scanning the filesystem.
type Entry struct {
	PartID   uint64 `json:"part_id"`
	RepoName string `json:"repo_name"`
	Prefix   string `json:"prefix"`
}

// Registry is a small bbolt-backed catalogue of known partitions,
// external to the partition engine itself: this is the repository
// layer's bookkeeping, not part of the engine's load/save path.
type Registry struct {
	db *bolt.DB
}

// OpenRegistry opens (creating if absent) a bbolt database at path and
// ensures its partitions bucket exists.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("partio: open registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPartitions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("partio: create partitions bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Put records or overwrites an entry.
func (r *Registry) Put(e Entry) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPartitions).Put(partKey(e.PartID), data)
	})
}

// Get returns the entry for partID, if registered.
func (r *Registry) Get(partID uint64) (Entry, bool, error) {
	var e Entry
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPartitions).Get(partKey(partID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}

// List returns every registered entry.
func (r *Registry) List() ([]Entry, error) {
	var entries []Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).ForEach(func(_, data []byte) error {
			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// Delete removes the entry for partID, if present.
func (r *Registry) Delete(partID uint64) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPartitions).Delete(partKey(partID))
	})
}

func partKey(partID uint64) []byte {
	return []byte(fmt.Sprintf("%020d", partID))
}
