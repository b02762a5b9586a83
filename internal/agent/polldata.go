package agent

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var pollBucket = []byte("poll")

// PollState persists the trade session's poll cursors across restarts, so
// a restarted agent resumes where it stopped instead of replaying every
// historical offer.
type PollState struct {
	db *bolt.DB
}

// OpenPollState opens (or creates) the poll state file.
func OpenPollState(path string) (*PollState, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open poll state: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pollBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create poll bucket: %w", err)
	}
	return &PollState{db: db}, nil
}

// Load returns the stored cursor for a key, or nil when absent.
func (p *PollState) Load(key string) ([]byte, error) {
	var out []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(pollBucket).Get([]byte(key)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load poll cursor: %w", err)
	}
	return out, nil
}

// Save stores a cursor under a key.
func (p *PollState) Save(key string, value []byte) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pollBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to save poll cursor: %w", err)
	}
	return nil
}

// Close closes the poll state file.
func (p *PollState) Close() error {
	return p.db.Close()
}
