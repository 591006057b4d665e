package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/buntdb"
)

// EndpointRecord is what Store persists per registered endpoint: enough
// for a restarted daemon to report what it had registered before restart
// and reconnect its own allocator, not enough to reconstruct someone
// else's allocator state (that lives in the allocator's own segment).
type EndpointRecord struct {
	Topic    string `json:"topic"`
	Domain   uint32 `json:"domain"`
	ShmemID  uint64 `json:"shmem_id"`
	IsSub    bool   `json:"is_sub"`
	ItemSize uint32 `json:"item_size"`
	RingSize uint32 `json:"ring_size"`
}

// Store mirrors registered endpoints to an on-disk buntdb database so
// cmd/hazcat-topicd can report what it had open across a restart. It is
// optional: a Registry works without one, and nothing in internal/mqueue
// depends on it.
type Store struct {
	db *buntdb.DB
}

func recordKey(topic string, domain uint32, isSub bool) string {
	role := "pub"
	if isSub {
		role = "sub"
	}
	return fmt.Sprintf("endpoint:%s:%d:%s", topic, domain, role)
}

// OpenStore opens (creating if needed) a buntdb database at path. Pass
// ":memory:" for a store that exists only for the life of the process.
func OpenStore(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open persist store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records or overwrites rec.
func (s *Store) Save(rec EndpointRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := recordKey(rec.Topic, rec.Domain, rec.IsSub)
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(blob), nil)
		return err
	})
}

// Delete removes a previously saved record.
func (s *Store) Delete(topic string, domain uint32, isSub bool) error {
	key := recordKey(topic, domain, isSub)
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		return err
	})
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

// ListByTopic returns every endpoint previously saved for topic.
func (s *Store) ListByTopic(topic string) ([]EndpointRecord, error) {
	prefix := "endpoint:" + topic + ":"
	var out []EndpointRecord
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			if !strings.HasPrefix(key, prefix) {
				return true
			}
			var rec EndpointRecord
			if err := json.Unmarshal([]byte(value), &rec); err == nil {
				out = append(out, rec)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
