package export

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var exportBuckets = [][]byte{
	[]byte(TypeInfo),
	[]byte(TypeLabels),
	[]byte(TypeFunctions),
	[]byte(TypeReset),
}

// BoltExporter keeps every message in a bbolt file, one bucket per message
// type keyed by batch counter.
type BoltExporter struct {
	db *bolt.DB
}

func NewBoltExporter(path string) (*BoltExporter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range exportBuckets {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltExporter{db: db}, nil
}

func counterKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func (e *BoltExporter) Export(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(msg.Type))
		if b == nil {
			return fmt.Errorf("unknown message type %q", msg.Type)
		}
		return b.Put(counterKey(msg.Counter), data)
	})
}

// Messages returns up to limit stored messages of one type, newest first.
// A limit of zero or less returns all of them.
func (e *BoltExporter) Messages(msgType string, limit int) ([]Message, error) {
	out := []Message{}
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(msgType))
		if b == nil {
			return fmt.Errorf("unknown message type %q", msgType)
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("corrupt message at batch %d: %w", binary.BigEndian.Uint64(k), err)
			}
			m.Counter = binary.BigEndian.Uint64(k)
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *BoltExporter) Close() error { return e.db.Close() }
