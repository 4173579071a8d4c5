package cache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/floegence/turnengine/internal/clock"
)

var bucketEntries = []byte("entries")

// Bolt is a file-backed Store. Each value is prefixed with an 8-byte
// big-endian unix-nano expiry (0 means no expiry).
type Bolt struct {
	db  *bolt.DB
	clk clock.Clock
}

func OpenBolt(path string, clk clock.Clock) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db, clk: clock.OrReal(clk)}, nil
}

func (b *Bolt) wrap(val []byte, ttl time.Duration) []byte {
	out := make([]byte, 8+len(val))
	if ttl > 0 {
		binary.BigEndian.PutUint64(out[:8], uint64(b.clk.Now().Add(ttl).UnixNano()))
	}
	copy(out[8:], val)
	return out
}

// unwrap returns the payload, or ok=false when the entry has expired.
func (b *Bolt) unwrap(raw []byte) ([]byte, bool) {
	if len(raw) < 8 {
		return nil, false
	}
	exp := int64(binary.BigEndian.Uint64(raw[:8]))
	if exp != 0 && b.clk.Now().UnixNano() >= exp {
		return nil, false
	}
	return raw[8:], true
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b == nil || b.db == nil {
		return nil, ErrClosed
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return ErrMiss
		}
		val, ok := b.unwrap(raw)
		if !ok {
			return ErrMiss
		}
		out = append([]byte(nil), val...)
		return nil
	})
	return out, err
}

func (b *Bolt) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.db == nil {
		return ErrClosed
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), b.wrap(val, ttl))
	})
}

func (b *Bolt) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.db == nil {
		return ErrClosed
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketEntries)
		for _, k := range keys {
			if err := bk.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b == nil || b.db == nil {
		return 0, ErrClosed
	}
	var n int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketEntries)
		raw := bk.Get([]byte(key))
		if raw != nil {
			if val, ok := b.unwrap(raw); ok {
				cur, err := strconv.ParseInt(string(val), 10, 64)
				if err != nil {
					return ErrNotCounter
				}
				n = cur + 1
				next := append([]byte(nil), raw[:8]...)
				next = append(next, strconv.FormatInt(n, 10)...)
				return bk.Put([]byte(key), next)
			}
		}
		n = 1
		return bk.Put([]byte(key), b.wrap([]byte("1"), ttl))
	})
	return n, err
}

// Sweep deletes expired entries and returns how many were removed.
func (b *Bolt) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if b == nil || b.db == nil {
		return 0, ErrClosed
	}
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if _, ok := b.unwrap(v); ok {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}
