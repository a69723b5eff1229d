package bolt

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/popstellar/laocore/internal/domain/consensus"
	"github.com/popstellar/laocore/internal/domain/lao"
	"github.com/popstellar/laocore/internal/p2p/protocol"
)

var (
	bucketLaos      = []byte("laos")
	bucketMessages  = []byte("lao_messages")
	bucketInstances = []byte("elect_instances")
)

const sep = 0x00

// Store persists the node state in a single bbolt file, msgpack encoded.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLaos, bucketMessages, bucketInstances} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Laos exposes the store as a lao.Repository.
func (s *Store) Laos() lao.Repository { return laoRepo{s} }

// Messages exposes the store as a lao.MessageRepository.
func (s *Store) Messages() lao.MessageRepository { return messageRepo{s} }

// Instances exposes the store as a consensus.Repository.
func (s *Store) Instances() consensus.Repository { return instanceRepo{s} }

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

func compositeKey(a, b string) []byte {
	k := make([]byte, 0, len(a)+len(b)+1)
	k = append(k, a...)
	k = append(k, sep)
	return append(k, b...)
}

func prefix(a string) []byte {
	return append([]byte(a), sep)
}

// deletePrefix removes every key of b starting with p.
func deletePrefix(b *bolt.Bucket, p []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

type laoRepo struct{ s *Store }

func (r laoRepo) Get(_ context.Context, id string) (*lao.Lao, error) {
	var out *lao.Lao
	err := r.s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLaos).Get([]byte(id))
		if raw == nil {
			return lao.ErrNotFound
		}
		var l lao.Lao
		if err := decode(raw, &l); err != nil {
			return fmt.Errorf("decode lao %s: %w", id, err)
		}
		l.Normalize()
		out = &l
		return nil
	})
	return out, err
}

func (r laoRepo) Put(_ context.Context, l *lao.Lao) error {
	raw, err := encode(l)
	if err != nil {
		return err
	}
	return r.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLaos).Put([]byte(l.ID), raw)
	})
}

func (r laoRepo) List(_ context.Context) ([]*lao.Lao, error) {
	var out []*lao.Lao
	err := r.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLaos).ForEach(func(k, v []byte) error {
			var l lao.Lao
			if err := decode(v, &l); err != nil {
				return fmt.Errorf("decode lao %s: %w", k, err)
			}
			l.Normalize()
			out = append(out, &l)
			return nil
		})
	})
	return out, err
}

func (r laoRepo) Delete(_ context.Context, id string) error {
	return r.s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLaos)
		if b.Get([]byte(id)) == nil {
			return lao.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

type messageRepo struct{ s *Store }

func (r messageRepo) GetMessage(_ context.Context, laoID, messageID string) (*protocol.Message, error) {
	var out protocol.Message
	err := r.s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMessages).Get(compositeKey(laoID, messageID))
		if raw == nil {
			return lao.ErrMessageNotFound
		}
		if err := decode(raw, &out); err != nil {
			return fmt.Errorf("decode message %s: %w", messageID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r messageRepo) PutMessage(_ context.Context, laoID string, msg protocol.Message) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	return r.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).Put(compositeKey(laoID, msg.MessageID), raw)
	})
}

func (r messageRepo) DeleteMessages(_ context.Context, laoID string) error {
	return r.s.db.Update(func(tx *bolt.Tx) error {
		return deletePrefix(tx.Bucket(bucketMessages), prefix(laoID))
	})
}

type instanceRepo struct{ s *Store }

func (r instanceRepo) Get(_ context.Context, laoID, electID string) (*consensus.ElectInstance, error) {
	var out *consensus.ElectInstance
	err := r.s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInstances).Get(compositeKey(laoID, electID))
		if raw == nil {
			return consensus.ErrNotFound
		}
		var e consensus.ElectInstance
		if err := decode(raw, &e); err != nil {
			return fmt.Errorf("decode elect instance %s: %w", electID, err)
		}
		e.Normalize()
		out = &e
		return nil
	})
	return out, err
}

func (r instanceRepo) Put(_ context.Context, e *consensus.ElectInstance) error {
	raw, err := encode(e)
	if err != nil {
		return err
	}
	return r.s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Put(compositeKey(e.LaoID, e.MessageID), raw)
	})
}

func (r instanceRepo) ListByLao(_ context.Context, laoID string) ([]*consensus.ElectInstance, error) {
	out := []*consensus.ElectInstance{}
	err := r.s.db.View(func(tx *bolt.Tx) error {
		p := prefix(laoID)
		c := tx.Bucket(bucketInstances).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var e consensus.ElectInstance
			if err := decode(v, &e); err != nil {
				return fmt.Errorf("decode elect instance: %w", err)
			}
			e.Normalize()
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (r instanceRepo) DeleteByLao(_ context.Context, laoID string) error {
	return r.s.db.Update(func(tx *bolt.Tx) error {
		return deletePrefix(tx.Bucket(bucketInstances), prefix(laoID))
	})
}
