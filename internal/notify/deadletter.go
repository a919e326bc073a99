package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const deadLetterBucket = "dead_letters"

// DeadLetter 重试耗尽后被丢弃的一次通知
type DeadLetter struct {
	ID         string    `json:"id"`
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	DroppedAt  time.Time `json:"dropped_at"`
}

// DeadLetterSink 接收被丢弃的通知
type DeadLetterSink interface {
	Put(letter DeadLetter) error
}

// DeadLetterStore 用 bbolt 保存被丢弃的通知，便于事后人工补发
type DeadLetterStore struct {
	db *bolt.DB
}

func OpenDeadLetterStore(path string) (*DeadLetterStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir dead letter path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(deadLetterBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &DeadLetterStore{db: db}, nil
}

func (s *DeadLetterStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *DeadLetterStore) Put(letter DeadLetter) error {
	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.DroppedAt.IsZero() {
		letter.DroppedAt = time.Now()
	}
	data, err := json.Marshal(letter)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deadLetterBucket)).Put([]byte(letter.ID), data)
	})
}

// List 按丢弃时间排序返回全部记录
func (s *DeadLetterStore) List() ([]DeadLetter, error) {
	var out []DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deadLetterBucket)).ForEach(func(k, v []byte) error {
			var letter DeadLetter
			if err := json.Unmarshal(v, &letter); err != nil {
				return fmt.Errorf("decode dead letter %s: %w", k, err)
			}
			out = append(out, letter)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DroppedAt.Before(out[j].DroppedAt) })
	return out, nil
}

func (s *DeadLetterStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(deadLetterBucket)).Delete([]byte(id))
	})
}
