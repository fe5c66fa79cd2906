package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"

	"chatzone/internal/crypto"
	"chatzone/internal/message"
)

const defaultCacheLimit = 500

var saltKey = []byte("salt")

// HistoryCache keeps the most recent confirmed messages per conversation so
// a conversation can be shown before, or without, the history fetch.
type HistoryCache struct {
	db    *bbolt.DB
	box   *crypto.Box
	limit int
}

// History returns the conversation cache. A non-empty secret seals every
// record at rest.
func (d *DB) History(secret string, limit int) (*HistoryCache, error) {
	if limit <= 0 {
		limit = defaultCacheLimit
	}
	var salt []byte
	err := d.bolt.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		if cur := meta.Get(saltKey); cur != nil {
			salt = append([]byte(nil), cur...)
			return nil
		}
		fresh, err := crypto.NewSalt()
		if err != nil {
			return err
		}
		salt = fresh
		return meta.Put(saltKey, fresh)
	})
	if err != nil {
		return nil, err
	}
	box, err := crypto.NewBox(secret, salt)
	if err != nil {
		return nil, err
	}
	return &HistoryCache{db: d.bolt, box: box, limit: limit}, nil
}

func recordKey(msg message.Message) []byte {
	id := msg.ID
	if id == "" {
		id = msg.TempID
	}
	return []byte(fmt.Sprintf("%020d-%s", msg.Timestamp.UnixNano(), id))
}

// Put stores confirmed messages for key and trims the conversation to the
// cache limit, oldest first.
func (c *HistoryCache) Put(key message.ConversationKey, msgs ...message.Message) error {
	if c == nil || len(msgs) == 0 {
		return nil
	}
	name := []byte(key.String())
	return c.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(conversationsBucket)).CreateBucketIfNotExists(name)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			if msg.Status != message.StatusSent {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			sealed, err := c.box.Seal(data, name)
			if err != nil {
				return err
			}
			if err := bucket.Put(recordKey(msg), sealed); err != nil {
				return err
			}
		}
		n := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			n++
		}
		var stale [][]byte
		for k, _ := cursor.First(); k != nil && n > c.limit; k, _ = cursor.Next() {
			stale = append(stale, append([]byte(nil), k...))
			n--
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit cached messages for key, oldest first.
func (c *HistoryCache) Recent(key message.ConversationKey, limit int) ([]message.Message, error) {
	if c == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = c.limit
	}
	name := []byte(key.String())
	var out []message.Message
	err := c.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(conversationsBucket)).Bucket(name)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(out) < limit; k, v = cursor.Prev() {
			plain, err := c.box.Open(v, name)
			if err != nil {
				continue
			}
			var msg message.Message
			if err := json.Unmarshal(plain, &msg); err == nil {
				out = append(out, msg)
			}
		}
		return nil
	})
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, err
}

// Clear drops every cached conversation.
func (c *HistoryCache) Clear() error {
	if c == nil {
		return nil
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(conversationsBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket([]byte(conversationsBucket))
		return err
	})
}
