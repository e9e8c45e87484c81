// Package redis implements storage.Repository on top of Redis so that
// several Shelfguard instances can share sessions, rate-limit buckets and
// the audit chain head.
//
// Each record is one string key holding the JSON envelope. A set per
// (namespace, recordType) indexes record IDs for List.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jmcleod/shelfguard/storage"
)

const defaultPrefix = "shelfguard"

// Store implements storage.Repository backed by Redis.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository using rdb. prefix namespaces every key;
// an empty prefix selects "shelfguard".
func NewRepository(rdb goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) recordKey(namespace, recordType, recordID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", s.prefix, namespace, recordType, recordID)
}

func (s *Store) indexKey(namespace, recordType string) string {
	return fmt.Sprintf("%s:%s:%s:__index", s.prefix, namespace, recordType)
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(namespace, recordType, recordID), data, 0)
		pipe.SAdd(ctx, s.indexKey(namespace, recordType), recordID)
		return nil
	})
	return err
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(namespace, recordType, recordID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%s/%s/%s: %w", namespace, recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var env storage.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey(namespace, recordType)).Result()
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	var del *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, s.recordKey(namespace, recordType, recordID))
		pipe.SRem(ctx, s.indexKey(namespace, recordType), recordID)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return fmt.Errorf("%s/%s/%s: %w", namespace, recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// PutCAS uses WATCH/MULTI optimistic locking: if another client modifies the
// key between the version read and EXEC, the transaction aborts and the
// caller sees ErrCASFailed.
func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	key := s.recordKey(namespace, recordType, recordID)
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	err = s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
			if expectedVersion != 0 {
				return storage.ErrCASFailed
			}
		case err != nil:
			return err
		default:
			var existing storage.Envelope
			if err := json.Unmarshal(current, &existing); err != nil {
				return err
			}
			if expectedVersion == 0 || existing.Version != expectedVersion {
				return storage.ErrCASFailed
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.indexKey(namespace, recordType), recordID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return storage.ErrCASFailed
	}
	return err
}
