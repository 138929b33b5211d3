// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pebble is an embedded storage.Store on top of cockroachdb/pebble,
// for single-node deployments and tests.
//
// Key layout:
//
//	key:<user>:<version>          UserIdentity
//	profile:<user>                Profile
//	thread:<id>:meta              Thread
//	thread:<id>:participants      []Participant in join order
//	thread:<id>:msg:<seq>         Message
//	user:<user>:thread:<id>       membership index
//	msgid:<id>                    message key
//	meta:seq                      last assigned seq
package pebble

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/efchatnet/efthreads/backend/storage"
)

var seqKey = []byte("meta:seq")

type Store struct {
	db *pebble.DB

	// mu serializes writers; readers go straight to pebble.
	mu  sync.Mutex
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) a database at path. A nil fs means the OS
// filesystem; tests pass vfs.NewMem().
func Open(path string, fs vfs.FS) (*Store, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getJSON(key []byte, v interface{}) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (s *Store) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// scanPrefix calls fn for every key under prefix in key order. Returning
// false from fn stops the scan.
func (s *Store) scanPrefix(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) lastSeq() (int64, error) {
	data, closer, err := s.db.Get(seqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt sequence counter")
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func encodeSeq(seq int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return buf[:]
}

func hasPrefix(key []byte, prefix string) bool {
	return bytes.HasPrefix(key, []byte(prefix))
}
