// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package certstore persists the certificates exchanged with peers.
package certstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hearthproxy/hearth/lib/tlsutil"
)

const (
	dbMaxOpenFiles = 16
	keyPrefix      = "cert/"
)

var (
	ErrNotFound         = errors.New("certificate not found")
	ErrDeviceIDMismatch = errors.New("certificate does not match device ID")
)

// A Store maps device IDs to DER encoded certificates.
type Store struct {
	db       *leveldb.DB
	location string
}

// Open opens the store at location, recovering it if it is corrupted and
// starting over if recovery fails.
func Open(location string) (*Store, error) {
	opts := &opt.Options{OpenFilesCacheCapacity: dbMaxOpenFiles}
	db, err := leveldb.OpenFile(location, opts)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(location, opts)
	}
	if lerrors.IsCorrupted(err) {
		slog.Warn("Certificate store corrupted, unable to recover; starting over", "location", location)
		if err := os.RemoveAll(location); err != nil {
			return nil, fmt.Errorf("removing corrupted certificate store: %w", err)
		}
		db, err = leveldb.OpenFile(location, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("opening certificate store (is another instance running?): %w", err)
	}
	return &Store{db: db, location: location}, nil
}

// OpenMemory returns a store that is not persisted.
func OpenMemory() *Store {
	db, _ := leveldb.Open(storage.NewMemStorage(), nil)
	return &Store{db: db, location: "<memory>"}
}

func (s *Store) Location() string {
	return s.location
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AddCertificate stores der for deviceID, replacing what was stored.
func (s *Store) AddCertificate(deviceID string, der []byte) error {
	if tlsutil.DeviceID(der) != deviceID {
		return fmt.Errorf("%w: %s", ErrDeviceIDMismatch, deviceID)
	}
	return s.db.Put([]byte(keyPrefix+deviceID), der, nil)
}

func (s *Store) Certificate(deviceID string) ([]byte, error) {
	der, err := s.db.Get([]byte(keyPrefix+deviceID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return der, err
}

// Known reports whether der is a stored certificate.
func (s *Store) Known(der []byte) bool {
	stored, err := s.Certificate(tlsutil.DeviceID(der))
	return err == nil && bytes.Equal(stored, der)
}

func (s *Store) Remove(deviceID string) error {
	return s.db.Delete([]byte(keyPrefix+deviceID), nil)
}

// DeviceIDs lists the devices with a stored certificate.
func (s *Store) DeviceIDs() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()
	var ids []string
	for it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Key()), keyPrefix))
	}
	return ids, it.Error()
}
