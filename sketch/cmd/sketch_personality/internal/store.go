// Copyright 2021 The Bean Sketch Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/littlerobots/bean-sketch/sketch/api"
)

//go:generate mockgen -destination=mock_store.go -package=internal . Store

// ErrNotFound is returned by Store.Get for unknown sketches.
var ErrNotFound = errors.New("sketch not found")

// Store persists the latest metadata for each sketch name.
type Store interface {
	// Put stores m, replacing any sketch with the same name.
	Put(ctx context.Context, m api.SketchMetadata) error
	// Get returns the sketch called name, or ErrNotFound.
	Get(ctx context.Context, name string) (api.SketchMetadata, error)
	// List returns all sketches ordered by name.
	List(ctx context.Context) ([]api.SketchMetadata, error)
}

// SQLStore is a Store backed by a database/sql database.
// Both sqlite3 and mysql drivers are supported.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore connects to the database, retrying until ctx is done or
// connectTimeout elapses, and creates the schema if needed.
func OpenSQLStore(ctx context.Context, driver, dsn string, connectTimeout time.Duration) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectTimeout
	ping := func() error {
		err := db.PingContext(ctx)
		if err != nil {
			glog.Warningf("Database not ready: %v", err)
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(bo, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database %q: %w", driver, redactDSN(driver, dsn), err)
	}

	s := &SQLStore{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	glog.Infof("Opened %s store at %q", driver, redactDSN(driver, dsn))
	return s, nil
}

func (s *SQLStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS Sketches (
		Name      VARCHAR(255) NOT NULL,
		HexSize   BIGINT NOT NULL,
		HexCrc    BIGINT NOT NULL,
		Timestamp BIGINT NOT NULL,
		PRIMARY KEY (Name)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create Sketches table: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Put implements Store.
func (s *SQLStore) Put(ctx context.Context, m api.SketchMetadata) error {
	_, err := s.db.ExecContext(ctx, "REPLACE INTO Sketches (Name, HexSize, HexCrc, Timestamp) VALUES (?, ?, ?, ?)",
		m.HexName(), int64(m.HexSize()), int64(m.HexCRC()), m.Timestamp().Unix())
	if err != nil {
		return fmt.Errorf("failed to write sketch %q: %w", m.HexName(), err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, name string) (api.SketchMetadata, error) {
	row := s.db.QueryRowContext(ctx, "SELECT HexSize, HexCrc, Timestamp FROM Sketches WHERE Name = ?", name)
	var size, crc, ts int64
	if err := row.Scan(&size, &crc, &ts); err != nil {
		if err == sql.ErrNoRows {
			return api.SketchMetadata{}, ErrNotFound
		}
		return api.SketchMetadata{}, fmt.Errorf("failed to read sketch %q: %w", name, err)
	}
	return api.NewSketchMetadata(uint32(size), uint32(crc), time.Unix(ts, 0), name), nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context) ([]api.SketchMetadata, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT Name, HexSize, HexCrc, Timestamp FROM Sketches ORDER BY Name")
	if err != nil {
		return nil, fmt.Errorf("failed to list sketches: %w", err)
	}
	defer rows.Close()

	all := []api.SketchMetadata{}
	for rows.Next() {
		var name string
		var size, crc, ts int64
		if err := rows.Scan(&name, &size, &crc, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sketch: %w", err)
		}
		all = append(all, api.NewSketchMetadata(uint32(size), uint32(crc), time.Unix(ts, 0), name))
	}
	return all, rows.Err()
}

// redactDSN strips credentials from mysql DSNs so they can be logged.
func redactDSN(driver, dsn string) string {
	if driver != "mysql" {
		return dsn
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	cfg.Passwd = ""
	return cfg.FormatDSN()
}
