// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package admission

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists blacklist entries in an SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the blacklist database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS blacklist (
		addr TEXT PRIMARY KEY,
		reason TEXT
	);`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a blacklist entry; re-adding an address updates its
// reason.
func (s *Store) Add(addr, reason string) error {
	_, err := s.db.Exec(`INSERT INTO blacklist (
		addr,
		reason
	) VALUES (
		?,
		?
	) ON CONFLICT(addr) DO UPDATE SET reason = excluded.reason;`, addr, reason)
	return err
}

// Remove deletes a blacklist entry.
func (s *Store) Remove(addr string) error {
	_, err := s.db.Exec(`DELETE FROM blacklist WHERE addr = ?;`, addr)
	return err
}

// Reason returns the stored reason for addr, or "" when addr is not
// listed.
func (s *Store) Reason(addr string) (string, error) {
	var r string
	err := s.db.QueryRow(`SELECT reason FROM blacklist WHERE addr = ?;`, addr).Scan(&r)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return r, nil
}

// Load returns every blacklisted address.
func (s *Store) Load() ([]string, error) {
	rows, err := s.db.Query(`SELECT addr FROM blacklist;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}
