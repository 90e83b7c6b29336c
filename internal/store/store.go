// Package store persists in-flight clone tasks so they survive a daemon
// restart. Exactly one row exists per non-terminal task (see
// internal/task.State.Terminal); terminal tasks are absent by construction.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Row is one durable CloneTasks record, matching the columns the original
// Seafile daemon persisted (repo_id, repo_name, token, dest_id,
// worktree_parent, passwd, server_addr, server_port, email) so enumerate()
// output needs no renaming at the edges.
type Row struct {
	RepoID         string
	RepoName       string
	Token          string
	PeerID         string
	Worktree       string
	Passphrase     string // empty means NULL
	PeerAddr       string
	PeerPort       string
	Email          string
}

// Store wraps the on-disk CloneTasks table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path and enables
// WAL mode plus a busy timeout, matching the durability posture the rest of
// this house uses for its embedded stores.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening clone store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS CloneTasks (
		repo_id         TEXT PRIMARY KEY,
		repo_name       TEXT NOT NULL,
		token           TEXT NOT NULL,
		dest_id         TEXT NOT NULL,
		worktree_parent TEXT NOT NULL,
		passwd          TEXT,
		server_addr     TEXT NOT NULL,
		server_port     TEXT NOT NULL,
		email           TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert replaces any existing row for row.RepoID. Uses parameter binding
// throughout: the column values are never concatenated into the statement
// text.
func (s *Store) Upsert(row Row) error {
	var passphrase interface{}
	if row.Passphrase != "" {
		passphrase = row.Passphrase
	}

	_, err := s.db.Exec(`
		REPLACE INTO CloneTasks
			(repo_id, repo_name, token, dest_id, worktree_parent, passwd, server_addr, server_port, email)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.RepoID, row.RepoName, row.Token, row.PeerID, row.Worktree, passphrase, row.PeerAddr, row.PeerPort, row.Email)
	if err != nil {
		return fmt.Errorf("upserting clone task %s: %w", row.RepoID, err)
	}
	return nil
}

// Delete removes repoID's row. Idempotent: deleting an absent row is not an
// error.
func (s *Store) Delete(repoID string) error {
	_, err := s.db.Exec(`DELETE FROM CloneTasks WHERE repo_id = ?`, repoID)
	if err != nil {
		return fmt.Errorf("deleting clone task %s: %w", repoID, err)
	}
	return nil
}

// Enumerate returns every durable row, for use once at startup recovery.
func (s *Store) Enumerate() ([]Row, error) {
	rows, err := s.db.Query(`
		SELECT repo_id, repo_name, token, dest_id, worktree_parent,
		       COALESCE(passwd, ''), server_addr, server_port, email
		FROM CloneTasks
	`)
	if err != nil {
		return nil, fmt.Errorf("enumerating clone tasks: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.RepoID, &r.RepoName, &r.Token, &r.PeerID, &r.Worktree,
			&r.Passphrase, &r.PeerAddr, &r.PeerPort, &r.Email); err != nil {
			return nil, fmt.Errorf("scanning clone task row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
