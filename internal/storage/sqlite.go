// Package storage provides the durable backends behind the plugin
// registry: a SQLite database, a compressed per-plugin snapshot store,
// and atomic bundle replacement on disk.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/millwright-cad/millwright/internal/plugin"
)

// SQLiteStore persists registry entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the registry database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initTables() error {
	query := `CREATE TABLE IF NOT EXISTS plugins (
		id TEXT PRIMARY KEY,
		entry TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("init plugins table: %w", err)
	}
	return nil
}

// GetPlugins returns every persisted registry entry.
func (s *SQLiteStore) GetPlugins() ([]*plugin.RegistryEntry, error) {
	rows, err := s.db.Query(`SELECT entry FROM plugins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	defer rows.Close()

	var entries []*plugin.RegistryEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		entry := &plugin.RegistryEntry{}
		if err := json.Unmarshal([]byte(data), entry); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// runtimeFields are the entry fields that change between installs of the
// same version. Saves that only touch these patch the stored JSON in
// place instead of re-serializing the whole manifest.
var runtimeFields = []string{"state", "enabled", "errorCount", "lastError", "updatedAt"}

// SavePlugin inserts or updates an entry.
func (s *SQLiteStore) SavePlugin(entry *plugin.RegistryEntry) error {
	var stored string
	err := s.db.QueryRow(`SELECT entry FROM plugins WHERE id = ?`, entry.ID).Scan(&stored)

	switch {
	case err == sql.ErrNoRows:
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", entry.ID, err)
		}
		_, err = s.db.Exec(`INSERT INTO plugins (id, entry, updated_at) VALUES (?, ?, ?)`,
			entry.ID, string(data), time.Now())
		return err

	case err != nil:
		return fmt.Errorf("read entry %s: %w", entry.ID, err)
	}

	data, err := s.patchOrReplace(stored, entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}
	_, err = s.db.Exec(`UPDATE plugins SET entry = ?, updated_at = ? WHERE id = ?`,
		data, time.Now(), entry.ID)
	return err
}

// patchOrReplace updates the stored JSON for an entry. When the manifest
// itself is unchanged (same version), only the runtime fields are
// patched; a version move re-serializes everything.
func (s *SQLiteStore) patchOrReplace(stored string, entry *plugin.RegistryEntry) (string, error) {
	if gjson.Get(stored, "version").String() != entry.Version {
		data, err := json.Marshal(entry)
		return string(data), err
	}

	full, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}

	patched := stored
	for _, field := range runtimeFields {
		value := gjson.GetBytes(full, field)
		if !value.Exists() {
			patched, err = sjson.Delete(patched, field)
		} else {
			patched, err = sjson.SetRaw(patched, field, value.Raw)
		}
		if err != nil {
			return "", err
		}
	}
	return patched, nil
}

// RemovePlugin deletes an entry.
func (s *SQLiteStore) RemovePlugin(id string) error {
	_, err := s.db.Exec(`DELETE FROM plugins WHERE id = ?`, id)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
