package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pierrec/lz4"

	"github.com/millwright-cad/millwright/internal/plugin"
)

const snapshotExt = ".json.lz4"

// FileStore persists registry entries as one compressed JSON snapshot
// per plugin under a root directory. It trades query power for having
// no database dependency; suited to portable installs.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// OpenFileStore opens (creating if needed) a snapshot directory.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) snapshotPath(id string) string {
	return filepath.Join(s.dir, id+snapshotExt)
}

// GetPlugins returns every persisted registry entry.
func (s *FileStore) GetPlugins() ([]*plugin.RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var entries []*plugin.RegistryEntry
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), snapshotExt) {
			continue
		}
		entry, err := s.readSnapshot(filepath.Join(s.dir, de.Name()))
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", de.Name(), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *FileStore) readSnapshot(path string) (*plugin.RegistryEntry, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	reader := lz4.NewReader(bytes.NewReader(compressed))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	entry := &plugin.RegistryEntry{}
	if err := json.Unmarshal(buf.Bytes(), entry); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return entry, nil
}

// SavePlugin writes an entry's snapshot. The write is atomic: a staged
// file replaces the old snapshot by rename.
func (s *FileStore) SavePlugin(entry *plugin.RegistryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.ID, err)
	}

	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return fmt.Errorf("compress entry %s: %w", entry.ID, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("compress entry %s: %w", entry.ID, err)
	}

	return writeFileAtomic(s.snapshotPath(entry.ID), buf.Bytes())
}

// RemovePlugin deletes an entry's snapshot.
func (s *FileStore) RemovePlugin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.snapshotPath(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// writeFileAtomic stages data next to path, syncs, and renames it into
// place so a crash never leaves a torn snapshot.
func writeFileAtomic(path string, data []byte) error {
	staged, err := os.CreateTemp(filepath.Dir(path), ".staged-*")
	if err != nil {
		return err
	}
	stagedPath := staged.Name()

	if _, err := staged.Write(data); err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return err
	}
	if err := staged.Sync(); err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return err
	}
	if err := staged.Close(); err != nil {
		os.Remove(stagedPath)
		return err
	}

	if err := os.Rename(stagedPath, path); err != nil {
		os.Remove(stagedPath)
		return err
	}
	return nil
}
