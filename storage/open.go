package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported backend names.
const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open returns the backend selected by name rooted at dir.
func Open(backend, dir string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemDB(), nil
	case "", BackendLevelDB:
		if dir == "" {
			return nil, fmt.Errorf("storage: leveldb requires a data directory")
		}
		return NewLevelDB(filepath.Join(dir, "lending.ldb"))
	case BackendBolt:
		if dir == "" {
			return nil, fmt.Errorf("storage: bolt requires a data directory")
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create data dir: %w", err)
		}
		return NewBoltDB(filepath.Join(dir, "lending.bolt"), nil)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
