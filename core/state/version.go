package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"lendcore/storage"
)

// SchemaVersion identifies the expected on-disk layout of the lending state.
// Increment it whenever a stored record changes shape and register the
// upgrade in migrations.
const SchemaVersion uint32 = 1

var (
	schemaVersionKey = []byte("lending/version")
	// ErrSchemaVersionMismatch indicates the stored schema version does not
	// match the version supported by the current binary.
	ErrSchemaVersionMismatch = errors.New("state: schema version mismatch")
)

// Migration upgrades the stored layout from version From to From+1.
type Migration struct {
	From  uint32
	Apply func(db storage.Database) error
}

// migrations is ordered by From. Version 0 is an empty database.
var migrations = []Migration{
	{From: 0, Apply: func(storage.Database) error { return nil }},
}

// StoredSchemaVersion returns the stored version and whether one was present.
func StoredSchemaVersion(db storage.Database) (uint32, bool, error) {
	data, err := db.Get(schemaVersionKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var version uint32
	if err := rlp.DecodeBytes(data, &version); err != nil {
		return 0, false, fmt.Errorf("%w: schema version: %v", ErrCorruptRecord, err)
	}
	return version, true, nil
}

func setSchemaVersion(db storage.Database, version uint32) error {
	encoded, err := rlp.EncodeToBytes(version)
	if err != nil {
		return err
	}
	return db.Put(schemaVersionKey, encoded)
}

// EnsureSchemaVersion verifies that the on-disk version matches the version
// supported by this binary. A fresh database is stamped with the current
// version. When allowMigrate is true, older layouts are upgraded in place.
func EnsureSchemaVersion(db storage.Database, allowMigrate bool) error {
	if db == nil {
		return fmt.Errorf("state: database must not be nil")
	}
	version, ok, err := StoredSchemaVersion(db)
	if err != nil {
		return err
	}
	if !ok {
		empty := true
		if err := db.Iterate([]byte("lending/"), func(_, _ []byte) bool {
			empty = false
			return false
		}); err != nil {
			return err
		}
		if empty {
			return setSchemaVersion(db, SchemaVersion)
		}
	}
	if version == SchemaVersion {
		return nil
	}
	if !allowMigrate || version > SchemaVersion {
		return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
	}
	return Migrate(db, version)
}

// Migrate applies every registered migration from version up to
// SchemaVersion, stamping the version after each step.
func Migrate(db storage.Database, version uint32) error {
	for _, m := range migrations {
		if m.From < version {
			continue
		}
		if m.From != version {
			return fmt.Errorf("%w: no migration from version %d", ErrSchemaVersionMismatch, version)
		}
		if err := m.Apply(db); err != nil {
			return fmt.Errorf("state: migrate from %d: %w", m.From, err)
		}
		version++
		if err := setSchemaVersion(db, version); err != nil {
			return err
		}
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: migrated to %d expected=%d", ErrSchemaVersionMismatch, version, SchemaVersion)
	}
	return nil
}
