package storage

import (
	"errors"
	"testing"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	out := map[string]Database{BackendMemory: NewMemDB()}
	for _, name := range []string{BackendLevelDB, BackendBolt} {
		db, err := Open(name, t.TempDir())
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		out[name] = db
	}
	t.Cleanup(func() {
		for _, db := range out {
			db.Close()
		}
	})
	return out
}

func TestDatabaseRoundTrip(t *testing.T) {
	for name, db := range backends(t) {
		if err := db.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("%s put: %v", name, err)
		}
		got, err := db.Get([]byte("k"))
		if err != nil || string(got) != "v" {
			t.Fatalf("%s get: %q %v", name, got, err)
		}
		if ok, err := db.Has([]byte("k")); err != nil || !ok {
			t.Fatalf("%s has: %v %v", name, ok, err)
		}
		if err := db.Delete([]byte("k")); err != nil {
			t.Fatalf("%s delete: %v", name, err)
		}
		if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestBatchAppliesAtOnce(t *testing.T) {
	for name, db := range backends(t) {
		if err := db.Put([]byte("a/old"), []byte("x")); err != nil {
			t.Fatalf("%s put: %v", name, err)
		}
		batch := db.NewBatch()
		batch.Put([]byte("a/1"), []byte("one"))
		batch.Put([]byte("a/2"), []byte("two"))
		batch.Delete([]byte("a/old"))
		if batch.ValueSize() != 6 {
			t.Fatalf("%s value size: %d", name, batch.ValueSize())
		}
		if ok, _ := db.Has([]byte("a/1")); ok {
			t.Fatalf("%s: batch visible before Write", name)
		}
		if err := batch.Write(); err != nil {
			t.Fatalf("%s write: %v", name, err)
		}

		var keys []string
		err := db.Iterate([]byte("a/"), func(key, _ []byte) bool {
			keys = append(keys, string(key))
			return true
		})
		if err != nil {
			t.Fatalf("%s iterate: %v", name, err)
		}
		if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
			t.Fatalf("%s: unexpected keys %v", name, keys)
		}
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open("rocks", t.TempDir()); err == nil {
		t.Fatalf("expected unknown backend error")
	}
	if _, err := Open(BackendLevelDB, ""); err == nil {
		t.Fatalf("expected missing directory error")
	}
}
