package corvus

import (
	"fmt"
	"path/filepath"
	"testing"
)

func smallOptions(t *testing.T) Options {
	dir := t.TempDir()
	noCheckpointTicker := -1
	return Options{
		FilePath:           dir,
		FileName:           "test",
		Order:              4,
		PageSize:           256,
		KeySize:            16,
		ValueSize:          64,
		CacheSize:          32,
		CheckpointInterval: noCheckpointTicker,
	}
}

func TestInsertGetRoundTripWithOverflow(t *testing.T) {
	opts := smallOptions(t)
	opts.ValueSize = 2048 // forces every pair's payload past one page, exercising overflow chaining
	opts.PageSize = 256

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	longValue := make([]byte, 1500)
	for i := range longValue {
		longValue[i] = byte(i % 251)
	}

	if err := db.Insert(NewString("big"), NewString(string(longValue)), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := db.Get(NewString("big"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Str != string(longValue) {
		t.Fatalf("overflow round trip mismatch: got %d bytes, want %d bytes", len(got.Str), len(longValue))
	}
}

func TestDuplicateKeyRequiresOverride(t *testing.T) {
	db, err := Open(smallOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.Insert(NewInt(1), NewString("first"), false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Insert(NewInt(1), NewString("second"), false); err == nil {
		t.Fatal("expected ErrDuplicateKey without override")
	}
	if err := db.Insert(NewInt(1), NewString("second"), true); err != nil {
		t.Fatalf("Insert with override: %v", err)
	}

	got, err := db.Get(NewInt(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Str != "second" {
		t.Fatalf("got %q, want %q", got.Str, "second")
	}
}

func TestReopenPreservesDataWithManualAutoCommit(t *testing.T) {
	opts := smallOptions(t)

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetAutoCommit(false)

	const n = 200
	for i := 0; i < n; i++ {
		if err := db.Insert(NewInt(int64(i)), NewString(fmt.Sprintf("value-%d", i)), true); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < n; i++ {
		got, err := reopened.Get(NewInt(int64(i)))
		if err != nil {
			t.Fatalf("Get(%d) after reopen: %v", i, err)
		}
		want := fmt.Sprintf("value-%d", i)
		if got.Str != want {
			t.Fatalf("Get(%d) = %q, want %q", i, got.Str, want)
		}
	}
}

func TestNestedMapRoundTripAfterReopen(t *testing.T) {
	opts := smallOptions(t)
	opts.ValueSize = 512

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	nested := NewMap(map[string]Value{
		"name": NewString("corvus"),
		"tags": NewList([]Value{NewString("embedded"), NewString("btree")}),
		"meta": NewMap(map[string]Value{"version": NewInt(1)}),
	})

	if err := db.Insert(NewString("doc"), nested, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(NewString("doc"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !valuesEqual(got, nested) {
		t.Fatalf("nested map mismatch after reopen: got %+v, want %+v", got, nested)
	}
}

func TestDeleteEveryOtherThenIterate(t *testing.T) {
	db, err := Open(smallOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	const n = 40
	for i := 0; i < n; i++ {
		if err := db.Insert(NewInt(int64(i)), NewInt(int64(i)), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		if err := db.Remove(NewInt(int64(i))); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}

	cursor, err := NewCursor(db)
	if err != nil {
		t.Fatalf("NewCursor: %v", err)
	}
	defer cursor.Close()

	var seen []int64
	for {
		k, _, ok, err := cursor.Next()
		if err != nil {
			t.Fatalf("cursor.Next: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, k.Int)
	}

	if len(seen) != n/2 {
		t.Fatalf("iterated %d keys, want %d", len(seen), n/2)
	}
	for idx, k := range seen {
		want := int64(idx*2 + 1)
		if k != want {
			t.Fatalf("seen[%d] = %d, want %d (iteration order must stay sorted)", idx, k, want)
		}
	}
}

func TestOrderThreeTreeStaysBalanced(t *testing.T) {
	opts := smallOptions(t)
	opts.Order = 3

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	keys := []int64{10, 20, 5, 6, 12, 30, 7}
	for _, k := range keys {
		if err := db.Insert(NewInt(k), NewInt(k), false); err != nil {
			t.Fatalf("Insert(%d): %v", k, err)
		}
	}

	depth := -1
	var walk func(page uint32, level int) error
	walk = func(page uint32, level int) error {
		n, err := db.handler.getNode(page)
		if err != nil {
			return err
		}
		if n.isLeaf() {
			if depth == -1 {
				depth = level
			} else if depth != level {
				t.Fatalf("unbalanced tree: leaf at level %d, expected %d", level, depth)
			}
			return nil
		}
		for _, c := range n.children {
			if err := walk(c, level+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(db.rootPage, 0); err != nil {
		t.Fatalf("walk: %v", err)
	}

	for _, k := range keys {
		got, err := db.Get(NewInt(k))
		if err != nil {
			t.Fatalf("Get(%d): %v", k, err)
		}
		if got.Int != k {
			t.Fatalf("Get(%d) = %d", k, got.Int)
		}
	}
}

func TestCrashBeforeCommitIsDiscardedOnReopen(t *testing.T) {
	opts := smallOptions(t)

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := db.Insert(NewString("durable"), NewString("yes"), false); err != nil {
		t.Fatalf("Insert durable: %v", err)
	}

	db.SetAutoCommit(false)
	if err := db.Insert(NewString("lost"), NewString("no"), false); err != nil {
		t.Fatalf("Insert lost: %v", err)
	}

	// Simulate a crash: tear down the file descriptors directly, bypassing
	// Close (and therefore bypassing both Commit and the final checkpoint),
	// leaving the WAL's in-flight frames uncommitted on disk.
	db.handler.wal.f.Close()
	db.handler.data.Close()
	db.handler.flockHandle.Close()

	reopened, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(NewString("durable"))
	if err != nil || got.Str != "yes" {
		t.Fatalf("expected committed key to survive, got %v, err=%v", got, err)
	}

	if _, err := reopened.Get(NewString("lost")); err == nil {
		t.Fatal("expected uncommitted key to be discarded on recovery")
	}
}

func TestCheckpointDrainsWAL(t *testing.T) {
	db, err := Open(smallOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 20; i++ {
		if err := db.Insert(NewInt(int64(i)), NewInt(int64(i)), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if len(db.handler.wal.committed) != 0 {
		t.Fatalf("expected committed table to be empty after checkpoint, got %d entries", len(db.handler.wal.committed))
	}

	for i := 0; i < 20; i++ {
		got, err := db.Get(NewInt(int64(i)))
		if err != nil || got.Int != int64(i) {
			t.Fatalf("Get(%d) after checkpoint: got %v, err=%v", i, got, err)
		}
	}
}

func TestVacuumPreservesData(t *testing.T) {
	db, err := Open(smallOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err := db.Insert(NewInt(int64(i)), NewInt(int64(i*i)), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	for i := 0; i < 30; i += 3 {
		if err := db.Remove(NewInt(int64(i))); err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
	}

	if err := db.Vacuum(); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}

	for i := 0; i < 30; i++ {
		got, err := db.Get(NewInt(int64(i)))
		if i%3 == 0 {
			if err == nil {
				t.Fatalf("expected key %d to remain removed after vacuum", i)
			}
			continue
		}
		if err != nil || got.Int != int64(i*i) {
			t.Fatalf("Get(%d) after vacuum: got %v, err=%v", i, got, err)
		}
	}
}

func TestRangeScanRespectsBounds(t *testing.T) {
	db, err := Open(smallOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 20; i++ {
		if err := db.Insert(NewInt(int64(i)), NewInt(int64(i)), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var got []int64
	err = db.Range(NewInt(5), NewInt(10), func(k, v Value) (bool, error) {
		got = append(got, k.Int)
		return true, nil
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}

	want := []int64{5, 6, 7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("Range returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestHasAndRemoveUnknownKey(t *testing.T) {
	db, err := Open(smallOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ok, err := db.Has(NewString("absent"))
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatal("expected Has to report false for an absent key")
	}

	if err := db.Remove(NewString("absent")); err == nil {
		t.Fatal("expected ErrKeyNotFound removing an absent key")
	}
}

func TestBatchInsertAndBatchGet(t *testing.T) {
	db, err := Open(smallOptions(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	entries := make([]BatchEntry, 10)
	keys := make([]Value, 10)
	for i := range entries {
		entries[i] = BatchEntry{Key: NewInt(int64(i)), Value: NewString(fmt.Sprintf("v%d", i))}
		keys[i] = NewInt(int64(i))
	}

	if err := db.BatchInsert(entries); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	values, errs := db.BatchGet(keys)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("BatchGet[%d]: %v", i, err)
		}
		want := fmt.Sprintf("v%d", i)
		if values[i].Str != want {
			t.Fatalf("BatchGet[%d] = %q, want %q", i, values[i].Str, want)
		}
	}
}

func TestFileSizeGrowsAfterCheckpoint(t *testing.T) {
	opts := smallOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	before, err := db.FileSize()
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := db.Insert(NewInt(int64(i)), NewInt(int64(i)), false); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := db.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	after, err := db.FileSize()
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if after <= before {
		t.Fatalf("expected data file to grow after checkpoint: before=%d after=%d", before, after)
	}
}

func TestOpenCreatesDataFileAtConfiguredPath(t *testing.T) {
	opts := smallOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	wantPath := filepath.Join(opts.FilePath, opts.FileName+".cdb")
	if db.handler.dataPath != wantPath {
		t.Fatalf("dataPath = %q, want %q", db.handler.dataPath, wantPath)
	}
}
