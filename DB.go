package corvus

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Open creates or opens a database at the path described by opts, replays
// any committed-but-uncheckpointed WAL frames, and - unless
// CheckpointInterval is negative - starts a background checkpoint ticker.
func Open(opts Options) (*DB, error) {
	cfg, opts := resolveConfig(opts)

	handler, rootPage, incompleteRecovery, err := openFileHandler(opts, cfg)
	if err != nil {
		return nil, err
	}
	if incompleteRecovery {
		fmt.Fprintln(os.Stderr, ErrWALRecoveryWarning)
	}

	db := &DB{
		opts:     opts,
		cfg:      handler.cfg,
		handler:  handler,
		rootPage: rootPage,
		txRoot:   rootPage,
	}
	db.autoCommit.set(opts.AutoCommit == nil || *opts.AutoCommit)

	if opts.CheckpointInterval >= 0 {
		interval := time.Duration(opts.CheckpointInterval) * time.Second
		if opts.CheckpointInterval == 0 {
			interval = defaultCheckpointInterval * time.Second
		}
		db.checkpointInterval = interval
		db.stopCheckpoint = make(chan struct{})
		db.checkpointWG.Add(1)
		go db.runCheckpointTicker()
	}

	return db, nil
}

func resolveConfig(opts Options) (TreeConfig, Options) {
	if opts.Order <= 0 {
		opts.Order = defaultOrder
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	opts.PageSize = nextPowerOfTwo(opts.PageSize)
	if opts.KeySize <= 0 {
		opts.KeySize = defaultKeySize
	}
	opts.KeySize = nextPowerOfTwo(opts.KeySize)
	if opts.ValueSize <= 0 {
		opts.ValueSize = defaultValueSize
	}
	opts.ValueSize = nextPowerOfTwo(opts.ValueSize)

	return TreeConfig{
		Order:     opts.Order,
		PageSize:  opts.PageSize,
		KeySize:   opts.KeySize,
		ValueSize: opts.ValueSize,
	}, opts
}

// runCheckpointTicker fires Checkpoint on a fixed interval until Close
// signals stopCheckpoint. Each tick runs Checkpoint synchronously, so ticks
// never overlap each other (time.Ticker drops ticks that arrive while one is
// still running); a tick that coincides with a manual Checkpoint call shares
// it via checkpointGroup.
func (db *DB) runCheckpointTicker() {
	defer db.checkpointWG.Done()

	ticker := time.NewTicker(db.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				fmt.Fprintf(os.Stderr, "corvus: background checkpoint failed: %v\n", err)
			}
		case <-db.stopCheckpoint:
			return
		}
	}
}

// Checkpoint drains committed WAL frames into the data file. Concurrent
// callers (a manual call racing the background ticker) share one
// in-flight checkpoint via singleflight rather than running twice.
func (db *DB) Checkpoint() error {
	if db.closed.get() {
		return ErrDatabaseClosed
	}

	_, err, _ := db.checkpointGroup.Do("checkpoint", func() (interface{}, error) {
		db.lock.Lock()
		defer db.lock.Unlock()
		return nil, db.handler.performCheckpoint()
	})
	return err
}

// FileSize returns the current on-disk size of the data file.
func (db *DB) FileSize() (int64, error) {
	if db.closed.get() {
		return 0, ErrDatabaseClosed
	}
	db.lock.RLock()
	defer db.lock.RUnlock()

	fi, err := db.handler.data.Stat()
	if err != nil {
		return 0, fmt.Errorf("corvus: stat data file: %w", err)
	}
	return fi.Size(), nil
}

// Close stops the background checkpoint ticker, performs a final
// checkpoint, and releases the data file, WAL file and advisory lock.
func (db *DB) Close() error {
	if !db.closed.get() {
		db.closed.set(true)
		if db.stopCheckpoint != nil {
			close(db.stopCheckpoint)
			db.checkpointWG.Wait()
		}
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	if err := db.handler.performCheckpoint(); err != nil {
		return err
	}
	return db.handler.close()
}

// Remove deletes the database's data and WAL files. The DB must already be
// closed.
func Remove(opts Options) error {
	dir := opts.FilePath
	if dir == "" {
		dir = "."
	}
	name := opts.FileName
	if name == "" {
		name = "corvus"
	}
	dataPath := filepath.Join(dir, name+".cdb")

	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("corvus: removing data file: %w", err)
	}
	if err := os.Remove(walPath(dataPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("corvus: removing wal file: %w", err)
	}
	return nil
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
