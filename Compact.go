package corvus

import (
	"fmt"
	"os"
)

// Vacuum rewrites the database into a fresh file and swaps it in,
// discarding deprecated pages, stale overflow chains and any accumulated
// freelist fragmentation. It holds the writer lock for its entire
// duration: a vacuum is not meant to run alongside normal traffic.
func (db *DB) Vacuum() error {
	if db.closed.get() {
		return ErrDatabaseClosed
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	tmpOpts := db.opts
	tmpOpts.FileName = vacuumFileName(db.opts.FileName)

	fresh, freshRoot, _, err := openFileHandler(tmpOpts, db.cfg)
	if err != nil {
		return fmt.Errorf("corvus: opening vacuum target: %w", err)
	}

	err = collectAll(db.handler, db.rootPage, func(p pair) error {
		root, err := fresh.getNode(freshRoot)
		if err != nil {
			return err
		}
		overflowed, _, err := insertRecursive(fresh, root, p, true, db.cfg)
		if err != nil {
			return err
		}
		if overflowed {
			promoted, right, err := splitRoot(fresh, root)
			if err != nil {
				return err
			}
			if err := fresh.setNode(root); err != nil {
				return err
			}
			if err := fresh.setNode(right); err != nil {
				return err
			}
			newRoot := &node{page: fresh.allocatePage(), pairs: []pair{promoted}, children: []uint32{freshRoot, right.page}}
			if err := fresh.setNode(newRoot); err != nil {
				return err
			}
			freshRoot = newRoot.page
		}
		return nil
	})
	if err != nil {
		fresh.close()
		os.Remove(fresh.dataPath)
		os.Remove(walPath(fresh.dataPath))
		return fmt.Errorf("corvus: rewriting tree during vacuum: %w", err)
	}

	if err := fresh.setMeta(freshRoot, db.cfg); err != nil {
		return err
	}
	if err := fresh.commit(); err != nil {
		return err
	}
	if err := fresh.performCheckpoint(); err != nil {
		return err
	}

	freshDataPath := fresh.dataPath
	freshWALPath := walPath(freshDataPath)
	if err := fresh.close(); err != nil {
		return fmt.Errorf("corvus: closing vacuum target: %w", err)
	}

	oldDataPath := db.handler.dataPath
	oldWALPath := walPath(oldDataPath)
	if err := db.handler.close(); err != nil {
		return fmt.Errorf("corvus: closing current file handler: %w", err)
	}

	if err := os.Rename(freshDataPath, oldDataPath); err != nil {
		return fmt.Errorf("corvus: swapping in vacuumed data file: %w", err)
	}
	os.Remove(oldWALPath)
	// fresh was checkpointed before closing, so its WAL was already unlinked
	// (see wal.reset) and there's nothing durable left in it to carry over.
	if _, err := os.Stat(freshWALPath); err == nil {
		if err := os.Rename(freshWALPath, oldWALPath); err != nil {
			return fmt.Errorf("corvus: swapping in vacuumed wal file: %w", err)
		}
	}

	reopened, rootPage, _, err := openFileHandler(db.opts, db.cfg)
	if err != nil {
		return fmt.Errorf("corvus: reopening after vacuum: %w", err)
	}
	db.handler = reopened
	db.rootPage = rootPage
	db.txRoot = rootPage
	return nil
}

func vacuumFileName(name string) string {
	if name == "" {
		name = "corvus"
	}
	return name + ".vacuum"
}

// collectAll walks the tree in order, including the real pairs held
// directly in branch nodes (corvus is a B-tree, not a B+-tree, so a pair
// can live at any level), invoking emit for each.
func collectAll(fh *fileHandler, page uint32, emit func(pair) error) error {
	n, err := fh.getNode(page)
	if err != nil {
		return err
	}

	if n.isLeaf() {
		for _, p := range n.pairs {
			if err := emit(p); err != nil {
				return err
			}
		}
		return nil
	}

	for i, child := range n.children {
		if err := collectAll(fh, child, emit); err != nil {
			return err
		}
		if i < len(n.pairs) {
			if err := emit(n.pairs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
