package corvus

// BatchEntry is one key/value pair submitted to BatchInsert.
type BatchEntry struct {
	Key      Value
	Value    Value
	Override bool
}

// Stats is a point-in-time diagnostic snapshot, not a metrics feed: it's a
// single in-process read, with nothing exported or served over the
// network.
type Stats struct {
	Height        int
	AllocatedPages int
	FreePages      int
}

// Insert adds key/value to the tree. If key already exists, Insert fails
// with ErrDuplicateKey unless override is true, in which case the existing
// value is replaced.
func (db *DB) Insert(key, value Value, override bool) error {
	return db.writeTxn(func() error {
		return db.insertLocked(key, value, override)
	})
}

func (db *DB) insertLocked(key, value Value, override bool) error {
	keyBytes, err := Serialize(key, db.cfg.KeySize)
	if err != nil {
		return err
	}
	valBytes, err := Serialize(value, db.cfg.ValueSize)
	if err != nil {
		return err
	}
	p := pair{key: keyBytes, keyType: key.Tag, value: valBytes, valueType: value.Tag}

	root := db.txRoot
	rootNode, err := db.handler.getNode(root)
	if err != nil {
		return err
	}

	overflowed, duplicate, err := insertRecursive(db.handler, rootNode, p, override, db.cfg)
	if err != nil {
		return err
	}
	if duplicate {
		return ErrDuplicateKey
	}

	if overflowed {
		promoted, right, err := splitRoot(db.handler, rootNode)
		if err != nil {
			return err
		}
		if err := db.handler.setNode(rootNode); err != nil {
			return err
		}
		if err := db.handler.setNode(right); err != nil {
			return err
		}
		newRoot := &node{page: db.handler.allocatePage(), pairs: []pair{promoted}, children: []uint32{root, right.page}}
		if err := db.handler.setNode(newRoot); err != nil {
			return err
		}
		db.txRoot = newRoot.page
	}
	return nil
}

// BatchInsert applies every entry within a single writer transaction: if
// auto-commit is enabled, either all entries land in one commit frame or
// none do.
func (db *DB) BatchInsert(entries []BatchEntry) error {
	return db.writeTxn(func() error {
		for _, e := range entries {
			if err := db.insertLocked(e.Key, e.Value, e.Override); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (db *DB) Get(key Value) (Value, error) {
	var result Value
	err := db.readTxn(func() error {
		keyBytes, err := Serialize(key, db.cfg.KeySize)
		if err != nil {
			return err
		}
		p, found, err := lookup(db.handler, db.rootPage, keyBytes)
		if err != nil {
			return err
		}
		if !found {
			return ErrKeyNotFound
		}
		v, err := Deserialize(p.valueType, p.value)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// BatchGet looks up every key under a single reader transaction, returning
// a parallel slice of errors so a missing key doesn't abort the rest of
// the batch.
func (db *DB) BatchGet(keys []Value) ([]Value, []error) {
	values := make([]Value, len(keys))
	errs := make([]error, len(keys))

	_ = db.readTxn(func() error {
		for i, key := range keys {
			keyBytes, err := Serialize(key, db.cfg.KeySize)
			if err != nil {
				errs[i] = err
				continue
			}
			p, found, err := lookup(db.handler, db.rootPage, keyBytes)
			if err != nil {
				errs[i] = err
				continue
			}
			if !found {
				errs[i] = ErrKeyNotFound
				continue
			}
			v, err := Deserialize(p.valueType, p.value)
			if err != nil {
				errs[i] = err
				continue
			}
			values[i] = v
		}
		return nil
	})

	return values, errs
}

// Has reports whether key exists, without paying for a value deserialize.
func (db *DB) Has(key Value) (bool, error) {
	found := false
	err := db.readTxn(func() error {
		keyBytes, err := Serialize(key, db.cfg.KeySize)
		if err != nil {
			return err
		}
		_, ok, err := lookup(db.handler, db.rootPage, keyBytes)
		found = ok
		return err
	})
	return found, err
}

// Remove deletes key from the tree. It fails with ErrKeyNotFound if key
// isn't present.
func (db *DB) Remove(key Value) error {
	return db.writeTxn(func() error {
		keyBytes, err := Serialize(key, db.cfg.KeySize)
		if err != nil {
			return err
		}

		root := db.txRoot
		rootNode, err := db.handler.getNode(root)
		if err != nil {
			return err
		}

		_, removed, err := removeRecursive(db.handler, rootNode, keyBytes, db.cfg)
		if err != nil {
			return err
		}
		if !removed {
			return ErrKeyNotFound
		}

		rootNode, err = db.handler.getNode(root)
		if err != nil {
			return err
		}
		if !rootNode.isLeaf() && len(rootNode.pairs) == 0 {
			newRootPage := rootNode.children[0]
			if err := db.handler.deleteNode(rootNode); err != nil {
				return err
			}
			db.txRoot = newRootPage
		}
		return nil
	})
}

// Stats reports tree height and page accounting for diagnostics.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.readTxn(func() error {
		height := 0
		page := db.rootPage
		for {
			n, err := db.handler.getNode(page)
			if err != nil {
				return err
			}
			height++
			if n.isLeaf() {
				break
			}
			page = n.children[0]
		}
		allocated, free := db.handler.stats()
		s = Stats{Height: height, AllocatedPages: allocated, FreePages: free}
		return nil
	})
	return s, err
}
