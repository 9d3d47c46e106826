package corvus

// RangeFunc is called for each key/value pair within a Range scan. Returning
// false stops the scan early without error.
type RangeFunc func(key, value Value) (cont bool, err error)

// Range scans every key in [start, end) in order, calling fn for each.
// Both start and end are serialized with the tree's key codec before
// comparison, so the scan follows the same byte ordering Insert/Get use.
func (db *DB) Range(start, end Value, fn RangeFunc) error {
	return db.readTxn(func() error {
		startBytes, err := Serialize(start, db.cfg.KeySize)
		if err != nil {
			return err
		}
		endBytes, err := Serialize(end, db.cfg.KeySize)
		if err != nil {
			return err
		}

		c := &Cursor{db: db}
		if err := c.seekTo(startBytes); err != nil {
			return err
		}

		for {
			key, value, ok, err := c.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}

			keyBytes, err := Serialize(key, db.cfg.KeySize)
			if err != nil {
				return err
			}
			if compareKeys(keyBytes, endBytes) >= 0 {
				return nil
			}

			cont, err := fn(key, value)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
	})
}
