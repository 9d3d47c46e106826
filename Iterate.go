package corvus

// Cursor walks the tree in key order. It holds a reader lock for its whole
// lifetime, so a long-lived cursor blocks writers the same way a long-lived
// read transaction would; callers should Close it promptly.
type Cursor struct {
	db     *DB
	stack  []cursorFrame
	closed bool
}

type cursorFrame struct {
	n *node
	i int
}

// NewCursor opens a cursor positioned before the first key.
func NewCursor(db *DB) (*Cursor, error) {
	if db.closed.get() {
		return nil, ErrDatabaseClosed
	}
	db.lock.RLock()

	c := &Cursor{db: db}
	if err := c.pushLeftmost(db.rootPage); err != nil {
		db.lock.RUnlock()
		return nil, err
	}
	return c, nil
}

func (c *Cursor) pushLeftmost(page uint32) error {
	for {
		n, err := c.db.handler.getNode(page)
		if err != nil {
			return err
		}
		c.stack = append(c.stack, cursorFrame{n: n, i: 0})
		if n.isLeaf() {
			return nil
		}
		page = n.children[0]
	}
}

// Next advances the cursor and returns the next key/value pair in order.
// ok is false once the cursor is exhausted.
func (c *Cursor) Next() (key Value, value Value, ok bool, err error) {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]

		if top.i >= len(top.n.pairs) {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}

		p := top.n.pairs[top.i]
		top.i++
		if !top.n.isLeaf() {
			if err := c.pushLeftmost(top.n.children[top.i]); err != nil {
				return Value{}, Value{}, false, err
			}
		}

		k, err := Deserialize(p.keyType, p.key)
		if err != nil {
			return Value{}, Value{}, false, err
		}
		v, err := Deserialize(p.valueType, p.value)
		if err != nil {
			return Value{}, Value{}, false, err
		}
		return k, v, true, nil
	}
	return Value{}, Value{}, false, nil
}

// Close releases the cursor's reader lock. Safe to call more than once.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.db.lock.RUnlock()
	return nil
}

// seekTo advances the cursor past every key strictly less than target,
// descending rather than scanning linearly from the root each time Range
// needs a starting point.
func (c *Cursor) seekTo(target []byte) error {
	c.stack = c.stack[:0]
	return c.seekFrom(c.db.rootPage, target)
}

func (c *Cursor) seekFrom(page uint32, target []byte) error {
	n, err := c.db.handler.getNode(page)
	if err != nil {
		return err
	}

	idx, found := n.search(target)
	c.stack = append(c.stack, cursorFrame{n: n, i: idx})
	if found {
		return nil
	}
	if n.isLeaf() {
		return nil
	}
	return c.seekFrom(n.children[idx], target)
}
