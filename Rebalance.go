package corvus

import "bytes"

// maxPairs and minPairs derive the B-tree fan-out bounds from the configured
// Order: a node may hold at most Order pairs, and - aside from the root -
// must hold at least ceil(Order/2).
func maxPairs(cfg TreeConfig) int { return cfg.Order }
func minPairs(cfg TreeConfig) int { return (cfg.Order + 1) / 2 }

// lookup walks down from page searching for key, following the real
// key/value pairs stored directly in branch nodes (this is a B-tree, not a
// B+-tree: a hit can terminate at any level, not just at a leaf).
func lookup(fh *fileHandler, page uint32, key []byte) (pair, bool, error) {
	for {
		n, err := fh.getNode(page)
		if err != nil {
			return pair{}, false, err
		}

		idx, found := n.search(key)
		if found {
			return n.pairs[idx], true, nil
		}
		if n.isLeaf() {
			return pair{}, false, nil
		}
		page = n.children[idx]
	}
}

// findLeftmost descends via the first child at every level until it
// reaches a leaf, returning that leaf's first pair - the minimum key of
// the subtree rooted at page.
func findLeftmost(fh *fileHandler, page uint32) (pair, error) {
	n, err := fh.getNode(page)
	if err != nil {
		return pair{}, err
	}
	if n.isLeaf() {
		return n.pairs[0], nil
	}
	return findLeftmost(fh, n.children[0])
}

// insertRecursive walks down to the insertion point, inserts or updates p,
// and resolves any resulting overflow on the way back up - the recursion's
// own stack frames serve as the path memoization the descent needs, so no
// separate path array is kept.
//
// Returns overflowed (true if n now holds more than maxPairs pairs - a
// caller holding n's parent resolves it via resolveChildOverflow, and the
// top-level caller resolves an overflowing root via splitRoot) and
// duplicate (true if the key already existed and override was false).
func insertRecursive(fh *fileHandler, n *node, p pair, override bool, cfg TreeConfig) (overflowed bool, duplicate bool, err error) {
	idx, found := n.search(p.key)

	if found {
		if !override {
			return false, true, nil
		}
		n.pairs[idx] = p
		return false, false, fh.setNode(n)
	}

	if n.isLeaf() {
		n.insertPairAt(idx, p)
		if err := fh.setNode(n); err != nil {
			return false, false, err
		}
		return len(n.pairs) > maxPairs(cfg), false, nil
	}

	child, err := fh.getNode(n.children[idx])
	if err != nil {
		return false, false, err
	}

	childOverflow, dup, err := insertRecursive(fh, child, p, override, cfg)
	if err != nil || dup {
		return false, dup, err
	}

	if childOverflow {
		if err := resolveChildOverflow(fh, n, idx, cfg); err != nil {
			return false, false, err
		}
	}

	return len(n.pairs) > maxPairs(cfg), false, nil
}

// resolveChildOverflow fixes parent.children[childIdx] holding more than
// maxPairs pairs: it first tries a lateral rotation of one pair through
// parent to a non-full sibling (no page allocation, no split bookkeeping),
// falling back to a split only when neither sibling has room.
func resolveChildOverflow(fh *fileHandler, parent *node, childIdx int, cfg TreeConfig) error {
	max := maxPairs(cfg)

	if childIdx > 0 {
		leftSib, err := fh.getNode(parent.children[childIdx-1])
		if err != nil {
			return err
		}
		if len(leftSib.pairs) < max {
			return rotateToLeftSibling(fh, parent, childIdx, leftSib)
		}
	}

	if childIdx < len(parent.children)-1 {
		rightSib, err := fh.getNode(parent.children[childIdx+1])
		if err != nil {
			return err
		}
		if len(rightSib.pairs) < max {
			return rotateToRightSibling(fh, parent, childIdx, rightSib)
		}
	}

	return splitChild(fh, parent, childIdx)
}

// rotateToLeftSibling lends child's leftmost pair up through parent: the
// separator between leftSib and child moves down onto leftSib's end, and
// child's leftmost pair takes its place as the new separator.
func rotateToLeftSibling(fh *fileHandler, parent *node, childIdx int, leftSib *node) error {
	child, err := fh.getNode(parent.children[childIdx])
	if err != nil {
		return err
	}

	leftSib.appendPair(parent.pairs[childIdx-1])
	parent.pairs[childIdx-1] = child.popFirstPair()

	if !child.isLeaf() {
		leftSib.appendChild(child.popFirstChild())
	}

	if err := fh.setNode(leftSib); err != nil {
		return err
	}
	if err := fh.setNode(child); err != nil {
		return err
	}
	return fh.setNode(parent)
}

// rotateToRightSibling is the mirror of rotateToLeftSibling: child's
// rightmost pair moves up to become the new separator, and the old
// separator moves down onto rightSib's front.
func rotateToRightSibling(fh *fileHandler, parent *node, childIdx int, rightSib *node) error {
	child, err := fh.getNode(parent.children[childIdx])
	if err != nil {
		return err
	}

	rightSib.insertPairAt(0, parent.pairs[childIdx])
	parent.pairs[childIdx] = child.popLastPair()

	if !child.isLeaf() {
		rightSib.insertChildAt(0, child.popLastChild())
	}

	if err := fh.setNode(rightSib); err != nil {
		return err
	}
	if err := fh.setNode(child); err != nil {
		return err
	}
	return fh.setNode(parent)
}

// splitChild divides parent.children[childIdx] at its midpoint and inserts
// the promoted middle pair and new right sibling into parent. The middle
// pair moves up rather than being copied down, since corvus keeps real
// pairs in branch nodes and has no leaf-level sibling chain to maintain.
func splitChild(fh *fileHandler, parent *node, childIdx int) error {
	child, err := fh.getNode(parent.children[childIdx])
	if err != nil {
		return err
	}

	mid := len(child.pairs) / 2
	promoted := child.pairs[mid]

	right := &node{page: fh.allocatePage()}
	right.pairs = append(right.pairs, child.pairs[mid+1:]...)
	child.pairs = child.pairs[:mid]

	if !child.isLeaf() {
		right.children = append(right.children, child.children[mid+1:]...)
		child.children = child.children[:mid+1]
	}

	parent.insertPairAt(childIdx, promoted)
	parent.insertChildAt(childIdx+1, right.page)

	if err := fh.setNode(child); err != nil {
		return err
	}
	if err := fh.setNode(right); err != nil {
		return err
	}
	return fh.setNode(parent)
}

// splitRoot divides an overfull root at its midpoint, for use only by a
// top-level caller when the root itself overflows and has no parent to
// rotate a pair through - the one case resolveChildOverflow can't handle.
func splitRoot(fh *fileHandler, n *node) (promoted pair, right *node, err error) {
	mid := len(n.pairs) / 2
	promoted = n.pairs[mid]

	right = &node{page: fh.allocatePage()}
	right.pairs = append(right.pairs, n.pairs[mid+1:]...)
	n.pairs = n.pairs[:mid]

	if !n.isLeaf() {
		right.children = append(right.children, n.children[mid+1:]...)
		n.children = n.children[:mid+1]
	}

	return promoted, right, nil
}

// removeRecursive walks down to key, removes it, and rebalances any
// resulting underflow on the way back up. Returns underflow (true if n now
// holds fewer than minPairs; the top-level caller ignores it for the root)
// and removed (false if key was never present).
func removeRecursive(fh *fileHandler, n *node, key []byte, cfg TreeConfig) (underflow bool, removed bool, err error) {
	idx, found := n.search(key)

	if found {
		if n.isLeaf() {
			n.removePairAt(idx)
		} else {
			successor, err := findLeftmost(fh, n.children[idx+1])
			if err != nil {
				return false, false, err
			}
			n.pairs[idx] = successor

			child, err := fh.getNode(n.children[idx+1])
			if err != nil {
				return false, false, err
			}
			childUnderflow, _, err := removeRecursive(fh, child, successor.key, cfg)
			if err != nil {
				return false, false, err
			}
			if childUnderflow {
				if err := resolveChildUnderflow(fh, n, idx+1, cfg); err != nil {
					return false, false, err
				}
			}
		}

		if err := fh.setNode(n); err != nil {
			return false, false, err
		}
		return len(n.pairs) < minPairs(cfg), true, nil
	}

	if n.isLeaf() {
		return false, false, nil
	}

	child, err := fh.getNode(n.children[idx])
	if err != nil {
		return false, false, err
	}
	childUnderflow, removed, err := removeRecursive(fh, child, key, cfg)
	if err != nil || !removed {
		return false, removed, err
	}

	if childUnderflow {
		if err := resolveChildUnderflow(fh, n, idx, cfg); err != nil {
			return false, false, err
		}
	}
	if err := fh.setNode(n); err != nil {
		return false, false, err
	}
	return len(n.pairs) < minPairs(cfg), true, nil
}

// resolveChildUnderflow fixes parent.children[childIdx] holding fewer than
// minPairs pairs, preferring a borrow from either sibling (no page
// allocation, no merge bookkeeping) and falling back to a merge.
func resolveChildUnderflow(fh *fileHandler, parent *node, childIdx int, cfg TreeConfig) error {
	min := minPairs(cfg)

	if childIdx > 0 {
		leftSib, err := fh.getNode(parent.children[childIdx-1])
		if err != nil {
			return err
		}
		if len(leftSib.pairs) > min {
			return borrowFromLeft(fh, parent, childIdx, leftSib)
		}
	}

	if childIdx < len(parent.children)-1 {
		rightSib, err := fh.getNode(parent.children[childIdx+1])
		if err != nil {
			return err
		}
		if len(rightSib.pairs) > min {
			return borrowFromRight(fh, parent, childIdx, rightSib)
		}
	}

	if childIdx < len(parent.children)-1 {
		return mergeNodes(fh, parent, childIdx)
	}
	return mergeNodes(fh, parent, childIdx-1)
}

func borrowFromLeft(fh *fileHandler, parent *node, childIdx int, leftSib *node) error {
	child, err := fh.getNode(parent.children[childIdx])
	if err != nil {
		return err
	}

	borrowed := leftSib.popLastPair()
	child.insertPairAt(0, parent.pairs[childIdx-1])
	parent.pairs[childIdx-1] = borrowed

	if !child.isLeaf() {
		child.insertChildAt(0, leftSib.popLastChild())
	}

	if err := fh.setNode(leftSib); err != nil {
		return err
	}
	return fh.setNode(child)
}

func borrowFromRight(fh *fileHandler, parent *node, childIdx int, rightSib *node) error {
	child, err := fh.getNode(parent.children[childIdx])
	if err != nil {
		return err
	}

	borrowed := rightSib.popFirstPair()
	child.appendPair(parent.pairs[childIdx])
	parent.pairs[childIdx] = borrowed

	if !child.isLeaf() {
		child.appendChild(rightSib.popFirstChild())
	}

	if err := fh.setNode(rightSib); err != nil {
		return err
	}
	return fh.setNode(child)
}

// mergeNodes absorbs parent.children[leftIdx+1] into parent.children[leftIdx],
// pulling the separating pair down from parent, then frees the absorbed
// node's pages and removes the now-redundant separator and child pointer.
func mergeNodes(fh *fileHandler, parent *node, leftIdx int) error {
	left, err := fh.getNode(parent.children[leftIdx])
	if err != nil {
		return err
	}
	right, err := fh.getNode(parent.children[leftIdx+1])
	if err != nil {
		return err
	}

	left.appendPair(parent.pairs[leftIdx])
	left.pairs = append(left.pairs, right.pairs...)
	if !left.isLeaf() {
		left.children = append(left.children, right.children...)
	}
	if err := fh.deleteNode(right); err != nil {
		return err
	}
	parent.removePairAt(leftIdx)
	parent.removeChildAt(leftIdx + 1)

	return fh.setNode(left)
}

// compareKeys is a small helper kept for callers outside this file that
// need the same ordering the node search uses.
func compareKeys(a, b []byte) int { return bytes.Compare(a, b) }
