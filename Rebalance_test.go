package corvus

import "testing"

func TestMaxMinPairsMatchOrderInvariant(t *testing.T) {
	cases := []struct {
		order   int
		wantMax int
		wantMin int
	}{
		{order: 4, wantMax: 4, wantMin: 2},
		{order: 3, wantMax: 3, wantMin: 2},
		{order: 5, wantMax: 5, wantMin: 3},
	}

	for _, c := range cases {
		cfg := TreeConfig{Order: c.order}
		if got := maxPairs(cfg); got != c.wantMax {
			t.Fatalf("maxPairs(Order=%d) = %d, want %d", c.order, got, c.wantMax)
		}
		if got := minPairs(cfg); got != c.wantMin {
			t.Fatalf("minPairs(Order=%d) = %d, want %d", c.order, got, c.wantMin)
		}
	}
}

func kvPair(n byte) pair { return pair{key: []byte{n}, value: []byte{n}} }

// TestResolveChildOverflowRotatesBeforeSplitting builds a tiny root{left,
// right} tree by hand, overflows left past maxPairs, and checks that
// resolveChildOverflow lends a pair to the non-full right sibling instead
// of allocating a new page for a split.
func TestResolveChildOverflowRotatesBeforeSplitting(t *testing.T) {
	opts := Options{FilePath: t.TempDir(), FileName: "rebalance", CacheSize: 32}
	// Small enough that a handful of 1-byte-key/value pairs never spill
	// into an overflow chain, so the only page allocations in play are
	// ones resolveChildOverflow itself might make for a split.
	cfg := TreeConfig{Order: 4, PageSize: 256, KeySize: 4, ValueSize: 4}

	fh, rootPage, _, err := openFileHandler(opts, cfg)
	if err != nil {
		t.Fatalf("openFileHandler: %v", err)
	}
	defer fh.close()

	left := &node{page: rootPage, pairs: []pair{kvPair(0), kvPair(1), kvPair(2), kvPair(3)}}
	right := &node{page: fh.allocatePage(), pairs: []pair{kvPair(8)}}
	root := &node{
		page:     fh.allocatePage(),
		pairs:    []pair{kvPair(5)},
		children: []uint32{left.page, right.page},
	}

	for _, n := range []*node{left, right, root} {
		if err := fh.setNode(n); err != nil {
			t.Fatalf("setNode(page %d): %v", n.page, err)
		}
	}

	pagesBefore := fh.nextPage

	left.insertPairAt(len(left.pairs), kvPair(4))
	if len(left.pairs) <= maxPairs(cfg) {
		t.Fatalf("test setup error: left has %d pairs, want more than maxPairs=%d", len(left.pairs), maxPairs(cfg))
	}
	if err := fh.setNode(left); err != nil {
		t.Fatalf("setNode overflowed left: %v", err)
	}

	if err := resolveChildOverflow(fh, root, 0, cfg); err != nil {
		t.Fatalf("resolveChildOverflow: %v", err)
	}

	if fh.nextPage != pagesBefore {
		t.Fatalf("resolveChildOverflow allocated a page (nextPage %d -> %d); expected a rotation, not a split", pagesBefore, fh.nextPage)
	}

	gotLeft, err := fh.getNode(left.page)
	if err != nil {
		t.Fatalf("getNode(left): %v", err)
	}
	gotRight, err := fh.getNode(right.page)
	if err != nil {
		t.Fatalf("getNode(right): %v", err)
	}

	if len(gotLeft.pairs) != 4 {
		t.Fatalf("left has %d pairs after rotation, want 4", len(gotLeft.pairs))
	}
	if len(gotRight.pairs) != 2 {
		t.Fatalf("right has %d pairs after rotation, want 2", len(gotRight.pairs))
	}
	if gotRight.pairs[0].key[0] != 5 || gotRight.pairs[1].key[0] != 8 {
		t.Fatalf("right pairs after rotation = %v, want [5 8]", gotRight.pairs)
	}
	if root.pairs[0].key[0] != 4 {
		t.Fatalf("root separator after rotation = %d, want 4", root.pairs[0].key[0])
	}
}

// TestResolveChildOverflowSplitsWhenSiblingsAreFull checks the fallback
// path: when neither sibling has room, the child is split and the parent
// gains a new separator and child page.
func TestResolveChildOverflowSplitsWhenSiblingsAreFull(t *testing.T) {
	opts := Options{FilePath: t.TempDir(), FileName: "rebalance-split", CacheSize: 32}
	cfg := TreeConfig{Order: 4, PageSize: 256, KeySize: 4, ValueSize: 4}

	fh, rootPage, _, err := openFileHandler(opts, cfg)
	if err != nil {
		t.Fatalf("openFileHandler: %v", err)
	}
	defer fh.close()

	left := &node{page: rootPage, pairs: []pair{kvPair(0), kvPair(1), kvPair(2), kvPair(3), kvPair(4)}}
	right := &node{page: fh.allocatePage(), pairs: []pair{kvPair(6), kvPair(7), kvPair(8), kvPair(9)}}
	root := &node{
		page:     fh.allocatePage(),
		pairs:    []pair{kvPair(5)},
		children: []uint32{left.page, right.page},
	}

	for _, n := range []*node{left, right, root} {
		if err := fh.setNode(n); err != nil {
			t.Fatalf("setNode(page %d): %v", n.page, err)
		}
	}

	pagesBefore := fh.nextPage

	if err := resolveChildOverflow(fh, root, 0, cfg); err != nil {
		t.Fatalf("resolveChildOverflow: %v", err)
	}

	if fh.nextPage != pagesBefore+1 {
		t.Fatalf("resolveChildOverflow allocated %d pages, want exactly 1 (the split's new right node)", fh.nextPage-pagesBefore)
	}
	if len(root.pairs) != 2 || len(root.children) != 3 {
		t.Fatalf("root after split = %d pairs / %d children, want 2/3", len(root.pairs), len(root.children))
	}
}
