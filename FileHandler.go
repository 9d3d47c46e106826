package corvus

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// fileHandler is the file handler (C5): the single owner of the data file,
// the WAL, the page cache and the freelist. Callers serialize access
// themselves (DB.lock); fileHandler assumes at most one writer at a time.
type fileHandler struct {
	dataPath string
	data     *os.File
	wal      *wal
	cache    pageCache
	cfg      TreeConfig

	flockHandle io.Closer
	pagePool    *sync.Pool

	mu        sync.Mutex
	nextPage  uint32
	freelist  []uint32
}

// openFileHandler opens (or creates) the data file and its WAL, recovers
// any committed-but-uncheckpointed frames into the read path, loads the
// metadata page, and performs the freelist scan described by spec.md's
// open sequence. If the file is new, cfg and rootPage seed a fresh page 0.
func openFileHandler(opts Options, cfg TreeConfig) (fh *fileHandler, rootPage uint32, recoveredWarning bool, err error) {
	dir := opts.FilePath
	if dir == "" {
		dir = "."
	}
	name := opts.FileName
	if name == "" {
		name = "corvus"
	}
	dataPath := filepath.Join(dir, name+".cdb")

	isNew := false
	if _, statErr := os.Stat(dataPath); os.IsNotExist(statErr) {
		isNew = true
	}

	data, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, 0, false, fmt.Errorf("corvus: opening data file: %w", err)
	}

	lockHandle, err := lockFile(data)
	if err != nil {
		data.Close()
		return nil, 0, false, fmt.Errorf("corvus: acquiring advisory lock: %w", err)
	}

	w, incomplete, err := openWAL(walPath(dataPath), cfg.PageSize)
	if err != nil {
		lockHandle.Close()
		data.Close()
		return nil, 0, false, err
	}

	fh = &fileHandler{
		dataPath:    dataPath,
		data:        data,
		wal:         w,
		cache:       newCache(opts.CacheSize),
		flockHandle: lockHandle,
	}

	if isNew {
		if err := data.Truncate(int64(cfg.PageSize)); err != nil {
			return nil, 0, false, fmt.Errorf("corvus: sizing metadata page: %w", err)
		}
		rootPage = 1
		fh.cfg = cfg
		fh.pagePool = newPagePool(cfg.PageSize)
		fh.nextPage = 2
		if err := fh.setMeta(rootPage, cfg); err != nil {
			return nil, 0, false, err
		}
		root := &node{page: rootPage}
		if err := fh.setNode(root); err != nil {
			return nil, 0, false, err
		}
		if err := fh.commit(); err != nil {
			return nil, 0, false, err
		}
	} else {
		rootPage, fh.cfg, err = fh.getMeta()
		if err != nil {
			return nil, 0, false, err
		}
		fh.pagePool = newPagePool(fh.cfg.PageSize)
		if err := fh.scanFreelist(); err != nil {
			return nil, 0, false, err
		}
	}

	return fh, rootPage, incomplete, nil
}

// getMeta reads page 0 directly from the data file, bypassing cache and
// WAL: metadata is never staged through the log, so it's always
// consistent on disk the moment setMeta returns.
func (fh *fileHandler) getMeta() (uint32, TreeConfig, error) {
	buf := make([]byte, metaHeaderSize)
	if _, err := fh.data.ReadAt(buf, 0); err != nil {
		return 0, TreeConfig{}, fmt.Errorf("corvus: reading metadata page: %w", err)
	}

	rootPage := binary.BigEndian.Uint32(buf[metaRootPageOffset:])
	order := int(buf[metaOrderOffset])
	pageSize := int(buf[metaPageSizeOffset])<<16 | int(buf[metaPageSizeOffset+1])<<8 | int(buf[metaPageSizeOffset+2])
	keySize := int(binary.BigEndian.Uint16(buf[metaKeySizeOffset:]))
	valueSize := int(binary.BigEndian.Uint32(buf[metaValueSizeOffset:]))

	return rootPage, TreeConfig{Order: order, PageSize: pageSize, KeySize: keySize, ValueSize: valueSize}, nil
}

// setMeta writes page 0 directly and fsyncs before returning, per spec.md's
// distinction between metadata writes (direct, fsync'd) and node writes
// (staged through the WAL).
func (fh *fileHandler) setMeta(rootPage uint32, cfg TreeConfig) error {
	buf := make([]byte, fh.pageSizeOrDefault(cfg))
	binary.BigEndian.PutUint32(buf[metaRootPageOffset:], rootPage)
	buf[metaOrderOffset] = byte(cfg.Order)
	buf[metaPageSizeOffset] = byte(cfg.PageSize >> 16)
	buf[metaPageSizeOffset+1] = byte(cfg.PageSize >> 8)
	buf[metaPageSizeOffset+2] = byte(cfg.PageSize)
	binary.BigEndian.PutUint16(buf[metaKeySizeOffset:], uint16(cfg.KeySize))
	binary.BigEndian.PutUint32(buf[metaValueSizeOffset:], uint32(cfg.ValueSize))

	if _, err := fh.data.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("corvus: writing metadata page: %w", err)
	}
	if err := fh.data.Sync(); err != nil {
		return fmt.Errorf("corvus: fsyncing metadata page: %w", err)
	}
	fh.cfg = cfg
	return nil
}

func (fh *fileHandler) pageSizeOrDefault(cfg TreeConfig) int {
	if cfg.PageSize > 0 {
		return cfg.PageSize
	}
	return fh.cfg.PageSize
}

// readPageRaw resolves a page's current bytes from the WAL, falling back to
// the data file. It does not consult the node cache; getNode does that
// before calling it.
func (fh *fileHandler) readPageRaw(page uint32) ([]byte, error) {
	if data, ok, err := fh.wal.readPage(page); err != nil {
		return nil, err
	} else if ok {
		return data, nil
	}

	buf := make([]byte, fh.cfg.PageSize)
	off := int64(page) * int64(fh.cfg.PageSize)
	n, err := fh.data.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("corvus: reading page %d: %w", page, err)
	}
	if n < len(buf) {
		return nil, fmt.Errorf("%w: page %d not fully written", ErrCorruptData, page)
	}
	return buf, nil
}

// getNode loads a node's head page and, if it chains, every overflow page,
// caching the assembled result.
func (fh *fileHandler) getNode(page uint32) (*node, error) {
	if n, ok := fh.cache.get(page); ok {
		return n, nil
	}

	head, err := fh.readPageRaw(page)
	if err != nil {
		return nil, err
	}

	var overflowPayload []byte
	next := binary.BigEndian.Uint32(head[PageTypeSize+NodeLenSize+NodeLenSize:])
	for next != freePage {
		raw, err := fh.readPageRaw(next)
		if err != nil {
			return nil, err
		}
		if raw[0] != pageOverflow {
			return nil, fmt.Errorf("%w: page %d expected OVERFLOW, has type %d", ErrCorruptData, next, raw[0])
		}
		chunkLen := uint24(raw[PageTypeSize:])
		nextLink := binary.BigEndian.Uint32(raw[PageTypeSize+PageLengthSize:])
		if int(chunkLen) > len(raw)-overflowHeaderSize {
			return nil, fmt.Errorf("%w: page %d overflow chunk longer than page", ErrCorruptData, next)
		}
		overflowPayload = append(overflowPayload, raw[overflowHeaderSize:overflowHeaderSize+int(chunkLen)]...)
		next = nextLink
	}

	n, err := loadNode(page, head, overflowPayload, fh.cfg)
	if err != nil {
		return nil, err
	}
	fh.cache.put(page, n)
	return n, nil
}

// setNode serializes n, splitting the payload across a head page and as
// many freshly-allocated overflow pages as needed, and stages every page
// through the WAL. Any overflow pages the node previously used are
// deprecated after the new chain has been written; setNode always rewrites
// the whole chain rather than patching it, keeping the split/merge
// bubble-up logic free of partial-chain bookkeeping.
func (fh *fileHandler) setNode(n *node) error {
	oldOverflow := n.nextOverflow

	payload := n.payload(fh.cfg.KeySize, fh.cfg.ValueSize)
	pairsLen := len(n.pairs) * pairSlotSize(fh.cfg.KeySize, fh.cfg.ValueSize)
	childrenLen := len(n.children) * PageAddrSize

	headCapacity := fh.cfg.PageSize - nodeHeaderSize
	headChunk := payload
	var rest []byte
	if len(payload) > headCapacity {
		headChunk = payload[:headCapacity]
		rest = payload[headCapacity:]
	}

	overflowChunkCapacity := fh.cfg.PageSize - overflowHeaderSize
	var chunks [][]byte
	for len(rest) > 0 {
		end := overflowChunkCapacity
		if end > len(rest) {
			end = len(rest)
		}
		chunks = append(chunks, rest[:end])
		rest = rest[end:]
	}

	overflowPages := make([]uint32, len(chunks))
	for i := range chunks {
		overflowPages[i] = fh.allocatePage()
	}

	firstOverflow := freePage
	if len(overflowPages) > 0 {
		firstOverflow = overflowPages[0]
	}

	head := fh.getPageBuf()
	head[0] = pageNormal
	binary.BigEndian.PutUint16(head[PageTypeSize:], uint16(pairsLen))
	binary.BigEndian.PutUint16(head[PageTypeSize+NodeLenSize:], uint16(childrenLen))
	binary.BigEndian.PutUint32(head[PageTypeSize+NodeLenSize+NodeLenSize:], firstOverflow)
	copy(head[nodeHeaderSize:], headChunk)

	walErr := fh.wal.setPage(n.page, head)
	fh.putPageBuf(head)
	if walErr != nil {
		return walErr
	}

	for i, chunk := range chunks {
		next := freePage
		if i+1 < len(overflowPages) {
			next = overflowPages[i+1]
		}
		buf := fh.getPageBuf()
		buf[0] = pageOverflow
		putUint24(buf[PageTypeSize:], uint32(len(chunk)))
		binary.BigEndian.PutUint32(buf[PageTypeSize+PageLengthSize:], next)
		copy(buf[overflowHeaderSize:], chunk)
		walErr := fh.wal.setPage(overflowPages[i], buf)
		fh.putPageBuf(buf)
		if walErr != nil {
			return walErr
		}
	}

	if oldOverflow != freePage && oldOverflow != firstOverflow {
		if err := fh.deprecateChain(oldOverflow); err != nil {
			return err
		}
	}

	n.nextOverflow = firstOverflow
	fh.cache.put(n.page, n)
	return nil
}

// deprecateChain walks an overflow chain marking every page DEPRECATED and
// returning it to the freelist. Used both when setNode replaces a node's
// previous overflow chain and when a node itself is deleted.
func (fh *fileHandler) deprecateChain(page uint32) error {
	for page != freePage {
		raw, err := fh.readPageRaw(page)
		if err != nil {
			return err
		}
		next := binary.BigEndian.Uint32(raw[PageTypeSize+PageLengthSize:])
		if err := fh.deprecatePage(page); err != nil {
			return err
		}
		page = next
	}
	return nil
}

// deprecatePage marks page as free: a DEPRECATED type tag staged through
// the WAL, and an entry in the in-memory freelist for reuse.
func (fh *fileHandler) deprecatePage(page uint32) error {
	buf := fh.getPageBuf()
	buf[0] = pageDeprecated
	walErr := fh.wal.setPage(page, buf)
	fh.putPageBuf(buf)
	if walErr != nil {
		return walErr
	}
	fh.cache.delete(page)

	fh.mu.Lock()
	fh.freelist = insertSorted(fh.freelist, page)
	fh.mu.Unlock()
	return nil
}

// deleteNode deprecates a node's head page and its whole overflow chain.
func (fh *fileHandler) deleteNode(n *node) error {
	if n.nextOverflow != freePage {
		if err := fh.deprecateChain(n.nextOverflow); err != nil {
			return err
		}
	}
	return fh.deprecatePage(n.page)
}

// allocatePage returns a page number to write a new node or overflow chunk
// into, preferring a deprecated page over growing the file.
func (fh *fileHandler) allocatePage() uint32 {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	if len(fh.freelist) > 0 {
		p := fh.freelist[0]
		fh.freelist = fh.freelist[1:]
		return p
	}

	p := fh.nextPage
	fh.nextPage++
	return p
}

// scanFreelist performs the linear scan over page-type bytes described by
// spec.md's open sequence, determining each page's current type through
// the same cache-then-WAL-then-file precedence ordinary reads use (the
// cache starts empty, so in practice this is WAL-then-file), and also
// establishes the file handler's high-water page-number mark.
func (fh *fileHandler) scanFreelist() error {
	fi, err := fh.data.Stat()
	if err != nil {
		return fmt.Errorf("corvus: stat data file: %w", err)
	}
	filePageCount := uint32(fi.Size() / int64(fh.cfg.PageSize))

	high := filePageCount
	for p := range fh.wal.committed {
		if p+1 > high {
			high = p + 1
		}
	}
	fh.nextPage = high
	if fh.nextPage < 1 {
		fh.nextPage = 1
	}

	seen := make(map[uint32]bool, fh.nextPage)
	for p := uint32(1); p < filePageCount; p++ {
		seen[p] = true
	}
	for p := range fh.wal.committed {
		seen[p] = true
	}

	var free []uint32
	for p := range seen {
		raw, err := fh.readPageRaw(p)
		if err != nil {
			return err
		}
		if raw[0] == pageDeprecated {
			free = append(free, p)
		}
	}
	sort.Slice(free, func(i, j int) bool { return free[i] < free[j] })
	fh.freelist = free
	return nil
}

func insertSorted(list []uint32, v uint32) []uint32 {
	idx := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	list = append(list, 0)
	copy(list[idx+1:], list[idx:])
	list[idx] = v
	return list
}

func (fh *fileHandler) commit() error {
	return fh.wal.commit()
}

func (fh *fileHandler) rollback() error {
	if err := fh.wal.rollback(); err != nil {
		return err
	}
	fh.cache.clear()
	return nil
}

// performCheckpoint drains every committed-but-unflushed WAL frame into
// the data file, fsyncs once, and unlinks the WAL file.
func (fh *fileHandler) performCheckpoint() error {
	pages := fh.wal.checkpointPages()
	if len(pages) == 0 {
		return fh.wal.reset()
	}

	for page, off := range pages {
		header := make([]byte, frameHeaderSize)
		if _, err := fh.wal.f.ReadAt(header, off); err != nil {
			return fmt.Errorf("corvus: reading wal frame during checkpoint: %w", err)
		}
		length := binary.BigEndian.Uint32(header[PageTypeSize+PageAddrSize:])
		data := make([]byte, length)
		if _, err := fh.wal.f.ReadAt(data, off+frameHeaderSize); err != nil {
			return fmt.Errorf("corvus: reading wal frame data during checkpoint: %w", err)
		}

		dataOff := int64(page) * int64(fh.cfg.PageSize)
		if needed := dataOff + int64(fh.cfg.PageSize); needed > fh.fileSize() {
			if err := fh.data.Truncate(needed); err != nil {
				return fmt.Errorf("corvus: growing data file: %w", err)
			}
		}
		if _, err := fh.data.WriteAt(data, dataOff); err != nil {
			return fmt.Errorf("corvus: flushing page %d to data file: %w", page, err)
		}
	}

	if err := fh.data.Sync(); err != nil {
		return fmt.Errorf("corvus: fsyncing data file after checkpoint: %w", err)
	}
	return fh.wal.reset()
}

func (fh *fileHandler) fileSize() int64 {
	fi, err := fh.data.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

// stats reports a point-in-time snapshot for diagnostics: total allocated
// pages and the current freelist length.
func (fh *fileHandler) stats() (allocated int, free int) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return int(fh.nextPage), len(fh.freelist)
}

func (fh *fileHandler) close() error {
	if err := fh.wal.close(); err != nil {
		return err
	}
	if err := fh.flockHandle.Close(); err != nil {
		return err
	}
	return fh.data.Close()
}
