package corvus

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options configures a database on Open.
type Options struct {
	// FilePath: directory the data file and WAL live in. Defaults to the
	// current directory.
	FilePath string
	// FileName: base name, producing "<name>.cdb" and "<name>.cdb.wal".
	FileName string
	// Order: B-tree branching factor, the maximum number of pairs per node.
	// Defaults to 64 if unset.
	Order int
	// PageSize: rounded up to the next power of two if not already one.
	// Defaults to the OS page size.
	PageSize int
	// KeySize: maximum raw-bytes length of a serialized key slot, rounded up
	// to the next power of two. Defaults to 64.
	KeySize int
	// ValueSize: maximum raw-bytes length of a serialized value slot,
	// rounded up to the next power of two. Defaults to 256.
	ValueSize int
	// CacheSize: 0 = null cache, negative = unbounded, positive = LRU
	// capacity.
	CacheSize int
	// AutoCommit: nil or true means every writer transaction commits on
	// success. Set false to batch many logical operations into one WAL
	// commit via SetAutoCommit.
	AutoCommit *bool
	// CheckpointInterval: seconds between background checkpoints. 0 selects
	// the default of 30 seconds; a negative value disables the background
	// ticker.
	CheckpointInterval int
}

// TreeConfig is the immutable-per-database set of layout parameters,
// persisted verbatim in the metadata page (page 0).
type TreeConfig struct {
	Order     int
	PageSize  int
	KeySize   int
	ValueSize int
}

// DefaultPageSize is the default page size set by the underlying OS, usually 4KiB.
var DefaultPageSize = os.Getpagesize()

const (
	defaultOrder              = 64
	defaultKeySize            = 64
	defaultValueSize          = 256
	defaultCheckpointInterval = 30
	defaultCacheSize          = 1024
)

// DB is the embedded key-value store. It owns the file handler, which in
// turn owns the data file, WAL, page cache and freelist. All public
// operations route through a reader or writer transaction (see
// Transaction.go).
type DB struct {
	opts Options
	cfg  TreeConfig

	handler *fileHandler

	// rootPage is the last persisted root page number - the value readers
	// see and the value metadata holds on disk. txRoot is the working root
	// for an in-flight writer transaction; it only flows into rootPage (and
	// onto the metadata page) when that transaction commits. Both fields
	// are only ever touched while holding lock, so no separate mutex
	// guards them.
	rootPage uint32
	txRoot   uint32

	lock       sync.RWMutex
	txMu       sync.Mutex
	batchOpen  bool
	autoCommit boolFlag
	closed     boolFlag

	checkpointInterval time.Duration
	stopCheckpoint     chan struct{}
	checkpointWG       sync.WaitGroup
	checkpointGroup    singleflight.Group
}

// boolFlag is a tiny atomic boolean, avoiding a dependency on the generic
// atomic.Bool wrapper so the zero value (false) is always ready to use.
type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (b *boolFlag) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *boolFlag) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}
