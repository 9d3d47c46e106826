package corvus

import "sync"

// newPagePool returns a sync.Pool of zeroed, page-sized buffers. setNode is
// the hot path that allocates one of these per head page and per overflow
// chunk on every write; recycling them avoids handing the allocator a
// fresh slab on every single page write under heavy insert load.
func newPagePool(pageSize int) *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			return make([]byte, pageSize)
		},
	}
}

func (fh *fileHandler) getPageBuf() []byte {
	buf := fh.pagePool.Get().([]byte)
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

func (fh *fileHandler) putPageBuf(buf []byte) {
	fh.pagePool.Put(buf)
}
