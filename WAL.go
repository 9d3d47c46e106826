package corvus

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WAL frame kinds. A PAGE frame carries one full page image; COMMIT and
// ROLLBACK are zero-length markers that close out the run of PAGE frames
// since the last marker.
const (
	frameTypePage byte = iota
	frameTypeCommit
	frameTypeRollback
)

// frameHeaderSize: type(1) | page(4) | length(4)
const frameHeaderSize = PageTypeSize + PageAddrSize + 4

// walHeaderSize: a single big-endian page_size record, width PageLengthSize,
// written once when the WAL file is created and checked for agreement with
// the tree's configured page size on every reopen.
const walHeaderSize = PageLengthSize

// wal is the write-ahead log (C4). Every writer transaction appends PAGE
// frames for each page it touches, then a single COMMIT frame with an
// fsync; a failed transaction appends ROLLBACK instead and the pages it
// wrote are never promoted into the committed table.
type wal struct {
	path string
	f    *os.File

	// notCommitted holds the file offset of the most recent PAGE frame for
	// a page written by the in-flight writer transaction. A repeat write to
	// the same page inside the same transaction overwrites that frame's
	// data in place rather than appending a new one.
	notCommitted map[uint32]int64
	// committed holds the offset of the most recent committed-but-not-yet-
	// checkpointed frame for a page. readPage consults this before falling
	// back to the data file.
	committed map[uint32]int64

	pageSize int
}

func walPath(base string) string { return base + ".wal" }

// openWAL opens (creating if absent) the WAL file and replays it, so the
// committed table reflects every transaction that reached a COMMIT frame.
// A trailing run of PAGE frames with no following COMMIT or ROLLBACK is an
// incomplete transaction and is silently discarded, per recovery semantics.
func openWAL(path string, pageSize int) (*wal, bool, error) {
	f, isNew, err := openOrCreateWALFile(path)
	if err != nil {
		return nil, false, err
	}

	w := &wal{
		path:         path,
		f:            f,
		notCommitted: make(map[uint32]int64),
		committed:    make(map[uint32]int64),
		pageSize:     pageSize,
	}

	if isNew {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, false, err
		}
	} else if err := w.checkHeader(); err != nil {
		f.Close()
		return nil, false, err
	}

	incomplete, err := w.recover()
	if err != nil {
		f.Close()
		return nil, false, err
	}

	return w, incomplete, nil
}

// openOrCreateWALFile opens path, reporting whether it was just created
// (empty) so the caller knows whether to write or verify the header.
func openOrCreateWALFile(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("corvus: opening wal: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("corvus: stat wal: %w", err)
	}
	return f, fi.Size() == 0, nil
}

// writeHeader lays down the one-record page_size header a fresh WAL file
// opens with.
func (w *wal) writeHeader() error {
	header := make([]byte, walHeaderSize)
	header[0] = byte(w.pageSize >> 16)
	header[1] = byte(w.pageSize >> 8)
	header[2] = byte(w.pageSize)
	if _, err := w.f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("corvus: writing wal header: %w", err)
	}
	return nil
}

// checkHeader reads back the page_size record on reopen and fails loudly on
// a mismatch rather than silently reinterpreting frames at the wrong width.
func (w *wal) checkHeader() error {
	header := make([]byte, walHeaderSize)
	if _, err := w.f.ReadAt(header, 0); err != nil {
		return fmt.Errorf("corvus: reading wal header: %w", err)
	}
	pageSize := int(header[0])<<16 | int(header[1])<<8 | int(header[2])
	if pageSize != w.pageSize {
		return fmt.Errorf("%w: wal header page_size %d does not match configured page_size %d", ErrCorruptData, pageSize, w.pageSize)
	}
	return nil
}

// recover replays every frame in the file, returning true if a trailing
// incomplete transaction was found and dropped.
func (w *wal) recover() (bool, error) {
	pending := make(map[uint32]int64)
	offset := int64(walHeaderSize)
	incomplete := false

	header := make([]byte, frameHeaderSize)
scan:
	for {
		n, err := w.f.ReadAt(header, offset)
		if err == io.EOF && n == 0 {
			break
		}
		if err != nil && err != io.EOF {
			return false, fmt.Errorf("corvus: reading wal frame header: %w", err)
		}
		if n < frameHeaderSize {
			// a torn header: the last write never finished. Treat as an
			// incomplete tail and stop.
			incomplete = incomplete || len(pending) > 0
			break
		}

		frameType := header[0]
		page := binary.BigEndian.Uint32(header[PageTypeSize:])
		length := binary.BigEndian.Uint32(header[PageTypeSize+PageAddrSize:])

		switch frameType {
		case frameTypePage:
			dataOffset := offset + frameHeaderSize
			if length > 0 {
				probe := make([]byte, 1)
				if _, perr := w.f.ReadAt(probe, dataOffset+int64(length)-1); perr == io.EOF {
					incomplete = true
					break scan
				}
			}
			pending[page] = offset
			offset = dataOffset + int64(length)
		case frameTypeCommit:
			for p, off := range pending {
				w.committed[p] = off
			}
			pending = make(map[uint32]int64)
			offset += frameHeaderSize
		case frameTypeRollback:
			pending = make(map[uint32]int64)
			offset += frameHeaderSize
		default:
			return false, fmt.Errorf("%w: unknown wal frame type %d at offset %d", ErrCorruptData, frameType, offset)
		}
	}

	if len(pending) > 0 {
		incomplete = true
	}

	return incomplete, nil
}

// ensureOpen lazily recreates the WAL file and its header if a prior
// checkpoint unlinked it. A no-op once the file is already open.
func (w *wal) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	f, isNew, err := openOrCreateWALFile(w.path)
	if err != nil {
		return err
	}
	w.f = f
	if isNew {
		return w.writeHeader()
	}
	return w.checkHeader()
}

// setPage appends (or, for a repeat write in the same transaction,
// overwrites in place) a PAGE frame holding data for page.
func (w *wal) setPage(page uint32, data []byte) error {
	if err := w.ensureOpen(); err != nil {
		return err
	}

	if off, ok := w.notCommitted[page]; ok {
		if _, err := w.f.WriteAt(data, off+frameHeaderSize); err != nil {
			return fmt.Errorf("corvus: rewriting wal page frame: %w", err)
		}
		return nil
	}

	fi, err := w.f.Stat()
	if err != nil {
		return fmt.Errorf("corvus: stat wal: %w", err)
	}
	offset := fi.Size()

	header := make([]byte, frameHeaderSize)
	header[0] = frameTypePage
	binary.BigEndian.PutUint32(header[PageTypeSize:], page)
	binary.BigEndian.PutUint32(header[PageTypeSize+PageAddrSize:], uint32(len(data)))

	if _, err := w.f.WriteAt(header, offset); err != nil {
		return fmt.Errorf("corvus: writing wal frame header: %w", err)
	}
	if _, err := w.f.WriteAt(data, offset+frameHeaderSize); err != nil {
		return fmt.Errorf("corvus: writing wal frame data: %w", err)
	}

	w.notCommitted[page] = offset
	return nil
}

// readPage returns the most recent committed-or-in-flight image of page,
// if the WAL holds one. Uncommitted writes are visible to the same writer
// transaction that made them (read-your-writes within a transaction).
func (w *wal) readPage(page uint32) ([]byte, bool, error) {
	off, ok := w.notCommitted[page]
	if !ok {
		off, ok = w.committed[page]
	}
	if !ok {
		return nil, false, nil
	}

	header := make([]byte, frameHeaderSize)
	if _, err := w.f.ReadAt(header, off); err != nil {
		return nil, false, fmt.Errorf("corvus: reading wal frame: %w", err)
	}
	length := binary.BigEndian.Uint32(header[PageTypeSize+PageAddrSize:])

	data := make([]byte, length)
	if _, err := w.f.ReadAt(data, off+frameHeaderSize); err != nil {
		return nil, false, fmt.Errorf("corvus: reading wal frame data: %w", err)
	}
	return data, true, nil
}

// commit appends a COMMIT frame, fsyncs, then promotes every page touched
// by the in-flight transaction into the committed table.
func (w *wal) commit() error {
	if len(w.notCommitted) == 0 {
		return nil
	}

	fi, err := w.f.Stat()
	if err != nil {
		return fmt.Errorf("corvus: stat wal: %w", err)
	}
	header := make([]byte, frameHeaderSize)
	header[0] = frameTypeCommit
	if _, err := w.f.WriteAt(header, fi.Size()); err != nil {
		return fmt.Errorf("corvus: writing wal commit frame: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("corvus: fsyncing wal: %w", err)
	}

	for p, off := range w.notCommitted {
		w.committed[p] = off
	}
	w.notCommitted = make(map[uint32]int64)
	return nil
}

// rollback appends a ROLLBACK frame and discards the in-flight table. No
// fsync is needed: these pages were never promoted into committed and a
// crash before the next commit would discard them anyway on recovery.
func (w *wal) rollback() error {
	if len(w.notCommitted) == 0 {
		return nil
	}

	fi, err := w.f.Stat()
	if err != nil {
		return fmt.Errorf("corvus: stat wal: %w", err)
	}
	header := make([]byte, frameHeaderSize)
	header[0] = frameTypeRollback
	if _, err := w.f.WriteAt(header, fi.Size()); err != nil {
		return fmt.Errorf("corvus: writing wal rollback frame: %w", err)
	}

	w.notCommitted = make(map[uint32]int64)
	return nil
}

// checkpointPages returns every page currently holding committed-but-not-
// yet-durable data, snapshot style: callers drain this into the data file
// and then call reset, never mutating w.committed mid-iteration.
func (w *wal) checkpointPages() map[uint32]int64 {
	out := make(map[uint32]int64, len(w.committed))
	for p, off := range w.committed {
		out[p] = off
	}
	return out
}

// reset closes and unlinks the WAL file after a successful checkpoint has
// drained every committed frame into the data file, per spec: the WAL does
// not exist between a checkpoint and the next write. setPage recreates it
// (with a fresh header) lazily on demand.
func (w *wal) reset() error {
	if w.f != nil {
		if err := w.f.Close(); err != nil {
			return fmt.Errorf("corvus: closing wal for checkpoint reset: %w", err)
		}
		w.f = nil
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("corvus: removing checkpointed wal: %w", err)
	}
	w.committed = make(map[uint32]int64)
	w.notCommitted = make(map[uint32]int64)
	return nil
}

func (w *wal) close() error {
	if w.f == nil {
		return nil
	}
	return w.f.Close()
}
