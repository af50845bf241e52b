package queue

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/acousea/buoynode/pkg/frame"
)

// recordFormat frames records in per port queue files. The frame timestamp
// carries a sequence number shared by all ports so PopAny can keep FIFO
// order across files.
var recordFormat = frame.Format{Start: 0x2A, End: 0x55}

// DefaultFileLimit is the per port file size of FilePerPort queues created with limit 0.
const DefaultFileLimit = 512 * 1024

type portFile struct {
	cursor int64 // offset of the oldest unread record
	size   int64
}

type filePerPortQueue struct {
	fs    afero.Fs
	dir   string
	limit int64

	ports [MaxPort + 1]portFile
	seq   uint32
}

// FilePerPort constructs a persistent Queue keeping one append-only file per
// port under dir, each limited to limit bytes.
func FilePerPort(fs afero.Fs, dir string, limit int) Queue {
	if limit <= 0 {
		limit = DefaultFileLimit
	}
	return &filePerPortQueue{fs: fs, dir: dir, limit: int64(limit)}
}

func (q *filePerPortQueue) dataPath(port uint8) string {
	return filepath.Join(q.dir, fmt.Sprintf("q%d.bin", port))
}

func (q *filePerPortQueue) cursorPath(port uint8) string {
	return filepath.Join(q.dir, fmt.Sprintf("q%d.cur", port))
}

func (q *filePerPortQueue) Begin() error {
	if err := q.fs.MkdirAll(q.dir, 0700); err != nil {
		return errors.Wrap(err, "create queue directory")
	}
	for port := uint8(1); port <= MaxPort; port++ {
		if err := q.load(port); err != nil {
			return err
		}
	}
	log.Debugf("File queues in %s resumed at sequence %d", q.dir, q.seq)
	return nil
}

// load restores the cursor of port and advances seq past every stored record.
func (q *filePerPortQueue) load(port uint8) error {
	pf := &q.ports[port]
	*pf = portFile{}

	info, err := q.fs.Stat(q.dataPath(port))
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.Wrapf(err, "stat queue %d", port)
	}
	pf.size = info.Size()

	if b, err := afero.ReadFile(q.fs, q.cursorPath(port)); err == nil && len(b) == 8 {
		pf.cursor = int64(binary.LittleEndian.Uint64(b))
	}
	if pf.cursor > pf.size {
		log.Warnf("Queue %d cursor %d beyond file size %d, rewinding", port, pf.cursor, pf.size)
		pf.cursor = 0
	}

	data, err := afero.ReadFile(q.fs, q.dataPath(port))
	if err != nil {
		return errors.Wrapf(err, "read queue %d", port)
	}
	for off := pf.cursor; off < pf.size; {
		v, ok := recordFormat.Unwrap(data[off:])
		if !ok {
			log.Errorf("Queue %d: unreadable record at %d, dropping the tail", port, off)
			return q.truncate(port, off)
		}
		if v.Timestamp >= q.seq {
			q.seq = v.Timestamp + 1
		}
		off += int64(frame.RequiredSize(len(v.Payload)))
	}
	return nil
}

func (q *filePerPortQueue) IsEmpty() bool {
	for port := uint8(1); port <= MaxPort; port++ {
		if !q.IsEmptyForPort(port) {
			return false
		}
	}
	return true
}

func (q *filePerPortQueue) IsEmptyForPort(port uint8) bool {
	if checkPort(port) != nil {
		return true
	}
	pf := q.ports[port]
	return pf.cursor >= pf.size
}

func (q *filePerPortQueue) Push(port uint8, data []byte) error {
	if err := checkPush(port, data); err != nil {
		return err
	}
	pf := &q.ports[port]
	n := frame.RequiredSize(len(data))
	if pf.size+int64(n) > q.limit {
		if pf.cursor == 0 || pf.size-pf.cursor+int64(n) > q.limit {
			return ErrFull
		}
		if err := q.compact(port); err != nil {
			return err
		}
	}

	rec := make([]byte, n)
	recordFormat.Wrap(rec, data, q.seq)

	f, err := q.fs.OpenFile(q.dataPath(port), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrapf(err, "open queue %d", port)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.WithError(err).Warnf("Failed to close queue %d", port)
		}
	}()
	if _, err := f.WriteAt(rec, pf.size); err != nil {
		return errors.Wrapf(err, "append to queue %d", port)
	}

	pf.size += int64(n)
	q.seq++
	return nil
}

func (q *filePerPortQueue) PopAny(buf []byte) (int, error) {
	var (
		best    uint8
		bestSeq uint32
	)
	for port := uint8(1); port <= MaxPort; port++ {
		if q.IsEmptyForPort(port) {
			continue
		}
		v, _, err := q.head(port)
		if err != nil {
			return 0, err
		}
		if best == 0 || v.Timestamp < bestSeq {
			best, bestSeq = port, v.Timestamp
		}
	}
	if best == 0 {
		return 0, nil
	}
	return pop(q, best, buf)
}

func (q *filePerPortQueue) PopForPort(port uint8, buf []byte) (int, error) {
	return pop(q, port, buf)
}

func (q *filePerPortQueue) PeekForPort(port uint8, buf []byte) (int, error) {
	if err := checkPort(port); err != nil {
		return 0, err
	}
	if q.IsEmptyForPort(port) {
		return 0, nil
	}
	v, _, err := q.head(port)
	if err != nil {
		return 0, err
	}
	if len(v.Payload) > len(buf) {
		return 0, ErrShortBuffer
	}
	return copy(buf, v.Payload), nil
}

func (q *filePerPortQueue) SkipForPort(port uint8) error {
	if err := checkPort(port); err != nil {
		return err
	}
	if q.IsEmptyForPort(port) {
		return nil
	}
	_, n, err := q.head(port)
	if err != nil {
		return err
	}
	pf := &q.ports[port]
	if pf.cursor+n >= pf.size {
		return q.truncate(port, 0)
	}
	pf.cursor += n
	if pf.cursor >= q.limit/2 {
		return q.compact(port)
	}
	return q.writeCursor(port)
}

// compact drops the consumed prefix of the data file of port. The cursor
// is reset before the new file replaces the old one, so a crash in between
// redelivers consumed records rather than losing unread ones.
func (q *filePerPortQueue) compact(port uint8) error {
	pf := &q.ports[port]
	if pf.cursor == 0 {
		return nil
	}
	if pf.cursor >= pf.size {
		return q.truncate(port, 0)
	}

	data, err := afero.ReadFile(q.fs, q.dataPath(port))
	if err != nil {
		return errors.Wrapf(err, "read queue %d", port)
	}
	if int64(len(data)) < pf.size {
		return q.corrupt(port, nil)
	}
	tmp := q.dataPath(port) + ".tmp"
	if err := afero.WriteFile(q.fs, tmp, data[pf.cursor:pf.size], 0600); err != nil {
		return errors.Wrapf(err, "compact queue %d", port)
	}

	cursor := pf.cursor
	pf.cursor = 0
	if err := q.writeCursor(port); err != nil {
		pf.cursor = cursor
		return err
	}
	if err := q.fs.Rename(tmp, q.dataPath(port)); err != nil {
		pf.cursor = cursor
		if werr := q.writeCursor(port); werr != nil {
			log.WithError(werr).Errorf("Failed to restore cursor of queue %d", port)
		}
		return errors.Wrapf(err, "replace queue %d", port)
	}
	pf.size -= cursor
	log.Debugf("Compacted queue %d, dropped %d consumed bytes", port, cursor)
	return nil
}

// head reads the oldest unread record of port and returns it with its framed size.
func (q *filePerPortQueue) head(port uint8) (frame.View, int64, error) {
	pf := &q.ports[port]
	f, err := q.fs.Open(q.dataPath(port))
	if err != nil {
		return frame.View{}, 0, errors.Wrapf(err, "open queue %d", port)
	}
	defer f.Close() // nolint: errcheck

	hdr := make([]byte, frame.HeaderSize)
	if _, err := f.ReadAt(hdr, pf.cursor); err != nil {
		return frame.View{}, 0, q.corrupt(port, err)
	}
	n, ok := recordFormat.DeclaredSize(hdr)
	if !ok || pf.cursor+int64(n) > pf.size {
		return frame.View{}, 0, q.corrupt(port, nil)
	}
	rec := make([]byte, n)
	if _, err := f.ReadAt(rec, pf.cursor); err != nil {
		return frame.View{}, 0, q.corrupt(port, err)
	}
	v, ok := recordFormat.Unwrap(rec)
	if !ok {
		return frame.View{}, 0, q.corrupt(port, nil)
	}
	return v, int64(n), nil
}

func (q *filePerPortQueue) corrupt(port uint8, cause error) error {
	if cause == nil {
		cause = ErrCorrupt
	}
	log.WithError(cause).Errorf("Queue %d: unreadable record at %d, discarding port content", port, q.ports[port].cursor)
	if err := q.truncate(port, 0); err != nil {
		return err
	}
	return ErrCorrupt
}

// truncate cuts the data file of port at size and rewinds the cursor when
// nothing unread remains.
func (q *filePerPortQueue) truncate(port uint8, size int64) error {
	pf := &q.ports[port]
	f, err := q.fs.OpenFile(q.dataPath(port), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrapf(err, "open queue %d", port)
	}
	if err := f.Truncate(size); err != nil {
		f.Close() // nolint: errcheck
		return errors.Wrapf(err, "truncate queue %d", port)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close queue %d", port)
	}
	pf.size = size
	if pf.cursor > size {
		pf.cursor = size
	}
	return q.writeCursor(port)
}

// writeCursor replaces the cursor file through a rename so a reader never
// sees a partial cursor.
func (q *filePerPortQueue) writeCursor(port uint8) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(q.ports[port].cursor))
	tmp := q.cursorPath(port) + ".tmp"
	if err := afero.WriteFile(q.fs, tmp, b[:], 0600); err != nil {
		return errors.Wrapf(err, "write cursor of queue %d", port)
	}
	if err := q.fs.Rename(tmp, q.cursorPath(port)); err != nil {
		return errors.Wrapf(err, "replace cursor of queue %d", port)
	}
	return nil
}

func (q *filePerPortQueue) Sync() error { return nil }

func (q *filePerPortQueue) Clear() error {
	for port := uint8(1); port <= MaxPort; port++ {
		if err := q.truncate(port, 0); err != nil {
			return err
		}
	}
	q.seq = 0
	return nil
}

func (q *filePerPortQueue) Close() error { return nil }
