package queue

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	superblockSize = 16
	recordHeader   = 3 // port u8 | len u16 LE
	flashMagic     = 0x51524B46

	// tombstone marks a record consumed out of order. Valid ports start at 1.
	tombstone = 0

	// DefaultFlashSize is the file size of FlashRing queues created with size 0.
	DefaultFlashSize = 256 * 1024
)

// flashRing is a single ring buffer shared by all ports, laid out on a
// fixed size file the same way it is laid out on a flash chip:
//
//	[0:16]  superblock: magic u32 | head u32 | tail u32 | reserved
//	[16:]   data region, records [port u8 | len u16 LE | payload] wrapping byte-wise
//
// head == tail means empty; a push that would make them equal fails.
type flashRing struct {
	fs   afero.Fs
	path string
	size int64

	f        afero.File
	capacity uint32
	head     uint32
	tail     uint32
}

// FlashRing constructs a persistent Queue storing a ring buffer in a file of size bytes.
func FlashRing(fs afero.Fs, path string, size int) Queue {
	if size <= 0 {
		size = DefaultFlashSize
	}
	return &flashRing{fs: fs, path: path, size: int64(size)}
}

func (q *flashRing) Begin() error {
	f, err := q.fs.OpenFile(q.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrap(err, "open ring file")
	}
	q.f = f
	q.capacity = uint32(q.size - superblockSize)

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat ring file")
	}
	if info.Size() != q.size {
		log.Infof("Formatting ring %s (%d bytes)", q.path, q.size)
		return q.format()
	}

	var sb [superblockSize]byte
	if _, err := f.ReadAt(sb[:], 0); err != nil {
		return errors.Wrap(err, "read superblock")
	}
	head := binary.LittleEndian.Uint32(sb[4:8])
	tail := binary.LittleEndian.Uint32(sb[8:12])
	if binary.LittleEndian.Uint32(sb[0:4]) != flashMagic || head >= q.capacity || tail >= q.capacity {
		log.Warnf("Ring %s has an invalid superblock, formatting", q.path)
		return q.format()
	}
	q.head, q.tail = head, tail
	log.Debugf("Ring %s resumed with head=%d tail=%d", q.path, head, tail)
	return nil
}

func (q *flashRing) format() error {
	if err := q.f.Truncate(q.size); err != nil {
		return errors.Wrap(err, "truncate ring file")
	}
	q.head, q.tail = 0, 0
	return q.writeSuperblock(0, 0)
}

func (q *flashRing) writeSuperblock(head, tail uint32) error {
	var sb [superblockSize]byte
	binary.LittleEndian.PutUint32(sb[0:4], flashMagic)
	binary.LittleEndian.PutUint32(sb[4:8], head)
	binary.LittleEndian.PutUint32(sb[8:12], tail)
	if _, err := q.f.WriteAt(sb[:], 0); err != nil {
		return errors.Wrap(err, "write superblock")
	}
	return nil
}

func (q *flashRing) used() uint32 {
	return (q.head + q.capacity - q.tail) % q.capacity
}

func (q *flashRing) IsEmpty() bool {
	empty := true
	_ = q.scan(func(_ uint32, port uint8, _ uint16) bool { // nolint: errcheck
		if port != tombstone {
			empty = false
			return false
		}
		return true
	})
	return empty
}

func (q *flashRing) IsEmptyForPort(port uint8) bool {
	_, _, ok, _ := q.find(port) // nolint: dogsled
	return !ok
}

func (q *flashRing) Push(port uint8, data []byte) error {
	if err := checkPush(port, data); err != nil {
		return err
	}
	n := uint32(recordHeader + len(data))
	if q.used()+n >= q.capacity {
		return ErrFull
	}

	rec := make([]byte, n)
	rec[0] = port
	binary.LittleEndian.PutUint16(rec[1:3], uint16(len(data)))
	copy(rec[recordHeader:], data)
	if err := q.writeAt(q.head, rec); err != nil {
		return err
	}

	head := (q.head + n) % q.capacity
	if err := q.writeSuperblock(head, q.tail); err != nil {
		return err
	}
	q.head = head
	return nil
}

func (q *flashRing) PopAny(buf []byte) (int, error) {
	_, port, ok, err := q.find(0)
	if err != nil || !ok {
		return 0, err
	}
	return pop(q, port, buf)
}

func (q *flashRing) PopForPort(port uint8, buf []byte) (int, error) {
	return pop(q, port, buf)
}

func (q *flashRing) PeekForPort(port uint8, buf []byte) (int, error) {
	if err := checkPort(port); err != nil {
		return 0, err
	}
	pos, _, ok, err := q.find(port)
	if err != nil || !ok {
		return 0, err
	}
	var hdr [recordHeader]byte
	if err := q.readAt(pos, hdr[:]); err != nil {
		return 0, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[1:3]))
	if n > len(buf) {
		return 0, ErrShortBuffer
	}
	if err := q.readAt((pos+recordHeader)%q.capacity, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *flashRing) SkipForPort(port uint8) error {
	if err := checkPort(port); err != nil {
		return err
	}
	pos, _, ok, err := q.find(port)
	if err != nil || !ok {
		return err
	}
	if pos != q.tail {
		return q.writeAt(pos, []byte{tombstone})
	}

	// Consume the tail record and every tombstone right behind it.
	tail := q.tail
	err = q.scan(func(p uint32, rp uint8, n uint16) bool {
		if p != q.tail && rp != tombstone {
			return false
		}
		tail = (p + recordHeader + uint32(n)) % q.capacity
		return true
	})
	if err != nil {
		return err
	}
	if err := q.writeSuperblock(q.head, tail); err != nil {
		return err
	}
	q.tail = tail
	return nil
}

func (q *flashRing) Sync() error {
	return q.f.Sync()
}

func (q *flashRing) Clear() error {
	return q.format()
}

func (q *flashRing) Close() error {
	if q.f == nil {
		return nil
	}
	return q.f.Close()
}

// find returns the position of the first live record for port, or of any
// live record when port is 0.
func (q *flashRing) find(port uint8) (pos uint32, recPort uint8, ok bool, err error) {
	err = q.scan(func(p uint32, rp uint8, _ uint16) bool {
		if rp == tombstone || (port != 0 && rp != port) {
			return true
		}
		pos, recPort, ok = p, rp, true
		return false
	})
	return pos, recPort, ok, err
}

// scan walks records from tail to head while fn returns true. A record
// crossing head resets the ring, as nothing after it can be trusted.
func (q *flashRing) scan(fn func(pos uint32, port uint8, n uint16) bool) error {
	var hdr [recordHeader]byte
	pos := q.tail
	for pos != q.head {
		remaining := (q.head + q.capacity - pos) % q.capacity
		if remaining < recordHeader {
			return q.corrupt(pos)
		}
		if err := q.readAt(pos, hdr[:]); err != nil {
			return err
		}
		n := binary.LittleEndian.Uint16(hdr[1:3])
		if uint32(recordHeader)+uint32(n) > remaining || (hdr[0] != tombstone && hdr[0] > MaxPort) {
			return q.corrupt(pos)
		}
		if !fn(pos, hdr[0], n) {
			return nil
		}
		pos = (pos + recordHeader + uint32(n)) % q.capacity
	}
	return nil
}

func (q *flashRing) corrupt(pos uint32) error {
	log.Errorf("Ring %s: unreadable record at %d, discarding queue content", q.path, pos)
	if err := q.format(); err != nil {
		return err
	}
	return ErrCorrupt
}

func (q *flashRing) readAt(pos uint32, p []byte) error {
	first := p
	var second []byte
	if end := q.capacity - pos; uint32(len(p)) > end {
		first, second = p[:end], p[end:]
	}
	if _, err := q.f.ReadAt(first, superblockSize+int64(pos)); err != nil {
		return errors.Wrap(err, "read ring")
	}
	if len(second) > 0 {
		if _, err := q.f.ReadAt(second, superblockSize); err != nil {
			return errors.Wrap(err, "read ring")
		}
	}
	return nil
}

func (q *flashRing) writeAt(pos uint32, p []byte) error {
	first := p
	var second []byte
	if end := q.capacity - pos; uint32(len(p)) > end {
		first, second = p[:end], p[end:]
	}
	if _, err := q.f.WriteAt(first, superblockSize+int64(pos)); err != nil {
		return errors.Wrap(err, "write ring")
	}
	if len(second) > 0 {
		if _, err := q.f.WriteAt(second, superblockSize); err != nil {
			return errors.Wrap(err, "write ring")
		}
	}
	return nil
}
