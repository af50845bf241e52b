package queue

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acousea/buoynode/pkg/frame"
)

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

// QueueSuite runs the behaviour every backend shares against an empty, begun queue.
func QueueSuite(t *testing.T, q Queue) {
	t.Helper()
	buf := make([]byte, MaxRecord)

	require.True(t, q.IsEmpty())
	n, err := q.PopAny(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = q.PopForPort(1, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i, port := range []uint8{1, 2, 1, 3, 2} {
		require.NoError(t, q.Push(port, []byte{port, byte(i)}))
	}
	assert.False(t, q.IsEmpty())
	assert.True(t, q.IsEmptyForPort(4))

	// reading port 2 leaves port 1 and 3 untouched
	n, err = q.PopForPort(2, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 1}, buf[:n])

	n, err = q.PeekForPort(2, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 4}, buf[:n])
	require.NoError(t, q.SkipForPort(2))
	assert.True(t, q.IsEmptyForPort(2))

	var got [][]byte
	for {
		n, err := q.PopAny(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		got = append(got, append([]byte(nil), buf[:n]...))
	}
	assert.Equal(t, [][]byte{{1, 0}, {1, 2}, {3, 3}}, got)
	assert.True(t, q.IsEmpty())

	assert.Equal(t, ErrInvalidPort, errors.Cause(q.Push(0, []byte{1})))
	assert.Equal(t, ErrInvalidPort, errors.Cause(q.Push(MaxPort+1, []byte{1})))
	assert.Equal(t, ErrEmptyRecord, q.Push(1, nil))
	assert.Equal(t, ErrTooLarge, q.Push(1, make([]byte, MaxRecord+1)))

	require.NoError(t, q.Push(5, []byte{1, 2, 3}))
	_, err = q.PeekForPort(5, make([]byte, 2))
	assert.Equal(t, ErrShortBuffer, err)
	require.NoError(t, q.Clear())
	assert.True(t, q.IsEmpty())
	require.NoError(t, q.Sync())
}

// persistenceSuite pushes through one instance and reads through another.
func persistenceSuite(t *testing.T, open func() Queue) {
	t.Helper()
	buf := make([]byte, MaxRecord)

	q := open()
	require.NoError(t, q.Begin())
	require.NoError(t, q.Push(1, []byte("a")))
	require.NoError(t, q.Push(2, []byte("b")))
	require.NoError(t, q.Push(1, []byte("c")))
	n, err := q.PopForPort(2, buf)
	require.NoError(t, err)
	assert.Equal(t, "b", string(buf[:n]))
	require.NoError(t, q.Sync())
	require.NoError(t, q.Close())

	q = open()
	require.NoError(t, q.Begin())
	defer func() { require.NoError(t, q.Close()) }()
	assert.True(t, q.IsEmptyForPort(2))
	n, err = q.PopAny(buf)
	require.NoError(t, err)
	assert.Equal(t, "a", string(buf[:n]))
	n, err = q.PopAny(buf)
	require.NoError(t, err)
	assert.Equal(t, "c", string(buf[:n]))
	assert.True(t, q.IsEmpty())
}

func TestInMemory(t *testing.T) {
	q := InMemory(0)
	require.NoError(t, q.Begin())
	QueueSuite(t, q)

	q = InMemory(4)
	require.NoError(t, q.Push(1, []byte{1, 2, 3}))
	assert.Equal(t, ErrFull, q.Push(1, []byte{4, 5}))
}

func TestFlashRing(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := FlashRing(fs, "/ring.bin", 4096)
	require.NoError(t, q.Begin())
	QueueSuite(t, q)

	persistenceSuite(t, func() Queue { return FlashRing(fs, "/persist.bin", 4096) })
}

func TestFlashRingWrapAround(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := FlashRing(fs, "/ring.bin", superblockSize+64)
	require.NoError(t, q.Begin())

	buf := make([]byte, MaxRecord)
	rec := []byte("0123456789")
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Push(uint8(i%3+1), rec), i)
		n, err := q.PopAny(buf)
		require.NoError(t, err)
		require.Equal(t, rec, buf[:n])
	}
	assert.True(t, q.IsEmpty())

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Push(1, rec))
	}
	assert.Equal(t, ErrFull, q.Push(1, rec))
}

func TestFlashRingSkipBehindTail(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := FlashRing(fs, "/ring.bin", 1024)
	require.NoError(t, q.Begin())
	buf := make([]byte, MaxRecord)

	require.NoError(t, q.Push(1, []byte("x")))
	require.NoError(t, q.Push(2, []byte("y")))
	require.NoError(t, q.Push(2, []byte("z")))
	require.NoError(t, q.SkipForPort(2))

	r := q.(*flashRing)
	usedBefore := r.used()
	n, err := q.PopForPort(1, buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))
	// the tombstoned record is reclaimed together with the tail record
	assert.Equal(t, usedBefore-2*(recordHeader+1), r.used())

	n, err = q.PopAny(buf)
	require.NoError(t, err)
	assert.Equal(t, "z", string(buf[:n]))
}

func TestFlashRingCorruptSuperblock(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := FlashRing(fs, "/ring.bin", 1024)
	require.NoError(t, q.Begin())
	require.NoError(t, q.Push(1, []byte("x")))
	require.NoError(t, q.Close())

	f, err := fs.OpenFile("/ring.bin", os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	q = FlashRing(fs, "/ring.bin", 1024)
	require.NoError(t, q.Begin())
	assert.True(t, q.IsEmpty())
}

func TestFilePerPort(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := FilePerPort(fs, "/queues", 0)
	require.NoError(t, q.Begin())
	QueueSuite(t, q)

	persistenceSuite(t, func() Queue { return FilePerPort(fs, "/persist", 0) })

	q = FilePerPort(fs, "/small", 20)
	require.NoError(t, q.Begin())
	require.NoError(t, q.Push(1, []byte("abc")))
	assert.Equal(t, ErrFull, q.Push(1, []byte("abcdefgh")))
	assert.NoError(t, q.Push(2, []byte("abcdefgh")))
}

func TestFilePerPortTruncatesWhenConsumed(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := FilePerPort(fs, "/queues", 0)
	require.NoError(t, q.Begin())
	require.NoError(t, q.Push(3, []byte("abc")))
	require.NoError(t, q.SkipForPort(3))

	info, err := fs.Stat("/queues/q3.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestFilePerPortCompactsConsumedPrefix(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := FilePerPort(fs, "/queues", 64)
	require.NoError(t, q.Begin())

	rec := func(b byte) []byte { return bytes.Repeat([]byte{b}, 10) }
	for b := byte(1); b <= 3; b++ {
		require.NoError(t, q.Push(1, rec(b)))
	}
	assert.Equal(t, ErrFull, q.Push(1, rec(4)))

	// the consumed record makes room
	require.NoError(t, q.SkipForPort(1))
	require.NoError(t, q.Push(1, rec(4)))
	info, err := fs.Stat("/queues/q1.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(3*frame.RequiredSize(10)), info.Size())

	reopened := FilePerPort(fs, "/queues", 64)
	require.NoError(t, reopened.Begin())
	buf := make([]byte, 16)
	for b := byte(2); b <= 3; b++ {
		n, err := reopened.PopForPort(1, buf)
		require.NoError(t, err)
		assert.Equal(t, rec(b), buf[:n])
	}

	// past half the limit the consumed prefix is dropped on skip
	info, err = fs.Stat("/queues/q1.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(frame.RequiredSize(10)), info.Size())

	n, err := reopened.PopForPort(1, buf)
	require.NoError(t, err)
	assert.Equal(t, rec(4), buf[:n])
	assert.True(t, reopened.IsEmptyForPort(1))
}

func TestBoltDB(t *testing.T) {
	dir, err := ioutil.TempDir("", "queue")
	require.NoError(t, err)
	defer func() {
		require.NoError(t, os.RemoveAll(dir))
	}()

	q := BoltDB(filepath.Join(dir, "queue.db"))
	require.NoError(t, q.Begin())
	QueueSuite(t, q)
	require.NoError(t, q.Close())

	persistenceSuite(t, func() Queue { return BoltDB(filepath.Join(dir, "persist.db")) })
}
