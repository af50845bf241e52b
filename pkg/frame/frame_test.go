package frame

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrap(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		ts      uint32
	}{
		{"empty", []byte{}, 0},
		{"one byte", []byte{0x42}, 1},
		{"markers inside", []byte{0xAA, 0x55, 0xAA, 0x55}, 0xDEADBEEF},
		{"large", bytes.Repeat([]byte{0x01, 0x02}, 170), 1700000000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := make([]byte, RequiredSize(len(tc.payload)))
			n, ok := Wrap(out, tc.payload, tc.ts)
			require.True(t, ok)
			assert.Equal(t, RequiredSize(len(tc.payload)), n)
			assert.Equal(t, byte(0xAA), out[0])
			assert.Equal(t, byte(0x55), out[n-1])

			v, ok := Unwrap(out[:n])
			require.True(t, ok)
			assert.Equal(t, tc.ts, v.Timestamp)
			assert.Equal(t, tc.payload, v.Payload)
		})
	}
}

func TestWrapInPlace(t *testing.T) {
	payload := []byte("in place payload")
	buf := make([]byte, RequiredSize(len(payload)))
	copy(buf, payload)

	n, ok := WrapInPlace(buf, len(payload), 77)
	require.True(t, ok)

	v, ok := Unwrap(buf[:n])
	require.True(t, ok)
	assert.Equal(t, payload, v.Payload)
	assert.Equal(t, uint32(77), v.Timestamp)

	// Aliased Wrap must behave the same.
	buf2 := make([]byte, RequiredSize(len(payload)))
	copy(buf2, payload)
	n, ok = Wrap(buf2, buf2[:len(payload)], 77)
	require.True(t, ok)
	assert.Equal(t, buf[:n], buf2[:n])
}

func TestWrapTooSmall(t *testing.T) {
	payload := []byte{1, 2, 3}
	out := make([]byte, RequiredSize(len(payload))-1)
	copy(out, payload)
	before := append([]byte(nil), out...)

	_, ok := Wrap(out, payload, 1)
	assert.False(t, ok)
	_, ok = WrapInPlace(out, len(payload), 1)
	assert.False(t, ok)
	assert.Equal(t, before, out)
}

func TestUnwrapRejects(t *testing.T) {
	good := make([]byte, RequiredSize(4))
	_, ok := Wrap(good, []byte{1, 2, 3, 4}, 9)
	require.True(t, ok)

	badStart := append([]byte(nil), good...)
	badStart[0] = 0x00
	badEnd := append([]byte(nil), good...)
	badEnd[len(badEnd)-1] = 0x00
	longLen := append([]byte(nil), good...)
	longLen[5] = 0xFF

	cases := map[string][]byte{
		"nil":            nil,
		"shorter header": good[:HeaderSize],
		"truncated":      good[:len(good)-1],
		"bad start":      badStart,
		"bad end":        badEnd,
		"length overrun": longLen,
	}
	for name, buf := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := Unwrap(buf)
			assert.False(t, ok)
		})
	}
}

func TestUnwrapRandomBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		buf := make([]byte, rng.Intn(65))
		rng.Read(buf)
		if len(buf) > 0 && rng.Intn(2) == 0 {
			buf[0] = Stream.Start
		}
		v, ok := Unwrap(buf)
		if ok {
			require.True(t, RequiredSize(len(v.Payload)) <= len(buf))
			require.Equal(t, Stream.End, buf[HeaderSize+len(v.Payload)])
		}
	}
}

func TestFormatMarkers(t *testing.T) {
	f := Format{Start: 0x2A, End: 0x55}
	out := make([]byte, RequiredSize(2))
	_, ok := f.Wrap(out, []byte{7, 8}, 3)
	require.True(t, ok)

	_, ok = Unwrap(out)
	assert.False(t, ok)

	v, ok := f.Unwrap(out)
	require.True(t, ok)
	assert.Equal(t, []byte{7, 8}, v.Payload)
}

func TestScanner(t *testing.T) {
	frameOf := func(p []byte, ts uint32) []byte {
		out := make([]byte, RequiredSize(len(p)))
		n, ok := Wrap(out, p, ts)
		require.True(t, ok)
		return out[:n]
	}

	t.Run("split across writes", func(t *testing.T) {
		s := NewScanner(Stream, 0)
		f := frameOf([]byte("hello"), 5)
		_, _ = s.Write(f[:3])
		_, _, ok := s.Next()
		assert.False(t, ok)

		_, _ = s.Write(f[3:])
		p, ts, ok := s.Next()
		require.True(t, ok)
		assert.Equal(t, []byte("hello"), p)
		assert.Equal(t, uint32(5), ts)
		assert.Equal(t, 0, s.Buffered())
	})

	t.Run("resync after garbage", func(t *testing.T) {
		s := NewScanner(Stream, 0)
		stream := []byte{0x01, 0xAA, 0x02, 0x03}
		stream = append(stream, frameOf([]byte("a"), 1)...)
		stream = append(stream, 0x99)
		stream = append(stream, frameOf([]byte("b"), 2)...)
		_, _ = s.Write(stream)

		p, _, ok := s.Next()
		require.True(t, ok)
		assert.Equal(t, []byte("a"), p)
		p, _, ok = s.Next()
		require.True(t, ok)
		assert.Equal(t, []byte("b"), p)
		_, _, ok = s.Next()
		assert.False(t, ok)
	})

	t.Run("bounded buffer", func(t *testing.T) {
		s := NewScanner(Stream, 16)
		_, _ = s.Write(bytes.Repeat([]byte{0x00}, 40))
		assert.True(t, s.Buffered() <= 16)

		_, _ = s.Write(frameOf([]byte("xy"), 0))
		p, _, ok := s.Next()
		require.True(t, ok)
		assert.Equal(t, []byte("xy"), p)
	})
}
