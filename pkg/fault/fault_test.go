package fault

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("disk gone")

	assert.Equal(t, Transient, KindOf(base))
	assert.Equal(t, Transient, KindOf(nil))
	assert.Equal(t, Fatal, KindOf(New(Fatal, "save", base)))
	assert.Equal(t, ConfigMissing, KindOf(errors.Wrap(New(ConfigMissing, "mode", base), "init")))
	assert.True(t, IsFatal(errors.WithMessage(New(Fatal, "", base), "boot")))
	assert.False(t, IsFatal(nil))
}

func TestErrorString(t *testing.T) {
	err := Errorf(Structural, "decode", "bad byte %#x", 0xFF)
	assert.Equal(t, "structural decode: bad byte 0xff", err.Error())
	assert.Equal(t, "fatal: x", New(Fatal, "", errors.New("x")).Error())
	assert.Equal(t, "kind(9)", Kind(9).String())
}

func TestHandler(t *testing.T) {
	var got error
	prev := SetHandler(func(err error) { got = err })
	defer SetHandler(prev)

	err := New(Fatal, "watchdog", errors.New("expired"))
	Handle(err)
	assert.Equal(t, err, got)
}
