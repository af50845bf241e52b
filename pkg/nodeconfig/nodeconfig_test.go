package nodeconfig

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acousea/buoynode/pkg/fault"
	"github.com/acousea/buoynode/pkg/packet"
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

// StoreSuite tests a Store implementation.
func StoreSuite(t *testing.T, s Store) {
	_, err := s.Load()
	assert.Equal(t, ErrNotFound, err)

	require.NoError(t, s.Save([]byte{1, 2, 3}))
	b, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	require.NoError(t, s.Save([]byte{4}))
	b, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, b)
}

func TestMemoryStore(t *testing.T) {
	StoreSuite(t, MemoryStore())
}

func TestFileStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := FileStore(fs, "/data")
	require.NoError(t, err)
	StoreSuite(t, s)

	ok, err := afero.Exists(fs, "/data/"+BlobName+".tmp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "nodeconf")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "db", "config.db")
	s, err := BoltStore(path)
	require.NoError(t, err)
	StoreSuite(t, s)
	require.NoError(t, s.Close())

	s, err = BoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	b, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, b)
}

func TestRepositoryFallsBackToDefault(t *testing.T) {
	s := MemoryStore()
	r := NewRepository(s, nil)
	require.NoError(t, r.Init())

	cfg := r.Get()
	assert.Equal(t, packet.Broadcast, cfg.LocalAddress)
	assert.Equal(t, uint8(1), cfg.OperationModes.ActiveModeID)
	mode, ok := cfg.OperationModes.Mode(1)
	require.True(t, ok)
	assert.Equal(t, "DEFAULT", mode.Name)
	require.NotNil(t, mode.Transition)
	assert.Equal(t, uint8(1), mode.Transition.TargetModeID)
	rt, ok := cfg.ReportTypes.ReportType(1)
	require.True(t, ok)
	assert.Equal(t, []packet.ModuleCode{packet.Battery, packet.Ambient, packet.Location}, rt.IncludedModules)
	e, ok := cfg.IridiumReporting.Entry(1)
	require.True(t, ok)
	assert.Equal(t, uint32(15), e.Period)

	// the default was persisted
	b, err := s.Load()
	require.NoError(t, err)
	stored, err := packet.UnmarshalConfiguration(b)
	require.NoError(t, err)
	assert.Equal(t, cfg.LocalAddress, stored.LocalAddress)
}

func TestRepositoryCorruptBlob(t *testing.T) {
	s := MemoryStore()
	require.NoError(t, s.Save([]byte{0x0A, 0xFF}))
	r := NewRepository(s, nil)
	require.NoError(t, r.Init())
	assert.Equal(t, packet.Broadcast, r.Get().LocalAddress)
}

func TestRepositoryLoadsStored(t *testing.T) {
	s := MemoryStore()
	cfg := Default()
	cfg.LocalAddress = packet.Drifter
	cfg.IridiumReporting.Entries[0].Period = 30
	b, err := packet.MarshalConfiguration(&cfg)
	require.NoError(t, err)
	require.NoError(t, s.Save(b))

	r := NewRepository(s, nil)
	require.NoError(t, r.Init())
	got := r.Get()
	assert.Equal(t, packet.Drifter, got.LocalAddress)
	e, ok := got.IridiumReporting.Entry(1)
	require.True(t, ok)
	assert.Equal(t, uint32(30), e.Period)

	// Get hands out copies
	got.OperationModes.Modes[0].Name = "changed"
	assert.Equal(t, "DEFAULT", r.Get().OperationModes.Modes[0].Name)

	r.SetActiveMode(7)
	assert.Equal(t, uint8(7), r.Get().OperationModes.ActiveModeID)
}

type failingStore struct{ Store }

func (failingStore) Save([]byte) error { return errors.New("write protected") }

func TestRepositoryPersistFailureIsFatal(t *testing.T) {
	r := NewRepository(failingStore{MemoryStore()}, nil)
	err := r.Init()
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))
}
