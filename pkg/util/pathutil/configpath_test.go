package pathutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "pathutil")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) }) // nolint: errcheck
	return dir
}

func TestFindConfigPath(t *testing.T) {
	dir := tempDir(t)
	home := filepath.Join(dir, "home.json")
	require.NoError(t, ioutil.WriteFile(home, []byte("{}"), 0600))
	defaults := ConfigPaths{
		WorkingDirLoc: filepath.Join(dir, "missing.json"),
		HomeLoc:       home,
	}

	path, err := FindConfigPath([]string{"arg.json"}, 0, "", defaults)
	require.NoError(t, err)
	assert.Equal(t, "arg.json", path)

	require.NoError(t, os.Setenv("PATHUTIL_TEST_CONFIG", "env.json"))
	defer os.Unsetenv("PATHUTIL_TEST_CONFIG") // nolint: errcheck
	path, err = FindConfigPath(nil, 0, "PATHUTIL_TEST_CONFIG", defaults)
	require.NoError(t, err)
	assert.Equal(t, "env.json", path)

	path, err = FindConfigPath([]string{"ignored.json"}, -1, "", defaults)
	require.NoError(t, err)
	assert.Equal(t, home, path)

	_, err = FindConfigPath(nil, 0, "", ConfigPaths{LocalLoc: filepath.Join(dir, "nope.json")})
	assert.Equal(t, ErrConfigNotFound, errors.Cause(err))
}

func TestWriteConfig(t *testing.T) {
	dir := tempDir(t)
	conf := map[string]interface{}{"log_level": "debug"}

	out := filepath.Join(dir, "nested", "node.yaml")
	require.NoError(t, WriteConfig(conf, out, false))
	raw, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "log_level: debug\n", string(raw))

	assert.Error(t, WriteConfig(conf, out, false))
	require.NoError(t, WriteConfig(conf, out, true))

	out = filepath.Join(dir, "node.json")
	require.NoError(t, WriteConfig(conf, out, false))
	raw, err = ioutil.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"log_level": "debug"`)
}

func TestConfigLocationTypeSet(t *testing.T) {
	var l ConfigLocationType
	require.NoError(t, l.Set("home"))
	assert.Equal(t, HomeLoc, l)
	assert.Error(t, l.Set("cloud"))
	assert.NotEmpty(t, NodeDefaults()[HomeLoc])
}
