// Package pathutil locates and writes node config files.
package pathutil

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"gopkg.in/yaml.v3"
)

var log = logging.MustGetLogger("pathutil")

// ErrConfigNotFound is returned by FindConfigPath when no candidate exists.
var ErrConfigNotFound = errors.New("config not found")

// ConfigLocationType describes a config path's location type.
type ConfigLocationType string

const (
	// WorkingDirLoc represents the default working directory location for a configuration file.
	WorkingDirLoc = ConfigLocationType("WD")

	// HomeLoc represents the default home folder location for a configuration file.
	HomeLoc = ConfigLocationType("HOME")

	// LocalLoc represents the default /usr/local location for a configuration file.
	LocalLoc = ConfigLocationType("LOCAL")
)

// String implements fmt.Stringer for ConfigLocationType.
func (t ConfigLocationType) String() string {
	return string(t)
}

// Set implements pflag.Value for ConfigLocationType.
func (t *ConfigLocationType) Set(s string) error {
	v := ConfigLocationType(strings.ToUpper(s))
	for _, l := range AllConfigLocationTypes() {
		if l == v {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("invalid config location %q, valid: %v", s, AllConfigLocationTypes())
}

// Type implements pflag.Value for ConfigLocationType.
func (t ConfigLocationType) Type() string {
	return "pathutil.ConfigLocationType"
}

// AllConfigLocationTypes returns all valid config location types in search order.
func AllConfigLocationTypes() []ConfigLocationType {
	return []ConfigLocationType{
		WorkingDirLoc,
		HomeLoc,
		LocalLoc,
	}
}

// ConfigPaths contains a map of configuration paths, based on ConfigLocationTypes.
type ConfigPaths map[ConfigLocationType]string

// String implements fmt.Stringer for ConfigPaths.
func (dp ConfigPaths) String() string {
	raw, err := json.MarshalIndent(dp, "", "\t")
	if err != nil {
		return fmt.Sprintf("%v", map[ConfigLocationType]string(dp))
	}
	return string(raw)
}

// Get obtains a path stored under given configuration location type, or
// an empty string.
func (dp ConfigPaths) Get(cpType ConfigLocationType) string {
	return dp[cpType]
}

// NodeDefaults returns the default config paths for buoynode.
func NodeDefaults() ConfigPaths {
	paths := make(ConfigPaths)
	if wd, err := os.Getwd(); err == nil {
		paths[WorkingDirLoc] = filepath.Join(wd, "buoynode-config.json")
	}
	paths[HomeLoc] = filepath.Join(HomeDir(), ".buoynode", "buoynode-config.json")
	paths[LocalLoc] = "/usr/local/buoynode/buoynode-config.json"
	return paths
}

// FindConfigPath returns the config path to use, in order:
// - args[argsIndex], when argsIndex >= 0 and present.
// - the env variable.
// - the first existing default path.
func FindConfigPath(args []string, argsIndex int, env string, defaults ConfigPaths) (string, error) {
	if argsIndex >= 0 && len(args) > argsIndex {
		path := args[argsIndex]
		log.Infof("using args[%d] as config path: %s", argsIndex, path)
		return path, nil
	}
	if env != "" {
		if path, ok := os.LookupEnv(env); ok {
			log.Infof("using $%s as config path: %s", env, path)
			return path, nil
		}
	}
	log.Debugf("config path is not explicitly specified, trying default paths...")
	for i, cpType := range AllConfigLocationTypes() {
		path, ok := defaults[cpType]
		if !ok {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			log.Debugf("- [%d/%d] '%s' cannot be accessed: %s", i+1, len(defaults), path, err)
			continue
		}
		log.Infof("using fallback config path: %s", path)
		return path, nil
	}
	return "", errors.Wrapf(ErrConfigNotFound, "searched %s", defaults)
}

// WriteConfig is used by config file generators. The file is YAML when
// output ends in .yaml or .yml, JSON otherwise. An existing file is only
// overwritten when replace is set.
func WriteConfig(conf interface{}, output string, replace bool) error {
	var raw []byte
	var err error
	switch strings.ToLower(filepath.Ext(output)) {
	case ".yaml", ".yml":
		raw, err = yaml.Marshal(conf)
	default:
		raw, err = json.MarshalIndent(conf, "", "\t")
	}
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	if _, err := os.Stat(output); !replace && err == nil {
		return fmt.Errorf("file %s already exists, stopping as 'replace,r' flag is not set", output)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0750); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	if err := ioutil.WriteFile(output, raw, 0600); err != nil {
		return errors.Wrap(err, "write config")
	}
	log.Infof("Wrote %d bytes to %s", len(raw), output)
	return nil
}
