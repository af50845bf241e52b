package pathutil

import (
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

// HomeDir obtains the path to the user's home directory. It falls back to
// $HOME when the directory cannot be resolved.
func HomeDir() string {
	home, err := homedir.Dir()
	if err != nil {
		log.WithError(err).Debug("Failed to resolve home directory")
		return os.Getenv("HOME")
	}
	return home
}

// DataDir returns the default directory for node queues and stores, ~/.buoynode/data.
func DataDir() string {
	return filepath.Join(HomeDir(), ".buoynode", "data")
}
