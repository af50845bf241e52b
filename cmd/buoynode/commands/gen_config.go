package commands

import (
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/acousea/buoynode/pkg/node"
	"github.com/acousea/buoynode/pkg/util/pathutil"
)

func init() {
	genConfigCmd.Flags().StringVarP(&output, "output", "o", "", "path of output config file. Uses default of 'type' flag if unspecified.")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists.")
	genConfigCmd.Flags().VarP(&configLocType, "type", "m", "config generation mode. Valid values: WD, HOME, LOCAL")
	genConfigCmd.Flags().StringVarP(&dataDir, "data-dir", "d", "", "directory of queues and stores. Defaults to ./data next to a WD config and ~/.buoynode/data otherwise.")
	rootCmd.AddCommand(genConfigCmd)
}

var (
	output        string
	replace       bool
	dataDir       string
	configLocType = pathutil.WorkingDirLoc
)

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Generate a default config file",
	Run: func(_ *cobra.Command, _ []string) {
		if output == "" {
			output = pathutil.NodeDefaults().Get(configLocType)
		}
		if dataDir == "" && configLocType != pathutil.WorkingDirLoc {
			dataDir = pathutil.DataDir()
		}

		conf := node.DefaultConfig()
		if dataDir != "" {
			conf.Queue.Location = filepath.Join(dataDir, "queue.bin")
			conf.Outbox.Location = filepath.Join(dataDir, "outbox.bin")
			conf.NodeConfig.Location = filepath.Join(dataDir, "nodeconf.db")
		}
		if err := pathutil.WriteConfig(conf, output, replace); err != nil {
			log.Fatal("Failed to write config: ", err)
		}
	},
}
