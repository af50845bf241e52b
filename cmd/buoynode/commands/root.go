package commands

import (
	"context"
	"fmt"
	"io/ioutil"
	"log"
	"log/syslog"
	"net/http"
	_ "net/http/pprof" // no_lint
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/acousea/buoynode/pkg/fault"
	"github.com/acousea/buoynode/pkg/node"
	"github.com/acousea/buoynode/pkg/util/pathutil"
)

const configEnv = "BUOYNODE_CONFIG"

type runCfg struct {
	syslogAddr   string
	tag          string
	cfgFromStdin bool
	stdinFormat  string
	profileMode  string
	port         string
	args         []string

	profileStop  func()
	logger       *logging.Logger
	masterLogger *logging.MasterLogger
	conf         *node.Config
	node         *node.Node
	cancel       context.CancelFunc
	done         chan struct{}
}

var cfg *runCfg

var rootCmd = &cobra.Command{
	Use:   "buoynode [config-path]",
	Short: "Drifter and localizer node runtime",
	Run: func(_ *cobra.Command, args []string) {
		cfg.args = args

		cfg.startProfiler().
			startLogger().
			readConfig().
			runNode().
			waitOsSignals().
			stopNode()
	},
	Version: node.Version,
}

func init() {
	cfg = &runCfg{}
	rootCmd.Flags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.Flags().StringVarP(&cfg.tag, "tag", "", "buoynode", "logging tag")
	rootCmd.Flags().BoolVarP(&cfg.cfgFromStdin, "stdin", "i", false, "read config from STDIN")
	rootCmd.Flags().StringVarP(&cfg.stdinFormat, "stdin-format", "", "json", "format of the STDIN config: json or yaml")
	rootCmd.Flags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.Flags().StringVarP(&cfg.port, "port", "", "6060", "port for http-mode of pprof")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "none":
		cfg.profileStop = func() {}
		return cfg
	case "http":
		go func() {
			log.Println(http.ListenAndServe(fmt.Sprintf("localhost:%v", cfg.port), nil))
		}()
		cfg.profileStop = func() {}
		return cfg
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	default:
		log.Fatalf("unknown profile mode %q", cfg.profileMode)
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = logging.NewMasterLogger()
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = ioutil.Discard
		}
	}

	// the node is restarted by its supervisor after a fatal error
	fault.SetHandler(func(err error) {
		cfg.logger.WithError(err).Errorf("Fatal %s error, resetting node", fault.KindOf(err))
		cfg.profileStop()
		os.Exit(1)
	})
	return cfg
}

func (cfg *runCfg) readConfig() *runCfg {
	var err error
	if !cfg.cfgFromStdin {
		configPath, err := pathutil.FindConfigPath(cfg.args, 0, configEnv, pathutil.NodeDefaults())
		if err != nil {
			cfg.logger.Fatal(err)
		}
		cfg.conf, err = node.ReadConfig(configPath)
		if err != nil {
			cfg.logger.Fatalf("Failed to read config: %s", err)
		}
		return cfg
	}

	cfg.logger.Info("Reading config from STDIN")
	raw, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		cfg.logger.Fatalf("Failed to read STDIN: %s", err)
	}
	cfg.conf, err = node.DecodeConfig(raw, "."+cfg.stdinFormat)
	if err != nil {
		cfg.logger.Fatalf("Failed to decode config: %s", err)
	}
	return cfg
}

func (cfg *runCfg) runNode() *runCfg {
	n, err := node.NewNode(cfg.conf, cfg.masterLogger)
	if err != nil {
		fault.Handle(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg.cancel = cancel
	cfg.done = make(chan struct{})
	go func() {
		defer close(cfg.done)
		if err := n.Start(ctx); err != nil {
			fault.Handle(err)
		}
	}()

	cfg.node = n
	return cfg
}

func (cfg *runCfg) stopNode() *runCfg {
	defer cfg.profileStop()
	cfg.cancel()
	<-cfg.done
	if err := cfg.node.Close(); err != nil {
		cfg.logger.Fatal("Failed to close node: ", err)
	}
	return cfg
}

func (cfg *runCfg) waitOsSignals() *runCfg {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
	<-ch
	go func() {
		select {
		case <-time.After(time.Duration(cfg.conf.ShutdownTimeout)):
			cfg.logger.Fatal("Timeout reached: terminating")
		case s := <-ch:
			cfg.logger.Fatalf("Received signal %s: terminating", s)
		}
	}()
	return cfg
}
