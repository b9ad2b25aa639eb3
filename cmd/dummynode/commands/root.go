package commands

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chainpulse/telemetry/src/dummy"
)

var (
	config = NewDefaultCLIConfig()
	logger *logrus.Logger
)

func init() {
	RootCmd.Flags().String("name", config.Name, "Node name, suffixed with an index when count > 1")
	RootCmd.Flags().String("chain", config.Chain, "Chain label to announce")
	RootCmd.Flags().String("shard-connect", config.SubmitAddr, "IP:Port of the shard submit endpoint")
	RootCmd.Flags().Int("count", config.Count, "Number of fake nodes to run")
	RootCmd.Flags().Duration("interval", config.Interval, "Time between telemetry reports")
	RootCmd.Flags().Bool("discard", config.Discard, "discard output to stderr and stdout")
	RootCmd.Flags().String("log", config.LogLevel, "debug, info, warn, error, fatal, panic")
}

//RootCmd is the root command for the dummy node
var RootCmd = &cobra.Command{
	Use:     "dummynode",
	Short:   "Fake blockchain node for telemetry testing",
	PreRunE: loadConfig,
	RunE:    runDummy,
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runDummy(cmd *cobra.Command, args []string) error {

	nodes := make([]*dummy.Node, 0, config.Count)
	for i := 0; i < config.Count; i++ {
		name := config.Name
		if config.Count > 1 {
			name = fmt.Sprintf("%s-%d", config.Name, i)
		}

		node, err := dummy.NewNode(config.SubmitAddr,
			name,
			config.Chain,
			config.Interval,
			logger.WithField("component", "DUMMY"))
		if err != nil {
			return err
		}

		nodes = append(nodes, node)
	}

	for _, node := range nodes[1:] {
		go node.Run()
	}

	// the first node owns the foreground; when its reports fail the
	// process exits
	nodes[0].Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

func loadConfig(cmd *cobra.Command, args []string) error {

	err := viper.BindPFlags(cmd.Flags())
	if err != nil {
		return err
	}

	config, err = parseConfig()
	if err != nil {
		return err
	}

	logger = newLogger()
	logger.Level = logLevel(config.LogLevel)

	logger.WithFields(logrus.Fields{
		"name":          config.Name,
		"chain":         config.Chain,
		"shard-connect": config.SubmitAddr,
		"count":         config.Count,
		"interval":      config.Interval,
		"discard":       config.Discard,
		"log":           config.LogLevel,
	}).Debug("RUN")

	if config.Count < 1 {
		return fmt.Errorf("count should be at least 1")
	}

	return nil
}

//Retrieve the default environment configuration.
func parseConfig() (*CLIConfig, error) {
	conf := NewDefaultCLIConfig()
	err := viper.Unmarshal(conf)
	if err != nil {
		return nil, err
	}
	return conf, err
}

func newLogger() *logrus.Logger {
	logger := logrus.New()

	pathMap := lfshook.PathMap{}

	_, err := os.OpenFile("dummynode_info.log", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		logger.Info("Failed to open dummynode_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = "dummynode_info.log"
	}

	_, err = os.OpenFile("dummynode_debug.log", os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		logger.Info("Failed to open dummynode_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = "dummynode_debug.log"
	}

	if err == nil && config.Discard {
		logger.Out = ioutil.Discard
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}

func logLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
