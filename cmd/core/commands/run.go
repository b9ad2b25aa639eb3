package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chainpulse/telemetry/src/core"
)

//NewRunCmd returns the command that starts the telemetry core
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the core",
		PreRunE: loadConfig,
		RunE:    runCore,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runCore(cmd *cobra.Command, args []string) error {
	engine := core.NewCore(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize core:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")

	// Listeners
	cmd.Flags().StringP("shard-listen", "l", _config.ShardAddr, "Listen IP:Port for shard links")
	cmd.Flags().StringP("feed-listen", "f", _config.FeedAddr, "Listen IP:Port for feed websockets")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Registry
	cmd.Flags().String("quotas", _config.QuotaFile, "JSON file mapping chain labels to node limits")
	cmd.Flags().Int("queue-size", _config.QueueSize, "Registry operation queue size")
	cmd.Flags().Int("feed-queue", _config.FeedQueue, "Per-feed outbound message queue size")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":     _config.DataDir,
		"LogLevel":    _config.LogLevel,
		"ShardAddr":   _config.ShardAddr,
		"FeedAddr":    _config.FeedAddr,
		"ServiceAddr": _config.ServiceAddr,
		"QuotaFile":   _config.QuotaFile,
		"QueueSize":   _config.QueueSize,
		"FeedQueue":   _config.FeedQueue,
	}).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/core.toml (.json, .yaml also work)
	viper.SetConfigName("core")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
