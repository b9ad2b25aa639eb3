package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chainpulse/telemetry/src/shard"
)

//NewRunCmd returns the command that starts a telemetry shard
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the shard",
		PreRunE: loadConfig,
		RunE:    runShard,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runShard(cmd *cobra.Command, args []string) error {
	engine := shard.NewShard(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize shard:", err)
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
	cmd.Flags().String("moniker", _config.Moniker, "Friendly name announced on the core link")

	// Listeners
	cmd.Flags().StringP("submit-listen", "l", _config.SubmitAddr, "Listen IP:Port for node websockets")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")

	// Core link
	cmd.Flags().StringP("core-connect", "c", _config.CoreAddr, "IP:Port of the core's shard listener")
	cmd.Flags().DurationP("timeout", "t", _config.ConnTimeout, "Link dial timeout")
	cmd.Flags().Duration("max-backoff", _config.MaxBackoff, "Cap on the link reconnect backoff")

	// Aggregation
	cmd.Flags().Duration("flush-interval", _config.FlushInterval, "Coalescing window between changeset flushes")
	cmd.Flags().Int("max-batch", _config.MaxBatch, "Max entries in one changeset")
	cmd.Flags().Int("inbox-size", _config.InboxSize, "Aggregator event queue size")
	cmd.Flags().Int("outbox-size", _config.OutboxSize, "Link changeset queue size")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.SetDataDir(_config.DataDir)

	_config.Logger().WithFields(logrus.Fields{
		"DataDir":       _config.DataDir,
		"LogLevel":      _config.LogLevel,
		"Moniker":       _config.Moniker,
		"SubmitAddr":    _config.SubmitAddr,
		"ServiceAddr":   _config.ServiceAddr,
		"CoreAddr":      _config.CoreAddr,
		"ConnTimeout":   _config.ConnTimeout,
		"MaxBackoff":    _config.MaxBackoff,
		"FlushInterval": _config.FlushInterval,
		"MaxBatch":      _config.MaxBatch,
		"InboxSize":     _config.InboxSize,
		"OutboxSize":    _config.OutboxSize,
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

	// look for config file in [datadir]/shard.toml (.json, .yaml also work)
	viper.SetConfigName("shard")
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
