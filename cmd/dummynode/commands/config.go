package commands

import "time"

//CLIConfig contains configuration for the Run command
type CLIConfig struct {
	Name       string        `mapstructure:"name"`
	Chain      string        `mapstructure:"chain"`
	SubmitAddr string        `mapstructure:"shard-connect"`
	Count      int           `mapstructure:"count"`
	Interval   time.Duration `mapstructure:"interval"`
	Discard    bool          `mapstructure:"discard"`
	LogLevel   string        `mapstructure:"log"`
}

//NewDefaultCLIConfig creates a CLIConfig with default values
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Name:       "dummy",
		Chain:      "Polkadot",
		SubmitAddr: "127.0.0.1:8001",
		Count:      1,
		Interval:   time.Second,
		LogLevel:   "debug",
	}
}
