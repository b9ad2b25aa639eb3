package commands

import (
	"github.com/spf13/cobra"

	"github.com/chainpulse/telemetry/src/shard"
)

var (
	_config = shard.NewDefaultConfig()
)

//RootCmd is the root command for the telemetry shard
var RootCmd = &cobra.Command{
	Use:              "telemetry-shard",
	Short:            "blockchain telemetry ingestion shard",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		VersionCmd,
	)
}
