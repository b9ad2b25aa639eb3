package commands

import (
	"github.com/spf13/cobra"

	"github.com/chainpulse/telemetry/src/core"
)

var (
	_config = core.NewDefaultConfig()
)

//RootCmd is the root command for the telemetry core
var RootCmd = &cobra.Command{
	Use:              "telemetry-core",
	Short:            "blockchain telemetry aggregation core",
	TraverseChildren: true,
}

func init() {
	RootCmd.AddCommand(
		NewRunCmd(),
		VersionCmd,
	)
}
