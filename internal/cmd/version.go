package cmd

import (
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and library versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := crucible.GetVersion()
		return printJSON(map[string]string{
			"version":    versionInfo.Version,
			"commit":     versionInfo.Commit,
			"build_date": versionInfo.BuildDate,
			"crucible":   v.Crucible,
			"gofulmen":   v.Gofulmen,
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
