package cmd

import (
	"fmt"

	"github.com/softpython2884/The-new-MEE6-sub000/personabot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			personabot.Version,
			personabot.CommitSHA,
			personabot.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
