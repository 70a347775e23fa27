package cmd

import (
	"log"

	"github.com/softpython2884/The-new-MEE6-sub000/personabot"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the PersonaBot gateway listener and backend API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := personabot.New(cfg)
		if err != nil {
			log.Fatalf("error creating personabot: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running personabot: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
