package cmd

import (
	"errors"
	"fmt"
	"log"

	"github.com/softpython2884/The-new-MEE6-sub000/personabot"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	initGuildID       string
	initEnabled       bool
	initPremium       bool
	initCommandPrefix string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and optionally enable a guild",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable PB_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable PB_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := personabot.CreateDB(cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()
		if initGuildID == "" {
			fmt.Fprintln(
				out,
				"Database initialized. Pass --guild to enable the conversation feature for a guild.",
			)
			return
		}

		var guildConfig personabot.GuildConversationConfig
		rv := db.Where("guild_id = ?", initGuildID).First(&guildConfig)
		if rv.Error != nil && !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			log.Fatalf("Error retrieving guild config: %v", rv.Error)
		}
		guildConfig.GuildID = initGuildID
		guildConfig.Enabled = initEnabled
		guildConfig.PremiumEligible = initPremium
		if initCommandPrefix != "" {
			guildConfig.CommandPrefix = initCommandPrefix
		}
		if err = db.Save(&guildConfig).Error; err != nil {
			log.Fatalf("Error saving guild config: %v", err)
		}

		fmt.Fprintf(
			out,
			"Guild %s configured (enabled=%t premium=%t).\n",
			initGuildID,
			guildConfig.Enabled,
			guildConfig.PremiumEligible,
		)
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&initGuildID,
		"guild",
		"",
		"Guild ID to configure",
	)
	initCmd.Flags().BoolVar(
		&initEnabled,
		"enabled",
		true,
		"Enable the conversation feature for the guild",
	)
	initCmd.Flags().BoolVar(
		&initPremium,
		"premium",
		false,
		"Mark the guild premium-eligible (full model cascade)",
	)
	initCmd.Flags().StringVar(
		&initCommandPrefix,
		"command-prefix",
		"",
		"Command prefix personas should ignore",
	)
}
