package cmd

import (
	"github.com/Lorian-Workspace/Lorian-s-DiscordBot/lorian"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Lorian bot, and (optionally) the admin API and webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			if err := lorian.ValidateConfig(cfg); err != nil {
				log.Fatalf("invalid config: %s", err.Error())
			}
			bot, err := lorian.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
