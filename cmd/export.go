package cmd

import (
	"fmt"
	"github.com/Lorian-Workspace/Lorian-s-DiscordBot/lorian"
	"github.com/spf13/cobra"
	"log"
	"time"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a JSON snapshot of the database to the data directory",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		db, err := lorian.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		path, err := lorian.ExportData(ctx, db, cfg.DataDir, time.Now())
		if err != nil {
			log.Fatalf("Error exporting data: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported data to %s\n", path)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(exportCmd)
}
