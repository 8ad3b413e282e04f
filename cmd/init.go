package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"log"
	"strings"
	"syscall"

	"github.com/Lorian-Workspace/Lorian-s-DiscordBot/lorian"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin API credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE_TYPE not set (must be one of: sqlite, postgres)",
				lorian.DefaultEnvPrefix,
			)
		}
		if cfg.Database == "" {
			log.Fatalf(
				"Environment variable %s_DATABASE not set (must be a valid "+
					"database connection string or sqlite file path)",
				lorian.DefaultEnvPrefix,
			)
		}
		db, err := lorian.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
		}()

		var runtimeConfig lorian.RuntimeConfig
		if err = db.Last(&runtimeConfig).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Fatalf("Error retrieving runtime config: %s", err.Error())
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminConfigured() {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(cmd.InOrStdin())

			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}
			var password string
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, _ := customPasswordReader()
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmPasswordBytes, _ := customPasswordReader()
				fmt.Fprintln(out)

				if password != "" && password == string(confirmPasswordBytes) {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			if err = lorian.SetAdminCredentials(ctx, db, username, password); err != nil {
				log.Fatalf("Error setting admin credentials: %v", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
