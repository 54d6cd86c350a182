package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const cliName = "inbox"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           cliName,
		Short:         "Unified chat inbox for LINE, Meta, WhatsApp and the website widget",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "config file (default $CONFIG_PATH or config.toml)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newWatchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// configPath resolves --config, then CONFIG_PATH.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return os.Getenv("CONFIG_PATH")
}
