package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "shelfguard",
	Short: "Shelfguard is the admin session and security control plane",
	Long: `Session, CSRF, rate limiting, audit and password-change controls for
the admin surface of an inventory platform.`,
	Version:      Version,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
}
