package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "marquee",
	Short: "Marquee is a session authentication server",
	Long: `A login and session server: signed session cookies, double-submit
CSRF protection and per-account lockout after repeated failed logins.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
