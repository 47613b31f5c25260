package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gitfs",
	Short: "Mount git repositories as a filesystem",
	Long:  `gitfs projects a git repository's commit history, working area, and per-commit build scratch areas as a navigable FUSE filesystem (spec.md).`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: $XDG_CONFIG_HOME/gitfs/config.yaml)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
}
