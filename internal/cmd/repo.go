package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirr/gitfs/internal/config"
	"github.com/kirr/gitfs/internal/control"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Inspect and manage repos registered with a running gitfs mount",
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every repo registered with the running gitfs mount",
	Args:  cobra.NoArgs,
	RunE:  runRepoList,
}

var repoDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a repo and its on-disk tree (spec.md §4.9 RepoDelete)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoDelete,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether gitfs is running and where it's mounted",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(repoCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoDeleteCmd)
	rootCmd.AddCommand(statusCmd)
}

func controlSocketPath() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Control.SocketPath, nil
}

func runRepoList(cmd *cobra.Command, args []string) error {
	sock, err := controlSocketPath()
	if err != nil {
		return err
	}
	names, err := control.RepoList(sock)
	if err != nil {
		return fmt.Errorf("repo list: %w", err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runRepoDelete(cmd *cobra.Command, args []string) error {
	sock, err := controlSocketPath()
	if err != nil {
		return err
	}
	if err := control.RepoDelete(sock, args[0]); err != nil {
		return fmt.Errorf("repo delete: %w", err)
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	sock, err := controlSocketPath()
	if err != nil {
		return err
	}
	resp, err := control.Status(sock)
	if err != nil {
		fmt.Println("not running")
		return nil
	}
	fmt.Printf("running, mounted at %s\n", resp.MountPoint)
	return nil
}
