package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kirr/gitfs/internal/control"
)

var chaseCmd = &cobra.Command{
	Use:   "chase",
	Short: "Run or stop a multi-commit chase script against the running mount",
}

var chaseRunCmd = &cobra.Command{
	Use:   "run <script.lua>",
	Short: "Start a chase script and stream its progress (spec.md §4.9/§5)",
	Args:  cobra.ExactArgs(1),
	RunE:  runChaseRun,
}

var chaseStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Cancel a running chase by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runChaseStop,
}

func init() {
	rootCmd.AddCommand(chaseCmd)
	chaseCmd.AddCommand(chaseRunCmd)
	chaseCmd.AddCommand(chaseStopCmd)
}

func runChaseRun(cmd *cobra.Command, args []string) error {
	sock, err := controlSocketPath()
	if err != nil {
		return err
	}

	cc, err := control.RunChase(sock, args[0])
	if err != nil {
		return fmt.Errorf("chase run: %w", err)
	}
	defer cc.Close()

	fmt.Printf("chase %s started\n", cc.ID)
	for {
		ev, err := cc.Next()
		if err != nil {
			return fmt.Errorf("chase stream: %w", err)
		}
		switch ev.Status {
		case control.StatusUpdate:
			fmt.Printf("[%s] %s: exit=%v\n", ev.Commit, ev.Presentation, ev.ExitCodes)
			for _, line := range ev.Transcript {
				fmt.Println(line)
			}
		case control.StatusError:
			fmt.Printf("chase %s failed: %s\n", cc.ID, ev.Error)
		case control.StatusOk:
			fmt.Printf("chase %s finished\n", cc.ID)
		}
		if ev.Done {
			if ev.Status == control.StatusError {
				return fmt.Errorf("chase %s failed: %s", cc.ID, ev.Error)
			}
			return nil
		}
	}
}

func runChaseStop(cmd *cobra.Command, args []string) error {
	sock, err := controlSocketPath()
	if err != nil {
		return err
	}
	if err := control.StopChase(sock, args[0]); err != nil {
		return fmt.Errorf("chase stop: %w", err)
	}
	fmt.Printf("stop requested for chase %s\n", args[0])
	return nil
}
