package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kirr/gitfs/internal/config"
	"github.com/kirr/gitfs/internal/daemon"
)

var mountCmd = &cobra.Command{
	Use:   "mount [mountpoint]",
	Short: "Mount the gitfs filesystem",
	Long:  `Mount every registered repo's presentation tree at the specified mountpoint, serving FUSE requests and the control socket until interrupted.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMount,
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().BoolP("foreground", "f", false, "run in foreground (default; gitfs does not yet daemonize)")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mountpoint := cfg.Mount.DefaultPath
	if len(args) > 0 {
		mountpoint = args[0]
	}
	if mountpoint == "" {
		return fmt.Errorf("mountpoint required: gitfs mount /path/to/mount")
	}
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}
	// The control server reports cfg.Mount.DefaultPath in Status replies.
	cfg.Mount.DefaultPath = mountpoint
	if cfg.ReposDir == "" {
		return fmt.Errorf("repos_dir not configured: set GITFS_REPOS_DIR or repos_dir in config.yaml")
	}

	debug, _ := cmd.Flags().GetBool("debug")
	if d, _ := cmd.Root().PersistentFlags().GetBool("debug"); d {
		debug = true
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg, log, debug)
	if err != nil {
		return fmt.Errorf("assemble daemon: %w", err)
	}

	d.Janitor.Start(ctx)

	if err := d.Control.Listen(cfg.Control.SocketPath); err != nil {
		d.Janitor.Stop()
		d.Close()
		return fmt.Errorf("listen on control socket: %w", err)
	}
	go func() {
		if err := d.Control.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("control server stopped")
		}
	}()

	server, err := d.FS.Mount(mountpoint)
	if err != nil {
		d.Control.Close()
		d.Janitor.Stop()
		d.Close()
		return fmt.Errorf("mount: %w", err)
	}

	fmt.Printf("gitfs mounted at %s\n", mountpoint)
	fmt.Println("Press Ctrl+C to unmount.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nUnmounting...")
		server.Unmount()
	}()

	server.Wait()
	cancel()
	d.Control.Close()
	d.Janitor.Stop()
	d.Close()

	return nil
}
