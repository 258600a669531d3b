package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plasticityai/supersqlite/internal/adapter"
	"github.com/plasticityai/supersqlite/pkg/utils"
)

var (
	mountFileName   string
	mountAllowOther bool
)

var mountCmd = &cobra.Command{
	Use:   "mount <url> <mountpoint>",
	Short: "Mount a remote database file read-only",
	Long: `Mount exposes a remote database file as a read-only file inside
mountpoint. Any SQLite build can then open it by path.

Examples:
  # Mount a database served over HTTPS
  supersqlite mount https://example.com/data/cities.db /mnt/cities

  # Mount an S3 object under a fixed name
  supersqlite mount s3://bucket/cities.db /mnt/cities --name main.db`,
	Args: cobra.ExactArgs(2),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringVar(&mountFileName, "name", "", "file name inside the mount (default: last URL path element)")
	mountCmd.Flags().BoolVar(&mountAllowOther, "allow-other", false, "allow other users to access the mount")
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeQuietly(closer)

	if mountFileName != "" {
		cfg.Mount.FileName = mountFileName
	}
	if mountAllowOther {
		cfg.Mount.AllowOther = true
	}

	logger := utils.GetLogger("cli")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := adapter.New(ctx, args[0], args[1], cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info().Msg("mounted. Press Ctrl+C to unmount.")

	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received")
	case <-done:
		logger.Info().Msg("mount was removed externally")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx)
}
