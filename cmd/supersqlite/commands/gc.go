package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plasticityai/supersqlite/internal/adapter"
)

var gcTTL time.Duration

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove orphaned on-disk cache directories",
	Long: `gc removes memory-mapped cache directories under the configured temp
directory that have not been touched for longer than the orphan TTL. They are
left behind when a process exits without closing its handles.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().DurationVar(&gcTTL, "ttl", 0, "minimum idle age to remove (default: gc.orphan_ttl)")
}

func runGC(cmd *cobra.Command, args []string) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeQuietly(closer)

	if gcTTL > 0 {
		cfg.GC.OrphanTTL = gcTTL
	}
	cfg.GC.SweepOnStart = false

	fs := adapter.NewFileSystem(cfg, nil, nil)
	defer fs.Close()

	removed, err := fs.Sweep()
	for _, dir := range removed {
		fmt.Fprintln(cmd.OutOrStdout(), dir)
	}
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "removed %d cache directories\n", len(removed))
	return nil
}
