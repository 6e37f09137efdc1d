package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"mnemo/internal/tracing"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Index the workspace once and exit",
	Long: `Run one indexing pass over the workspace memory files. With --force,
unchanged files are re-chunked and re-embedded as well.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "re-index unchanged files")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, log, err := openService(cfg, true, false)
	if err != nil {
		return err
	}
	defer log.Close()
	defer svc.Close()

	ctx := tracing.NewRequestContext(cmd.Context())
	if err := svc.Sync(ctx, syncForce); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	st := svc.Status()
	fmt.Printf("Indexed %d files, %d chunks\n", st.TotalFiles, st.TotalChunks)
	return nil
}
