package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index status",
	Long:  `Show file and chunk counts, sync state and vector index availability.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, log, err := openService(cfg, false, false)
	if err != nil {
		return err
	}
	defer log.Close()
	defer svc.Close()

	st := svc.Status()

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("Files: %d\n", st.TotalFiles)
	fmt.Printf("Chunks: %d\n", st.TotalChunks)
	fmt.Printf("Vector index: %v\n", st.VectorIndex)
	fmt.Printf("Dirty: %v\n", st.IsDirty)
	if st.LastSync != nil {
		fmt.Printf("Last sync: %s\n", st.LastSync.Format(time.RFC3339))
	}
	if conv := svc.LastActiveConversation(); conv != nil {
		fmt.Printf("Last conversation: %s/%s\n", conv.Channel, conv.ChatID)
	}
	return nil
}
