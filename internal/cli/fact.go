package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var factUserID string

var factCmd = &cobra.Command{
	Use:   "fact <text>",
	Short: "Record a durable user fact",
	Long:  `Append a fact to the workspace fact store so future recalls surface it.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFact,
}

func init() {
	factCmd.Flags().StringVar(&factUserID, "user", "default", "user the fact belongs to")
	rootCmd.AddCommand(factCmd)
}

func runFact(cmd *cobra.Command, args []string) error {
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

	fact := strings.Join(args, " ")
	if err := svc.AddFact(factUserID, fact); err != nil {
		return fmt.Errorf("failed to record fact: %w", err)
	}
	fmt.Println("Fact recorded")
	return nil
}
