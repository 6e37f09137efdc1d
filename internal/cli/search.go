package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"mnemo/internal/tracing"
	"mnemo/pkg/memory"
)

var (
	searchLimit int
	searchJSON  bool
	searchMMR   bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed memory",
	Long:  `Run a hybrid keyword/vector search over the indexed workspace.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	searchCmd.Flags().BoolVar(&searchMMR, "mmr", false, "diversify results with maximal marginal relevance")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
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

	query := strings.Join(args, " ")
	ctx := tracing.NewRequestContext(cmd.Context())
	results := svc.Search(ctx, query, searchLimit, &memory.SearchOptions{
		VectorWeight: cfg.Search.VectorWeight,
		TextWeight:   cfg.Search.TextWeight,
		MMR:          searchMMR || cfg.Search.MMR,
		MMRLambda:    cfg.Search.MMRLambda,
	})

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Println("No results")
		return nil
	}
	for i, r := range results {
		fmt.Printf("%d. %s:%d-%d (score %.3f)\n", i+1, r.Path, r.StartLine, r.EndLine, r.Score)
		for _, line := range strings.Split(strings.TrimSpace(r.Snippet), "\n") {
			fmt.Printf("   %s\n", line)
		}
	}
	return nil
}
