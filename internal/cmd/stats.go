package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/satu/trellm/internal/config"
	"github.com/satu/trellm/internal/state"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show accumulated agent usage and cost per project",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, _, err := state.Open(cfg.StateFile())
	if err != nil {
		return err
	}

	totals := store.UsageTotals()
	if len(totals) == 0 {
		fmt.Println("No usage recorded yet")
		return nil
	}

	projects := make([]string, 0, len(totals))
	for p := range totals {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	fmt.Println()
	fmt.Println("USAGE BY PROJECT")
	fmt.Println(strings.Repeat("─", 60))
	var totalCost float64
	var totalTasks int
	for _, p := range projects {
		u := totals[p]
		fmt.Printf("%-20s %4d tasks  $%8.2f  %10d in / %d out tokens\n",
			p, u.Tasks, u.CostUSD, u.InputTokens, u.OutputTokens)
		totalCost += u.CostUSD
		totalTasks += u.Tasks
	}
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("%-20s %4d tasks  $%8.2f\n", "total", totalTasks, totalCost)
	return nil
}
