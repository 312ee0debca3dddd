package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/activity-orchestrator/internal/cronlite"
)

var (
	checkAt    string
	checkCount int
)

var checkRuleCmd = &cobra.Command{
	Use:   "check-rule <expr>",
	Short: "Validate a schedule rule and print its next fire times",
	Example: `  orchestrator check-rule "0,30 8,12,18 MON,FRI"
  orchestrator check-rule "@every 15m" --count 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule, err := cronlite.Parse(args[0])
		if err != nil {
			return err
		}

		from := time.Now()
		if checkAt != "" {
			if from, err = time.Parse(time.RFC3339, checkAt); err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rule: %s\n", schedule)
		if expr, ok := schedule.(*cronlite.Expression); ok {
			fmt.Fprintf(out, "minutes: %v\nhours: %v\ndays: %v\n", expr.Minutes(), expr.Hours(), expr.DaysOfWeek())
		}
		for _, t := range cronlite.Upcoming(schedule, from, checkCount) {
			fmt.Fprintln(out, t.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	checkRuleCmd.Flags().StringVar(&checkAt, "at", "", "Start time in RFC3339 (default now)")
	checkRuleCmd.Flags().IntVarP(&checkCount, "count", "n", 5, "Number of fire times to print")
	rootCmd.AddCommand(checkRuleCmd)
}
