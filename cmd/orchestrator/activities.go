package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/activity-orchestrator/internal/config"
	"github.com/t77yq/activity-orchestrator/internal/creator"
	"github.com/t77yq/activity-orchestrator/internal/handler"
	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/repository"
)

var (
	createType     string
	createData     string
	createDelay    time.Duration
	createCausedBy string
	listJSON       bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Publish a new activity to the pending queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, repo, err := openAdmin()
		if err != nil {
			return err
		}

		spec := model.Spec{Type: createType}
		if createData != "" {
			if !json.Valid([]byte(createData)) {
				return fmt.Errorf("--data is not valid JSON")
			}
			spec.Payload = json.RawMessage(createData)
		}
		if createCausedBy != "" {
			spec.CausedBy = &createCausedBy
		}
		if createDelay > 0 {
			spec = spec.After(time.Now().Add(createDelay))
		}

		known, err := adminKnownTypes(cfg, repo)
		if err != nil {
			return err
		}
		a, err := creator.New(repo, logger, creator.WithKnownTypes(known...)).Create(cmd.Context(), spec)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), a.ID)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [queue]",
	Short: "Show queue sizes, or the activities of one queue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openAdmin()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			counts, err := repo.Counts(cmd.Context())
			if err != nil {
				return err
			}
			if listJSON {
				return writeIndented(out, counts)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, q := range model.Queues() {
				fmt.Fprintf(w, "%s\t%d\n", q, counts[q])
			}
			return w.Flush()
		}

		q := model.Queue(args[0])
		if !q.Valid() {
			return fmt.Errorf("%w: %s", repository.ErrInvalidQueue, args[0])
		}
		activities, err := repo.List(cmd.Context(), q)
		if err != nil {
			return err
		}
		if listJSON {
			return writeIndented(out, views(activities))
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tATTEMPTS\tNOT BEFORE\tCLAIMED BY")
		for _, a := range activities {
			notBefore := "-"
			if a.NotBefore != nil {
				notBefore = a.NotBefore.Local().Format(time.RFC3339)
			}
			claimedBy := "-"
			if a.ClaimedBy != "" {
				claimedBy = a.ClaimedBy
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", a.ID, a.Type, a.Attempts, notBefore, claimedBy)
		}
		return w.Flush()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print an activity and where it currently lives",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openAdmin()
		if err != nil {
			return err
		}
		a, err := repo.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeIndented(cmd.OutOrStdout(), newView(a))
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a failed activity back to pending with its attempts reset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, repo, err := openAdmin()
		if err != nil {
			return err
		}
		a, err := repo.Requeue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s requeued\n", a.ID)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVarP(&createType, "type", "t", "", "Activity type")
	createCmd.Flags().StringVarP(&createData, "data", "d", "", "JSON payload")
	createCmd.Flags().DurationVar(&createDelay, "delay", 0, "Wait before the activity becomes due")
	createCmd.Flags().StringVar(&createCausedBy, "caused-by", "", "Id of the activity that caused this one")
	_ = createCmd.MarkFlagRequired("type")

	listCmd.Flags().BoolVar(&listJSON, "json", false, "JSON output")

	rootCmd.AddCommand(createCmd, listCmd, showCmd, requeueCmd)
}

// openAdmin loads the configuration and opens the repository
func openAdmin() (*config.Config, *repository.Repository, error) {
	mgr, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg := mgr.Config()
	repo, err := openRepository(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, repo, nil
}

// adminKnownTypes mirrors the types a running instance accepts. The
// container processor counts when enabled even though no daemon is probed.
func adminKnownTypes(cfg *config.Config, repo *repository.Repository) ([]string, error) {
	registry, err := buildRegistry(cfg, repo, nil)
	if err != nil {
		return nil, err
	}
	known := knownTypes(cfg, registry)
	if cfg.ProcessorEnabled(handler.ContainerRunType, false) {
		known = append(known, handler.ContainerRunType)
	}
	return known, nil
}

// view is an activity with its location
type view struct {
	*model.Activity
	Queue     model.Queue `json:"queue"`
	ClaimedBy string      `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time  `json:"claimed_at,omitempty"`
}

func newView(a *model.Activity) view {
	return view{Activity: a, Queue: a.Queue, ClaimedBy: a.ClaimedBy, ClaimedAt: a.ClaimedAt}
}

func views(activities []*model.Activity) []view {
	out := make([]view, 0, len(activities))
	for _, a := range activities {
		out = append(out, newView(a))
	}
	return out
}

func writeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
