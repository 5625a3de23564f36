package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"gameforge/pkg/metrics"
	"gameforge/pkg/persistence"
	"gameforge/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect repair sessions recorded in the audit store",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session with its attempts and state transitions as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize repair-loop counters from Prometheus",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

//nolint:gochecknoglobals // cobra flag targets
var (
	sessionsLimit int
	statsWindow   time.Duration
)

func init() {
	sessionsListCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to list (0 for all)")
	statsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "Look-back window")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd, statsCmd)
}

func openStore() (*persistence.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("store.path is not configured")
	}
	return persistence.Open(cfg.Store.Path)
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListSessions(cmd.Context(), sessionsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i := range records {
		r := &records[i]
		fmt.Fprintf(out, "%s  %-9s  %d attempt(s)  %s  %q\n",
			r.ID, r.Status, r.AttemptCount, r.CreatedAt.Local().Format(time.DateTime), truncate(r.Request.Prompt, 60))
	}
	return nil
}

// sessionDetail is the JSON document printed by `sessions show`.
type sessionDetail struct {
	*persistence.SessionRecord
	Attempts    []persistence.AttemptRecord `json:"attempts"`
	Transitions []session.Transition        `json:"transitions"`
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	rec, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	detail := sessionDetail{SessionRecord: rec}
	if detail.Attempts, err = store.ListAttempts(ctx, rec.ID); err != nil {
		return err
	}
	if detail.Transitions, err = store.ListTransitions(ctx, rec.ID); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(detail)
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Metrics.PrometheusURL == "" {
		return fmt.Errorf("metrics.prometheus_url is not configured")
	}
	qs, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
	if err != nil {
		return err
	}
	summary, err := qs.GetLoopSummary(cmd.Context(), statsWindow)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Window:           %s\n", statsWindow)
	fmt.Fprintf(out, "Success rate:     %.1f%%\n", summary.SuccessRate()*100)
	fmt.Fprintf(out, "Fuzz faults:      %.0f\n", summary.FuzzFaults)
	fmt.Fprintf(out, "Retrieval misses: %.0f\n", summary.RetrievalMisses)
	for _, group := range []struct {
		title  string
		counts map[string]float64
	}{
		{"Sessions", summary.SessionsByStatus},
		{"Attempts", summary.AttemptsByOutcome},
		{"LLM requests", summary.LLMRequestsByModel},
	} {
		fmt.Fprintf(out, "%s:\n", group.title)
		for _, key := range slices.Sorted(maps.Keys(group.counts)) {
			fmt.Fprintf(out, "  %-22s %.0f\n", key, group.counts[key])
		}
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
