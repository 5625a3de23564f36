package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gameforge/pkg/catalog"
	"gameforge/pkg/logx"
	"gameforge/pkg/metrics"
	"gameforge/pkg/repair"
	"gameforge/pkg/session"
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Generate a game from a prompt and repair it until it runs cleanly",
	Long: "Generate runs one repair session per prompt. With --batch, prompts are read one per line " +
		"from a file (or - for stdin) and run concurrently. Results are printed as JSON.",
	Args: cobra.MaximumNArgs(1),
	RunE: runGenerate,
}

//nolint:gochecknoglobals // cobra flag targets
var (
	genTags        []string
	genConstraints []string
	genBatchFile   string
	genParallel    int
	genOut         string
	genMetricsAddr string
)

func init() {
	generateCmd.Flags().StringSliceVarP(&genTags, "tag", "t", nil, "Restrict retrieval to modules carrying any of these tags")
	generateCmd.Flags().StringSliceVar(&genConstraints, "constraint", nil, "Extra constraint for the planner (repeatable)")
	generateCmd.Flags().StringVar(&genBatchFile, "batch", "", "File with one prompt per line (- reads stdin)")
	generateCmd.Flags().IntVarP(&genParallel, "parallel", "p", 0, "Concurrent sessions in batch mode (defaults to repair.parallelism)")
	generateCmd.Flags().StringVarP(&genOut, "out", "o", "", "Write the final source of a successful single session to this file")
	generateCmd.Flags().StringVar(&genMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (requires metrics.enabled)")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	requests, err := generationRequests(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := unlockSecrets(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if genMetricsAddr != "" {
		if a.registry == nil {
			return fmt.Errorf("--metrics-addr needs metrics.enabled in configuration")
		}
		shutdown := serveMetrics(genMetricsAddr, a)
		defer shutdown()
	}

	if cfg.Catalog.Watch && cfg.Catalog.Dir != "" {
		watcher := catalog.NewWatcher(cfg.Catalog.Dir, a.index, catalog.DirBuilder(cfg.Catalog.Dir, a.engine))
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logx.Warnf("Catalog watcher stopped: %v", err)
			}
		}()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if len(requests) == 1 {
		result, err := a.controller.Run(ctx, requests[0])
		if err != nil {
			return err
		}
		if genOut != "" && result.Status == session.StatusSucceeded {
			if err := os.WriteFile(genOut, []byte(result.FinalSource), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", genOut, err)
			}
		}
		return enc.Encode(result)
	}

	parallel := genParallel
	if parallel <= 0 {
		parallel = cfg.Repair.Parallelism
	}
	results := a.controller.RunBatch(ctx, requests, parallel)
	return enc.Encode(batchOutput(results))
}

// batchEntry is the JSON form of one batch result.
type batchEntry struct {
	session.Result
	Error string `json:"error,omitempty"`
}

func batchOutput(results []repair.BatchResult) []batchEntry {
	out := make([]batchEntry, len(results))
	for i, r := range results {
		out[i].Result = r.Result
		if r.Err != nil {
			out[i].Error = r.Err.Error()
		}
	}
	return out
}

// generationRequests collects prompts from args or the batch file.
func generationRequests(stdin io.Reader, args []string) ([]session.GenerationRequest, error) {
	switch {
	case genBatchFile != "" && len(args) > 0:
		return nil, fmt.Errorf("pass either a prompt or --batch, not both")
	case genBatchFile == "" && len(args) == 0:
		return nil, fmt.Errorf("a prompt is required")
	case genBatchFile == "":
		return []session.GenerationRequest{session.NewRequest(args[0], genConstraints, genTags)}, nil
	}

	r := stdin
	if genBatchFile != "-" {
		f, err := os.Open(genBatchFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open batch file: %w", err)
		}
		defer f.Close()
		r = f
	}
	prompts, err := readPrompts(r)
	if err != nil {
		return nil, err
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("batch file contains no prompts")
	}
	requests := make([]session.GenerationRequest, len(prompts))
	for i, p := range prompts {
		requests[i] = session.NewRequest(p, genConstraints, genTags)
	}
	return requests, nil
}

// readPrompts returns non-blank lines, skipping # comments.
func readPrompts(r io.Reader) ([]string, error) {
	var prompts []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		prompts = append(prompts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read prompts: %w", err)
	}
	return prompts, nil
}

// serveMetrics exposes the app registry until the returned func is called.
func serveMetrics(addr string, a *app) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	mux.HandleFunc("/health", healthHandler)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logx.Infof("Serving metrics on %s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Warnf("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
