package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"gameforge/pkg/catalog"
	"gameforge/pkg/embedding"
	"gameforge/pkg/retrieval"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Build and query the reference module catalog",
}

var catalogBuildCmd = &cobra.Command{
	Use:   "build <dir>",
	Short: "Embed every reference module in dir and write a catalog snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogBuild,
}

var catalogQueryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Show which reference modules a query retrieves",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogQuery,
}

//nolint:gochecknoglobals // cobra flag targets
var (
	catalogSnapshot string
	queryK          int
	queryThreshold  float64
	queryTags       []string
)

func init() {
	catalogBuildCmd.Flags().StringVarP(&catalogSnapshot, "snapshot", "s", "", "Snapshot path (defaults to catalog.snapshot)")

	catalogQueryCmd.Flags().IntVarP(&queryK, "k", "k", 0, "Maximum matches (defaults to retrieval.k)")
	catalogQueryCmd.Flags().Float64Var(&queryThreshold, "threshold", 0, "Similarity threshold (defaults to retrieval.threshold)")
	catalogQueryCmd.Flags().StringSliceVarP(&queryTags, "tag", "t", nil, "Only consider modules carrying any of these tags")

	catalogCmd.AddCommand(catalogBuildCmd, catalogQueryCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := unlockSecrets(); err != nil {
		return err
	}

	path := catalogSnapshot
	if path == "" {
		path = cfg.Catalog.Snapshot
	}
	if path == "" {
		return fmt.Errorf("no snapshot path: pass --snapshot or set catalog.snapshot")
	}

	engine, err := embedding.NewEngine(cfg.Catalog)
	if err != nil {
		return err
	}
	cat, err := catalog.DirBuilder(args[0], engine)(cmd.Context())
	if err != nil {
		return err
	}
	if err := catalog.SaveSnapshot(path, cat); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d modules (%s) to %s\n", cat.Len(), cat.Embedder(), path)
	return nil
}

func runCatalogQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := unlockSecrets(); err != nil {
		return err
	}

	engine, err := embedding.NewEngine(cfg.Catalog)
	if err != nil {
		return err
	}
	index, err := loadIndex(cmd.Context(), cfg.Catalog, engine)
	if err != nil {
		return err
	}

	q := retrieval.Query{
		Text:      args[0],
		K:         cfg.Retrieval.K,
		Threshold: cfg.Retrieval.Threshold,
		Tags:      queryTags,
	}
	if cmd.Flags().Changed("k") {
		q.K = queryK
	}
	if cmd.Flags().Changed("threshold") {
		q.Threshold = queryThreshold
	}

	matches, err := retrieval.New(engine).Search(cmd.Context(), index.Snapshot(), q)
	if err != nil {
		return err
	}
	if matches == nil {
		matches = []retrieval.Match{}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(matches)
}
