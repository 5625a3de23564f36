package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// LoopSummary aggregates repair-loop counters over a time window.
type LoopSummary struct {
	Window             time.Duration      `json:"window"`
	SessionsByStatus   map[string]float64 `json:"sessions_by_status"`
	AttemptsByOutcome  map[string]float64 `json:"attempts_by_outcome"`
	LLMRequestsByModel map[string]float64 `json:"llm_requests_by_model"`
	FuzzFaults         float64            `json:"fuzz_faults"`
	RetrievalMisses    float64            `json:"retrieval_misses"`
}

// SuccessRate is succeeded sessions over all finished sessions, or 0.
func (s *LoopSummary) SuccessRate() float64 {
	var total float64
	for _, n := range s.SessionsByStatus {
		total += n
	}
	if total == 0 {
		return 0
	}
	return s.SessionsByStatus["succeeded"] / total
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetLoopSummary retrieves counters increased within window.
func (q *QueryService) GetLoopSummary(ctx context.Context, window time.Duration) (*LoopSummary, error) {
	rng := model.Duration(window).String()
	summary := &LoopSummary{Window: window}

	var err error
	summary.SessionsByStatus, err = q.groupBy(ctx, fmt.Sprintf(`sum by (status) (increase(gameforge_sessions_total[%s]))`, rng), "status")
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	summary.AttemptsByOutcome, err = q.groupBy(ctx, fmt.Sprintf(`sum by (outcome) (increase(gameforge_attempts_total[%s]))`, rng), "outcome")
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	summary.LLMRequestsByModel, err = q.groupBy(ctx, fmt.Sprintf(`sum by (model) (increase(llm_requests_total[%s]))`, rng), "model")
	if err != nil {
		return nil, fmt.Errorf("failed to query llm requests: %w", err)
	}
	summary.FuzzFaults, err = q.scalar(ctx, fmt.Sprintf(`sum(increase(gameforge_fuzz_faults_total[%s]))`, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query fuzz faults: %w", err)
	}
	summary.RetrievalMisses, err = q.scalar(ctx, fmt.Sprintf(`sum(increase(gameforge_retrieval_misses_total[%s]))`, rng))
	if err != nil {
		return nil, fmt.Errorf("failed to query retrieval misses: %w", err)
	}
	return summary, nil
}

func (q *QueryService) groupBy(ctx context.Context, query, label string) (map[string]float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			out[string(sample.Metric[model.LabelName(label)])] = float64(sample.Value)
		}
	}
	return out, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
