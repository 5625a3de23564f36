package repair

import (
	"context"

	"golang.org/x/sync/errgroup"

	"gameforge/pkg/session"
)

// BatchResult pairs one request's result with its Run error.
type BatchResult struct {
	Result session.Result
	Err    error
}

// RunBatch runs independent sessions with at most parallelism in flight.
// Results are returned in request order; one session's failure does not
// cancel the others.
func (c *Controller) RunBatch(ctx context.Context, reqs []session.GenerationRequest, parallelism int) []BatchResult {
	if parallelism <= 0 {
		parallelism = 1
	}
	results := make([]BatchResult, len(reqs))

	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := c.Run(ctx, req)
			results[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
