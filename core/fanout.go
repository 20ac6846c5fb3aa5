package core

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// RunBounded starts exactly limit workers that pull items from a shared
// cursor and call fn for each. Results come back in completion order, not
// input order. The first error from fn cancels the run and is returned with
// the results gathered so far; callers that want partial results must
// handle per-item failures inside fn.
func RunBounded[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) ([]R, error) {
	if limit <= 0 {
		limit = 1
	}
	results := make([]R, 0, len(items))
	if len(items) == 0 {
		return results, nil
	}

	var (
		cursor atomic.Int64
		mu     sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < limit; w++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				i := int(cursor.Add(1) - 1)
				if i >= len(items) {
					return nil
				}
				r, err := fn(gctx, items[i])
				if err != nil {
					fanoutItems.WithLabelValues("error").Inc()
					return err
				}
				fanoutItems.WithLabelValues("ok").Inc()
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		})
	}
	err := g.Wait()
	mu.Lock()
	defer mu.Unlock()
	return results, err
}
