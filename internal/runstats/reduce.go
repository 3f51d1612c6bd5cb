package runstats

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Reduce merges partial accumulators into one.
func Reduce(parts ...RunStats) RunStats {
	var out RunStats
	for _, p := range parts {
		out = out.Merge(p)
	}
	return out
}

// AccumulateParallel builds one accumulator per partition, at most workers at
// a time, and reduces them. Each goroutine owns its accumulator until the
// final reduction.
func AccumulateParallel(ctx context.Context, partitions [][]float64, workers int) (RunStats, error) {
	parts := make([]RunStats, len(partitions))

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, values := range partitions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var acc RunStats
			for _, v := range values {
				acc.Add(v)
			}
			parts[i] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunStats{}, err
	}
	return Reduce(parts...), nil
}
