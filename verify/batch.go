package verify

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	replayvault "github.com/replaylabs/replay-vault"
)

// VerifyMany checks a set of entries with bounded concurrency and
// aggregates the outcome. Individual failures are classified, not
// propagated; only context cancellation aborts the batch.
func (v *Verifier) VerifyMany(ctx context.Context, keys []replayvault.Key) (BatchResult, error) {
	result := BatchResult{Total: len(keys)}
	if len(keys) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallelism)

	for _, key := range keys {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			r := v.Verify(ctx, key)

			mu.Lock()
			defer mu.Unlock()
			if r.Valid {
				result.Valid++
			} else {
				result.Invalid++
				result.InvalidKeys = append(result.InvalidKeys, key)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}
	return result, nil
}

// VerifyAll runs VerifyMany over every entry in the store.
func (v *Verifier) VerifyAll(ctx context.Context) (BatchResult, error) {
	entries, err := v.store.List(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	keys := make([]replayvault.Key, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return v.VerifyMany(ctx, keys)
}
