// Package batch drives bulk key fetches against the remote debugger API
// with a bounded number of requests in flight.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Chunks partitions keys into slices of at most size elements, preserving
// order. The returned slices alias the input.
func Chunks(keys []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

// Run partitions keys into chunks of chunkSize and calls fetch for each
// chunk, keeping at most maxInFlight calls running at once. Chunk completion
// order is not defined; callers must reassemble results by key. The first
// fetch error cancels the remaining chunks and is returned.
func Run(ctx context.Context, keys []string, chunkSize, maxInFlight int, fetch func(ctx context.Context, chunk []string) error) error {
	if len(keys) == 0 {
		return nil
	}
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for _, chunk := range Chunks(keys, chunkSize) {
		chunk := chunk
		g.Go(func() error {
			return fetch(ctx, chunk)
		})
	}
	return g.Wait()
}
