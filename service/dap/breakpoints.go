package dap

import (
	"context"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/remdap/remdap/pkg/logflags"
	"github.com/remdap/remdap/service/adt"
)

// sourceCacheSize bounds the path-to-source-ref cache. Source refs are
// stable across stops, unlike variable values, so caching them is safe.
const sourceCacheSize = 128

// breakpointStore tracks the breakpoints declared by the front-end, keyed
// by connection and source path, and pushes them to remote sessions as full
// per-file replacements.
type breakpointStore struct {
	mu sync.Mutex
	// declared maps connection id to source path to breakpoint lines.
	declared map[string]map[string][]int
	sources  *lru.Cache
	log      *logrus.Entry
}

func newBreakpointStore() *breakpointStore {
	cache, _ := lru.New(sourceCacheSize)
	return &breakpointStore{
		declared: make(map[string]map[string][]int),
		sources:  cache,
		log:      logflags.ListenerLogger(),
	}
}

// SetFileBreakpoints replaces the declared breakpoint set of one source
// file for a connection.
func (b *breakpointStore) SetFileBreakpoints(connID, path string, lines []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	files := b.declared[connID]
	if files == nil {
		files = make(map[string][]int)
		b.declared[connID] = files
	}
	if len(lines) == 0 {
		delete(files, path)
		return
	}
	files[path] = append([]int(nil), lines...)
}

// snapshot returns a copy of the declared set for one connection.
func (b *breakpointStore) snapshot(connID string) map[string][]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]int, len(b.declared[connID]))
	for path, lines := range b.declared[connID] {
		out[path] = append([]int(nil), lines...)
	}
	return out
}

func (b *breakpointStore) resolveSource(ctx context.Context, client adt.Client, path string) (adt.SourceRef, error) {
	if ref, ok := b.sources.Get(path); ok {
		return ref.(adt.SourceRef), nil
	}
	ref, err := client.ResolveSource(ctx, path)
	if err != nil {
		return adt.SourceRef{}, err
	}
	b.sources.Add(path, ref)
	return ref, nil
}

// Sync pushes the declared breakpoints of one connection to its remote
// session, one full replacement per source file. The remote call is
// idempotent by replacement, so a failed file needs no rollback of the
// others; failures are aggregated and reported to the caller.
func (b *breakpointStore) Sync(ctx context.Context, connID string, client adt.Client) error {
	var result *multierror.Error
	for path, lines := range b.snapshot(connID) {
		ref, err := b.resolveSource(ctx, client, path)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "resolving %s", path))
			continue
		}
		if _, err := client.ReplaceBreakpoints(ctx, ref, lines); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "syncing breakpoints of %s", path))
		}
	}
	return result.ErrorOrNil()
}
