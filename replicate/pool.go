package replicate

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency caps in-flight batch handlers when none is configured.
const DefaultConcurrency = 5

// ItemError pairs a failed input record with its error.
type ItemError struct {
	Item  Record `json:"item"`
	Error error  `json:"error"`
}

// PoolHandler processes one record, returning its per-record result.
type PoolHandler func(ctx context.Context, record Record) (*Result, error)

// ErrorMapper projects a collected error into a compact form for reporting.
type ErrorMapper func(err error, record Record) error

// Pool executes a handler across a record sequence with bounded concurrency.
// A single record failure never fails the pool; it is collected instead.
// Result ordering relative to the input is not guaranteed.
type Pool struct {
	Concurrency int
}

// Run dispatches |records| through |fn|, returning collected results and
// per-item errors. Every input record lands in exactly one of the two.
// |mapError| is optional.
func (p Pool) Run(ctx context.Context, records []Record, fn PoolHandler, mapError ErrorMapper) ([]*Result, []ItemError) {
	if len(records) == 0 {
		return nil, nil
	}

	var concurrency = p.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	var mu sync.Mutex
	var results []*Result
	var failures []ItemError

	var group, groupCtx = errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	for _, record := range records {
		var record = record
		group.Go(func() error {
			var result, err = fn(groupCtx, record)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if mapError != nil {
					err = mapError(err, record)
				}
				failures = append(failures, ItemError{Item: record, Error: err})
				return nil
			}
			results = append(results, result)
			return nil
		})
	}

	// Workers never return errors; Wait only synchronises completion.
	_ = group.Wait()
	return results, failures
}
