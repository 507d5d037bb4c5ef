// Package pool runs work in fixed-size concurrent batches.
package pool

import (
	"context"
	"fmt"
	"sync"
)

// Func handles item i. A returned error is recorded for that item only;
// it never stops the rest of the batch.
type Func func(ctx context.Context, i int) error

// Pool settles items batch by batch: every item of a batch runs
// concurrently, and the next batch starts only after all of them return.
type Pool struct {
	batchSize int
}

// New creates a Pool. If batchSize is <= 0, it defaults to 5.
func New(batchSize int) *Pool {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Pool{batchSize: batchSize}
}

func (p *Pool) BatchSize() int {
	return p.batchSize
}

// Report describes how far an Execute got.
type Report struct {
	Started int     // items handed to fn
	Errs    []error // per item, nil on success or when never started
}

// Failed counts items whose fn returned an error.
func (r Report) Failed() int {
	n := 0
	for _, err := range r.Errs {
		if err != nil {
			n++
		}
	}
	return n
}

// Execute runs fn for items [0, n). ctx is only consulted between
// batches: once it is done no further batch starts and ctx.Err() is
// returned. Items already running receive a context detached from ctx's
// cancellation and always run to completion.
func (p *Pool) Execute(ctx context.Context, n int, fn Func) (Report, error) {
	rep := Report{Errs: make([]error, n)}
	work := context.WithoutCancel(ctx)

	for start := 0; start < n; start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		end := min(start+p.batchSize, n)

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rep.Errs[i] = call(work, i, fn)
			}(i)
		}
		wg.Wait()
		rep.Started = end
	}
	return rep, nil
}

// call converts a panic in fn into an error for that item.
func call(ctx context.Context, i int, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: item %d panicked: %v", i, r)
		}
	}()
	return fn(ctx, i)
}
