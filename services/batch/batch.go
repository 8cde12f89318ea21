// Package batch runs per-item work over a bounded worker pool.
package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one item. Exactly one of Value or Err is meaningful.
type Outcome[T any] struct {
	Index int
	Value T
	Err   error
}

func (o Outcome[T]) OK() bool {
	return o.Err == nil
}

// Run applies worker to every item with at most concurrency in flight and
// returns the outcomes in input order. A failing or panicking worker only
// affects its own outcome. Once ctx is done no further items are dispatched;
// those items get ctx.Err() as their outcome.
func Run[I, T any](ctx context.Context, items []I, concurrency int, worker func(ctx context.Context, item I, index int) (T, error)) []Outcome[T] {
	outcomes := make([]Outcome[T], len(items))
	if len(items) == 0 {
		return outcomes
	}

	width := concurrency
	if width > len(items) {
		width = len(items)
	}
	if width < 1 {
		width = 1
	}

	var g errgroup.Group
	g.SetLimit(width)

	for i, item := range items {
		i, item := i, item
		outcomes[i].Index = i
		if err := ctx.Err(); err != nil {
			outcomes[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				return nil
			}
			outcomes[i].Value, outcomes[i].Err = call(ctx, worker, item, i)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func call[I, T any](ctx context.Context, worker func(context.Context, I, int) (T, error), item I, index int) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return worker(ctx, item, index)
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Summary counts successful and failed outcomes.
func Summary[T any](outcomes []Outcome[T]) (ok, failed int) {
	for _, o := range outcomes {
		if o.Err == nil {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}
