package parallel

import (
	"context"
	"iter"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Result pairs an input with what mapFunc made of it.
type Result[E, D any] struct {
	In  E
	Out D
	Err error
}

// Map runs mapFunc over its input with bounded parallelism. Results are
// yielded as they complete, so the typical usage is
//
//	for r := range parallel.NewMap(ctx, 4, f).Iter(input) {}
//
// Map is context aware, a canceled context ends the processing. Breaking out
// of the loop cancels the outstanding calls.
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan Result[E, D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	limit = max(limit, 1)
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one extra slot for the feeding goroutine
	g.SetLimit(limit + 1)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       make(chan Result[E, D], limit),
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq[E]) {
	s.g.Go(func() error {
		for in := range seq {
			if s.gctx.Err() != nil {
				return nil
			}
			s.g.Go(func() error {
				out, err := s.mapFunc(s.gctx, in)
				select {
				case <-s.gctx.Done():
				case s.mapped <- Result[E, D]{In: in, Out: out, Err: err}:
				}
				return nil
			})
		}
		return nil
	})
}

func (s *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq[Result[E, D]] {
	return func(yield func(Result[E, D]) bool) {
		defer s.cancelParent()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()
		// unblock and reap the workers whichever way the loop ends
		defer func() {
			s.cancelParent()
			for range s.mapped {
			}
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Collect maps all of in and returns the results in input order. Inputs not
// processed because ctx ended carry ctx's error.
func Collect[E, D any](ctx context.Context, limit int, in []E, mapFunc func(context.Context, E) (D, error)) []Result[E, D] {
	type indexed struct {
		i int
		e E
	}
	idx := make([]indexed, len(in))
	for i, e := range in {
		idx[i] = indexed{i: i, e: e}
	}

	ret := make([]Result[E, D], len(in))
	done := make([]bool, len(in))
	m := NewMap(ctx, limit, func(ctx context.Context, x indexed) (D, error) {
		return mapFunc(ctx, x.e)
	})
	for r := range m.Iter(slices.Values(idx)) {
		ret[r.In.i] = Result[E, D]{In: r.In.e, Out: r.Out, Err: r.Err}
		done[r.In.i] = true
	}
	for i, ok := range done {
		if !ok {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			ret[i] = Result[E, D]{In: in[i], Err: err}
		}
	}
	return ret
}
