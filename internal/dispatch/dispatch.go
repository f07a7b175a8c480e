// Package dispatch fans work items out to a bounded pool of workers and
// gathers exactly one outcome per dispatched item.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cloudcost-cli/internal/model"
	"github.com/sells-group/cloudcost-cli/internal/resilience"
)

// Op fetches one item. It must classify its own failures into the result and
// never panic on upstream errors.
type Op func(ctx context.Context, item model.WorkItem) model.FetchResult

// Progress is a snapshot of a running dispatch.
type Progress struct {
	Completed int
	Total     int
	Elapsed   time.Duration
	ETA       time.Duration
}

// Options configures one Run.
type Options struct {
	// Name identifies the worker pool in logs ("metadata", "compartments").
	Name       string
	MaxWorkers int
	// OnResult and OnProgress are invoked from a single goroutine, in
	// completion order.
	OnResult   func(model.Outcome)
	OnProgress func(Progress)
	// LogEvery throttles the progress log line. Zero means every 2s.
	LogEvery time.Duration
}

// Report is the result of a Run.
type Report struct {
	Outcomes []model.Outcome
	// Skipped counts items never handed to op because ctx was done first.
	Skipped int
	// Partial is set when ctx ended the run before every item was dispatched.
	Partial bool
	Elapsed time.Duration
}

// Run calls op for every item with at most opts.MaxWorkers calls in flight.
// Once ctx is done no further item is dispatched; calls already in flight run
// to completion under a context detached from ctx's cancellation, so op must
// bound itself with its own timeout. resilience.Stopping reports on that
// context once ctx is done, so op can skip follow-up calls such as retries.
func Run(ctx context.Context, items []model.WorkItem, op Op, opts Options) Report {
	workers := opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	logEvery := opts.LogEvery
	if logEvery <= 0 {
		logEvery = 2 * time.Second
	}
	log := zap.L().With(zap.String("component", "dispatch"), zap.String("pool", opts.Name))

	start := time.Now()
	total := len(items)
	results := make(chan model.Outcome, workers)
	done := make(chan []model.Outcome)

	go func() {
		outcomes := make([]model.Outcome, 0, total)
		lastLog := start
		for o := range results {
			outcomes = append(outcomes, o)
			if opts.OnResult != nil {
				opts.OnResult(o)
			}
			p := progress(len(outcomes), total, time.Since(start))
			if opts.OnProgress != nil {
				opts.OnProgress(p)
			}
			if now := time.Now(); now.Sub(lastLog) >= logEvery {
				lastLog = now
				log.Info("progress",
					zap.Int("completed", p.Completed),
					zap.Int("total", p.Total),
					zap.Duration("elapsed", p.Elapsed),
					zap.Duration("eta", p.ETA),
				)
			}
		}
		done <- outcomes
	}()

	var (
		g       errgroup.Group
		skipped atomic.Int64
	)
	g.SetLimit(workers)
	opCtx := resilience.Detach(ctx)

	for i, item := range items {
		if ctx.Err() != nil {
			skipped.Add(int64(total - i))
			break
		}
		g.Go(func() error {
			// A slot may free up after cancellation; the item is then not
			// dispatched at all.
			if ctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			results <- model.Outcome{Item: item, Result: op(opCtx, item)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	outcomes := <-done

	r := Report{
		Outcomes: outcomes,
		Skipped:  int(skipped.Load()),
		Elapsed:  time.Since(start),
	}
	r.Partial = r.Skipped > 0

	log.Info("dispatch finished",
		zap.Int("completed", len(outcomes)),
		zap.Int("total", total),
		zap.Int("skipped", r.Skipped),
		zap.Int("workers", workers),
		zap.Duration("elapsed", r.Elapsed),
	)
	return r
}

// progress estimates the remaining time from the mean time per completed item.
func progress(completed, total int, elapsed time.Duration) Progress {
	p := Progress{Completed: completed, Total: total, Elapsed: elapsed}
	if completed > 0 && completed < total {
		p.ETA = time.Duration(float64(elapsed) / float64(completed) * float64(total-completed))
	}
	return p
}
