// Package fuzz runs randomly chosen schema, placement, and write operations
// against a cluster, to shake out bugs which only appear when tables are
// being reconfigured while they're in use. It only checks that the cluster
// keeps answering; errors which the backend reports for individual ops (e.g.
// dropping a table which a concurrent op already dropped) are expected.
package fuzz

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/adammck/fixture/pkg/api"
	"github.com/adammck/fixture/pkg/backend"
	"github.com/adammck/fixture/pkg/cluster"
	"github.com/jonboulle/clockwork"
	"github.com/lthibault/jitterbug"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Conns   backend.Provider
	Members cluster.Membership

	// Seed seeds every random choice. With a single thread, the same seed
	// produces the same sequence of ops. Zero means now.
	Seed int64

	// Duration is how long to fuzz for. Zero means until ctx is cancelled or
	// MaxOps have been run.
	Duration time.Duration

	// MaxOps stops fuzzing once this many ops have been started. Zero means
	// no limit.
	MaxOps int

	// Threads is the number of workers running ops concurrently. Each one
	// acquires its connection when it starts.
	Threads int

	// IgnoreTimeouts keeps fuzzing when a wait op times out. Otherwise the
	// first timeout stops every worker, and is returned.
	IgnoreTimeouts bool

	// Progress logs the time remaining every ProgressInterval.
	Progress         bool
	ProgressInterval time.Duration

	// Interval is the (jittered) pause between each op run by a worker. Zero
	// runs them back to back.
	Interval time.Duration

	// WaitTimeout bounds each wait op.
	WaitTimeout time.Duration

	// Weights defaults to DefaultWeights.
	Weights Weights

	Clock clockwork.Clock
}

// Stats summarizes a run.
type Stats struct {
	Ops      map[Kind]int `json:"ops"`
	Errors   int          `json:"errors"`
	Timeouts int          `json:"timeouts"`
}

func (s Stats) Total() int {
	n := 0
	for _, v := range s.Ops {
		n += v
	}
	return n
}

type Runner struct {
	opts    Options
	servers []string

	// mu guards everything below, including the model.
	mu      sync.Mutex
	model   *Model
	started int
	stats   Stats

	feeds   sync.WaitGroup
	feedCtx context.Context
}

func New(opts Options) (*Runner, error) {
	if opts.Conns == nil || opts.Members == nil {
		return nil, fmt.Errorf("%w: connections and membership required", api.ErrInvalidArgument)
	}

	if opts.Threads == 0 {
		opts.Threads = 1
	}
	if opts.Threads < 0 {
		return nil, fmt.Errorf("%w: bad thread count: %d", api.ErrInvalidArgument, opts.Threads)
	}

	if opts.Duration < 0 || opts.MaxOps < 0 || opts.Interval < 0 {
		return nil, fmt.Errorf("%w: duration, max ops, and interval can't be negative", api.ErrInvalidArgument)
	}

	if opts.Weights == nil {
		opts.Weights = DefaultWeights()
	}
	if err := opts.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", api.ErrInvalidArgument, err)
	}

	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = 10 * time.Second
	}

	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 30 * time.Second
	}

	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Runner{
		opts:  opts,
		model: NewModel(rand.New(rand.NewSource(opts.Seed))),
		stats: Stats{Ops: map[Kind]int{}},
	}, nil
}

// Model returns the model of the cluster. It must not be used while Run is
// running.
func (r *Runner) Model() *Model {
	return r.model
}

// Run fuzzes until the duration expires, MaxOps have been started, ctx is
// cancelled, or a worker fails. Only failures are returned as errors.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	nodes, err := r.opts.Members.Nodes(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(nodes) == 0 {
		return Stats{}, fmt.Errorf("%w: cluster has no servers", api.ErrNoReachableNode)
	}
	r.servers = api.Names(nodes)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.feedCtx = ctx

	log.Printf("fuzzing %d servers for %s, seed: %d", len(r.servers), r.opts.Duration, r.opts.Seed)

	if r.opts.Duration > 0 {
		end := r.opts.Clock.Now().Add(r.opts.Duration)
		go r.timer(ctx, cancel, end)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Threads; i++ {
		g.Go(func() error {
			return r.work(gctx)
		})
	}

	err = g.Wait()
	cancel()
	r.feeds.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	log.Printf("stopped fuzzing after %d ops (%d errors, %d timeouts)", r.stats.Total(), r.stats.Errors, r.stats.Timeouts)

	out := Stats{Ops: map[Kind]int{}, Errors: r.stats.Errors, Timeouts: r.stats.Timeouts}
	for k, v := range r.stats.Ops {
		out.Ops[k] = v
	}

	return out, err
}

// timer cancels the run at the end time, logging progress on the way if
// that's enabled.
func (r *Runner) timer(ctx context.Context, cancel context.CancelFunc, end time.Time) {
	clock := r.opts.Clock
	done := clock.After(end.Sub(clock.Now()))

	var progress <-chan time.Time
	if r.opts.Progress {
		t := clock.NewTicker(r.opts.ProgressInterval)
		defer t.Stop()
		progress = t.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			cancel()
			return
		case <-progress:
			log.Printf("%s remaining", end.Sub(clock.Now()).Round(time.Second))
		}
	}
}

func (r *Runner) work(ctx context.Context) error {
	conn, err := r.opts.Conns.Acquire(ctx)
	if err != nil {
		return err
	}

	var tick <-chan time.Time
	if d := r.opts.Interval; d > 0 {
		t := jitterbug.New(d, &jitterbug.Norm{Stdev: d / 10})
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		done, err := r.step(ctx, conn)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// step runs one random op. Returns true if the worker should stop.
func (r *Runner) step(ctx context.Context, conn backend.Conn) (bool, error) {
	r.mu.Lock()
	if r.opts.MaxOps > 0 && r.started >= r.opts.MaxOps {
		r.mu.Unlock()
		return true, nil
	}

	k, ok := r.choose()
	if !ok {
		r.mu.Unlock()
		return true, fmt.Errorf("no ops are possible with weights: %s", r.opts.Weights)
	}

	o := r.prepare(k)
	r.started++
	r.mu.Unlock()

	log.Printf("running op: %s", o)
	err := o.run(ctx, conn)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Ops[k]++
	ops(k).Inc()

	if err == nil {
		if o.commit != nil {
			o.commit()
		}
		return false, nil
	}

	// Interrupted by the end of the run.
	if ctx.Err() != nil {
		return true, nil
	}

	if errors.Is(err, api.ErrTimeout) {
		r.stats.Timeouts++
		opTimeouts.Inc()

		if !r.opts.IgnoreTimeouts {
			return true, fmt.Errorf("%s: %w", o, err)
		}

		log.Printf("WARN: %s: %v", o, err)
		return false, nil
	}

	if isRuntime(err) {
		r.stats.Errors++
		opErrors.Inc()
		log.Printf("error: %s: %v", o, err)
		return false, nil
	}

	return true, fmt.Errorf("%s: %w", o, err)
}

// isRuntime returns true if the backend rejected an op, as opposed to the op
// not reaching the backend at all.
func isRuntime(err error) bool {
	for _, e := range []error{
		api.ErrNotFound,
		api.ErrAlreadyExists,
		api.ErrUnavailable,
		api.ErrInvalidArgument,
		ErrWrite,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
