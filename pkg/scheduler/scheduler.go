// Package scheduler executes a resolved build graph in parallel: a bounded
// worker pool admits nodes as their dependencies complete, deduplicates
// concurrent attempts by build key, propagates failures to dependents, and
// honours cooperative cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/fingerprint"
	"github.com/spectreeops/spectree/pkg/graph"
)

// Status is a node's scheduling state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"

	// StatusSkipped marks a node that was never attempted because a
	// transitive dependency failed.
	StatusSkipped Status = "skipped-failed-dep"

	// StatusCancelled marks a node abandoned by run cancellation.
	StatusCancelled Status = "cancelled"
)

// NodePlan is the scheduler's per-node input: the precomputed build key,
// or the error that prevented computing one (failed source acquisition).
type NodePlan struct {
	Key    fingerprint.BuildKey
	PreErr error
}

// BuildFunc performs one build attempt. cached reports a workspace cache
// hit, in which case no backend was invoked.
type BuildFunc func(ctx context.Context, node *graph.Node, key fingerprint.BuildKey) (cached bool, err error)

// Result is one node's outcome.
type Result struct {
	Status Status
	Cached bool
	Err    error
}

// Report is the outcome of a whole run.
type Report struct {
	RunID   string
	Results map[int]Result
}

// OK reports whether every node succeeded.
func (r *Report) OK() bool {
	for _, res := range r.Results {
		if res.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// FirstError returns the first underlying failure, preferring real build
// errors over skip/cancel symptoms.
func (r *Report) FirstError() error {
	var fallback error
	for _, res := range r.Results {
		if res.Err == nil {
			continue
		}
		if res.Status == StatusFailed {
			return res.Err
		}
		if fallback == nil {
			fallback = res.Err
		}
	}
	return fallback
}

// Scheduler drives one run over a resolved graph.
type Scheduler struct {
	g       *graph.Graph
	plans   map[int]NodePlan
	build   BuildFunc
	workers int
	logger  *zap.Logger

	mu       sync.Mutex
	statuses map[int]Status
	results  map[int]Result
	pending  map[int]int               // node -> unfinished direct deps
	attempts map[string]*attempt       // build key -> shared in-flight attempt
	onUpdate func(int, Result)         // optional status listener
	once     map[int]*sync.Once        // node completion guards
	wg       sync.WaitGroup
	readyCh  chan int
}

// attempt is a single in-flight build shared by every node that resolves
// to the same build key.
type attempt struct {
	done   chan struct{}
	cached bool
	err    error
}

// Options configures a Scheduler.
type Options struct {
	// Workers bounds concurrent builds; 0 means the number of CPUs.
	Workers int

	// OnUpdate, if set, is called after every node status change with the
	// node index and its result. Called outside the scheduler lock.
	OnUpdate func(node int, res Result)
}

// New returns a Scheduler for one run. plans must cover every node in g:
// either a build key or a pre-computed failure.
func New(g *graph.Graph, plans map[int]NodePlan, build BuildFunc, opts Options, logger *zap.Logger) *Scheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		g:        g,
		plans:    plans,
		build:    build,
		workers:  workers,
		logger:   logger,
		statuses: make(map[int]Status, len(g.Nodes)),
		results:  make(map[int]Result, len(g.Nodes)),
		pending:  make(map[int]int, len(g.Nodes)),
		attempts: map[string]*attempt{},
		once:     make(map[int]*sync.Once, len(g.Nodes)),
		onUpdate: opts.OnUpdate,
		readyCh:  make(chan int, len(g.Nodes)),
	}
}

// Run executes the graph and blocks until every node has a terminal
// status. The context cancels the run cooperatively: no new nodes are
// admitted and in-flight builds are asked to stop.
func (s *Scheduler) Run(ctx context.Context) *Report {
	runID := uuid.NewString()
	s.logger.Info("run starting",
		zap.String("run_id", runID),
		zap.Int("nodes", len(s.g.Nodes)),
		zap.Int("workers", s.workers))

	s.mu.Lock()
	for i, node := range s.g.Nodes {
		s.statuses[i] = StatusPending
		s.pending[i] = len(node.Deps)
		s.once[i] = &sync.Once{}
	}
	var roots []int
	for i, node := range s.g.Nodes {
		if len(node.Deps) == 0 {
			roots = append(roots, i)
		}
	}
	s.mu.Unlock()

	s.wg.Add(len(s.g.Nodes))
	for _, idx := range roots {
		s.readyCh <- idx
	}

	var workerWG sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			s.worker(ctx)
		}()
	}

	s.wg.Wait()
	close(s.readyCh)
	workerWG.Wait()

	report := &Report{RunID: runID, Results: map[int]Result{}}
	s.mu.Lock()
	for i, res := range s.results {
		report.Results[i] = res
	}
	s.mu.Unlock()

	s.logger.Info("run finished", zap.String("run_id", runID), zap.Bool("ok", report.OK()))
	return report
}

func (s *Scheduler) worker(ctx context.Context) {
	for idx := range s.readyCh {
		if ctx.Err() != nil {
			s.complete(idx, Result{Status: StatusCancelled, Err: ctx.Err()})
			continue
		}
		s.execute(ctx, idx)
	}
}

func (s *Scheduler) execute(ctx context.Context, idx int) {
	node := s.g.Nodes[idx]
	plan := s.plans[idx]

	if plan.PreErr != nil {
		s.complete(idx, Result{Status: StatusFailed, Err: plan.PreErr})
		return
	}

	s.setStatus(idx, StatusRunning)
	key := plan.Key.String()

	s.mu.Lock()
	a, inFlight := s.attempts[key]
	if !inFlight {
		a = &attempt{done: make(chan struct{})}
		s.attempts[key] = a
	}
	s.mu.Unlock()

	if inFlight {
		// Another node resolved to the same build key; share its attempt
		// without occupying this worker.
		s.logger.Debug("deduplicating build",
			zap.String("key", string(node.Key)), zap.String("build_key", key))
		go func() {
			<-a.done
			s.finishFromAttempt(idx, a)
		}()
		return
	}

	cached, err := s.build(ctx, node, plan.Key)
	a.cached, a.err = cached, err
	close(a.done)
	s.finishFromAttempt(idx, a)
}

func (s *Scheduler) finishFromAttempt(idx int, a *attempt) {
	switch {
	case a.err == nil:
		s.complete(idx, Result{Status: StatusSucceeded, Cached: a.cached})
	case errors.Is(a.err, context.Canceled) || errors.Is(a.err, context.DeadlineExceeded):
		s.complete(idx, Result{Status: StatusCancelled, Err: a.err})
	default:
		s.complete(idx, Result{Status: StatusFailed, Err: a.err})
	}
}

func (s *Scheduler) setStatus(idx int, st Status) {
	s.mu.Lock()
	s.statuses[idx] = st
	s.mu.Unlock()
	if s.onUpdate != nil {
		s.onUpdate(idx, Result{Status: st})
	}
}

// complete records a node's terminal result exactly once, unblocks
// dependents on success, and skips the dependent subtree otherwise.
func (s *Scheduler) complete(idx int, res Result) {
	s.once[idx].Do(func() {
		s.mu.Lock()
		s.statuses[idx] = res.Status
		s.results[idx] = res
		var ready []int
		if res.Status == StatusSucceeded {
			for _, dep := range s.g.Nodes[idx].Dependents {
				s.pending[dep]--
				if s.pending[dep] == 0 {
					ready = append(ready, dep)
				}
			}
		}
		s.mu.Unlock()

		if s.onUpdate != nil {
			s.onUpdate(idx, res)
		}
		if res.Status != StatusSucceeded {
			s.logger.Warn("node did not succeed",
				zap.String("key", string(s.g.Nodes[idx].Key)),
				zap.String("status", string(res.Status)),
				zap.Error(res.Err))
			s.skipDependents(idx)
		}
		s.wg.Done()
		for _, dep := range ready {
			s.readyCh <- dep
		}
	})
}

// skipDependents marks the whole dependent subtree skipped without
// attempting it.
func (s *Scheduler) skipDependents(idx int) {
	for _, dep := range s.g.Nodes[idx].Dependents {
		s.complete(dep, Result{
			Status: StatusSkipped,
			Err:    fmt.Errorf("skipped: dependency %q did not succeed", s.g.Nodes[idx].Key),
		})
	}
}

// Snapshot returns the current status of every node, keyed by node index.
func (s *Scheduler) Snapshot() map[int]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Status, len(s.statuses))
	for i, st := range s.statuses {
		out[i] = st
	}
	return out
}
