// Package orchestrator binds the spec model, resolver, acquirer,
// fingerprinter, workspace, stager, scheduler and a backend into the
// single entry point the CLI drives.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spectreeops/spectree/pkg/backend"
	"github.com/spectreeops/spectree/pkg/fingerprint"
	"github.com/spectreeops/spectree/pkg/gitsrc"
	"github.com/spectreeops/spectree/pkg/graph"
	"github.com/spectreeops/spectree/pkg/mirror"
	"github.com/spectreeops/spectree/pkg/scheduler"
	"github.com/spectreeops/spectree/pkg/spec"
	"github.com/spectreeops/spectree/pkg/workspace"
)

// Options configures one run.
type Options struct {
	// SpecFile is the declarative specification path.
	SpecFile string

	// WorkspaceDir is the workspace root.
	WorkspaceDir string

	// Root is the source key whose ancestor closure is built.
	Root spec.SourceKey

	// Backend performs the builds. Required.
	Backend backend.Backend

	// TargetOS selects the build target. When empty, source RPM generation
	// autodetects it from the host; the docker backend fails without it.
	TargetOS string

	// Jobs bounds concurrent builds; 0 means the number of CPUs.
	Jobs int

	// KeepFailed retains failed staging directories for inspection.
	KeepFailed bool

	// BackendTimeout bounds one backend invocation; 0 means no timeout.
	BackendTimeout time.Duration

	// RepoIndexCommand overrides the repo index tool; empty uses
	// createrepo_c.
	RepoIndexCommand string

	// Mirror, if set, uploads published artifacts after each build.
	Mirror *mirror.Uploader

	// OnUpdate, if set, observes node status changes.
	OnUpdate func(key spec.SourceKey, res scheduler.Result)

	Logger *zap.Logger
}

// NodeStatus is one node's externally visible state.
type NodeStatus struct {
	SourceKey spec.SourceKey   `json:"source_key"`
	BuildKey  string           `json:"build_key,omitempty"`
	Status    scheduler.Status `json:"status"`
	Cached    bool             `json:"cached,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	RunID string
	Nodes []NodeStatus
}

// OK reports whether every node succeeded.
func (r *Report) OK() bool {
	for _, n := range r.Nodes {
		if n.Status != scheduler.StatusSucceeded {
			return false
		}
	}
	return len(r.Nodes) > 0
}

// Orchestrator is a prepared run. Construct with New, then call Run.
type Orchestrator struct {
	opts Options
	log  *zap.Logger

	g     *graph.Graph
	plans map[int]scheduler.NodePlan
	trees map[int]*gitsrc.WorkTree

	mu       sync.Mutex
	statuses map[int]NodeStatus
}

// New loads and resolves the spec, acquires every source in the execution
// set, and precomputes build keys. Configuration errors (bad spec, missing
// root) are returned here, before any build side effects.
func New(ctx context.Context, opts Options) (*Orchestrator, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	tree, err := spec.Load(opts.SpecFile)
	if err != nil {
		return nil, err
	}
	log.Info("loaded spec", zap.Int("sources", len(tree.Sources)), zap.String("root", string(opts.Root)))

	g, err := graph.Resolve(tree, opts.Root)
	if err != nil {
		return nil, err
	}
	log.Info("resolved execution set", zap.Int("nodes", len(g.Nodes)))

	ws := workspace.New(opts.WorkspaceDir, log)
	if err := ws.Init(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		opts:     opts,
		log:      log,
		g:        g,
		trees:    map[int]*gitsrc.WorkTree{},
		statuses: map[int]NodeStatus{},
	}
	o.acquireAll(ctx, ws)
	o.fingerprintAll()

	for i, n := range g.Nodes {
		st := NodeStatus{SourceKey: n.Key, Status: scheduler.StatusPending}
		if plan := o.plans[i]; !plan.Key.IsZero() {
			st.BuildKey = plan.Key.String()
		}
		o.statuses[i] = st
	}
	return o, nil
}

// Graph exposes the resolved graph (for the resolve command).
func (o *Orchestrator) Graph() *graph.Graph { return o.g }

// Plans exposes the per-node build keys and pre-computed failures.
func (o *Orchestrator) Plans() map[int]scheduler.NodePlan { return o.plans }

// acquireAll materialises every working tree. A per-node failure (dirty
// tree, clone error) is recorded against that node only; independent
// nodes still build.
func (o *Orchestrator) acquireAll(ctx context.Context, ws *workspace.Workspace) {
	acquirer := gitsrc.New(ws.SourcesDir(), o.log)
	preErrs := map[int]error{}
	for _, idx := range o.g.TopoOrder() {
		node := o.g.Nodes[idx]
		wt, err := acquirer.Acquire(ctx, node.Key, node.Source)
		if err != nil {
			o.log.Error("source acquisition failed",
				zap.String("key", string(node.Key)), zap.Error(err))
			preErrs[idx] = err
			continue
		}
		o.trees[idx] = wt
		o.log.Info("source ready",
			zap.String("key", string(node.Key)), zap.String("tree", wt.Hash))
	}
	o.plans = map[int]scheduler.NodePlan{}
	for idx, err := range preErrs {
		o.plans[idx] = scheduler.NodePlan{PreErr: err}
	}
}

// fingerprintAll derives build keys leaves-up for every node whose whole
// subtree acquired cleanly.
func (o *Orchestrator) fingerprintAll() {
	hashes := map[int]string{}
	for idx, wt := range o.trees {
		hashes[idx] = wt.Hash
	}
	keys := fingerprint.ComputeGraph(o.g, hashes)
	for idx, key := range keys {
		o.plans[idx] = scheduler.NodePlan{Key: key}
	}
	// Nodes without a key or an acquisition error failed transitively.
	for idx := range o.g.Nodes {
		if _, ok := o.plans[idx]; !ok {
			o.plans[idx] = scheduler.NodePlan{
				PreErr: fmt.Errorf("build key unavailable: a dependency of %q failed acquisition", o.g.Nodes[idx].Key),
			}
		}
	}
}

// Run executes the whole graph and returns the final report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	ws := workspace.New(o.opts.WorkspaceDir, o.log)
	stager := workspace.NewStager(ws, o.opts.RepoIndexCommand, o.log)

	sched := scheduler.New(o.g, o.plans, o.buildFunc(ws, stager), scheduler.Options{
		Workers:  o.opts.Jobs,
		OnUpdate: o.recordUpdate,
	}, o.log)

	report := sched.Run(ctx)

	out := &Report{RunID: report.RunID}
	for _, idx := range o.g.TopoOrder() {
		res := report.Results[idx]
		st := o.statusFor(idx)
		st.Status = res.Status
		st.Cached = res.Cached
		if res.Err != nil {
			st.Error = res.Err.Error()
		}
		out.Nodes = append(out.Nodes, st)
	}
	if !out.OK() {
		return out, report.FirstError()
	}
	return out, nil
}

func (o *Orchestrator) recordUpdate(idx int, res scheduler.Result) {
	o.mu.Lock()
	st := o.statuses[idx]
	st.Status = res.Status
	st.Cached = res.Cached
	if res.Err != nil {
		st.Error = res.Err.Error()
	}
	o.statuses[idx] = st
	o.mu.Unlock()

	if o.opts.OnUpdate != nil {
		o.opts.OnUpdate(o.g.Nodes[idx].Key, res)
	}
}

func (o *Orchestrator) statusFor(idx int) NodeStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statuses[idx]
}

// Snapshot returns the current status of every node, sorted by source
// key. Safe to call concurrently with Run.
func (o *Orchestrator) Snapshot() []NodeStatus {
	o.mu.Lock()
	out := make([]NodeStatus, 0, len(o.statuses))
	for _, st := range o.statuses {
		out = append(out, st)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out
}

// buildFunc is the scheduler's per-node attempt: cache check, deps
// staging, backend invocation, and atomic publication.
func (o *Orchestrator) buildFunc(ws *workspace.Workspace, stager *workspace.Stager) scheduler.BuildFunc {
	return func(ctx context.Context, node *graph.Node, key fingerprint.BuildKey) (bool, error) {
		be := o.opts.Backend
		log := o.log.With(zap.String("key", string(node.Key)), zap.String("build_key", key.String()))

		if be.LocalArtifacts() && ws.Published(key) {
			log.Info("already built")
			return true, nil
		}

		st, err := ws.NewStaging(key)
		if err != nil {
			return false, err
		}
		keepStaging := false
		defer func() {
			if !keepStaging {
				if rmErr := st.Remove(); rmErr != nil {
					log.Warn("could not remove staging dir", zap.Error(rmErr))
				}
			}
		}()

		depsDir := ""
		if be.WantsDepsRepo() {
			closure := o.closureKeys(node.Index)
			if err := stager.Stage(ctx, st, closure); err != nil {
				return false, err
			}
			depsDir = st.DepsDir()
		}

		req := &backend.Request{
			Key:         key,
			SourceKey:   node.Key,
			BuildParams: node.Source.BuildParams,
			WorkTree:    o.trees[node.Index].Path,
			DepsDir:     depsDir,
			BuildDir:    st.BuildDir(),
			StagingDir:  st.Dir(),
			TargetOS:    o.opts.TargetOS,
			SRPM:        o.srpmFunc(node, st),
		}

		buildCtx := ctx
		if o.opts.BackendTimeout > 0 {
			var cancel context.CancelFunc
			buildCtx, cancel = context.WithTimeout(ctx, o.opts.BackendTimeout)
			defer cancel()
		}

		if err := be.Build(buildCtx, req); err != nil {
			// Failed staging is kept when asked, and always for debug-prepare
			// and hosted backends, where the evidence is worth more than the
			// disk space.
			if o.opts.KeepFailed || !be.LocalArtifacts() || errors.Is(err, backend.ErrDebugPrepare) {
				keepStaging = true
				log.Info("retaining staging dir after failure", zap.String("path", st.Dir()))
			}
			return false, err
		}

		if be.LocalArtifacts() {
			if err := st.Publish(); err != nil {
				return false, err
			}
			keepStaging = true // published: the directory moved into place

			if o.opts.Mirror != nil {
				if err := o.opts.Mirror.Upload(ctx, key, ws.ArtifactDir(key)); err != nil {
					log.Warn("artifact mirror upload failed", zap.Error(err))
				}
			}
		}
		return false, nil
	}
}

// closureKeys maps the node's deps closure onto build keys.
func (o *Orchestrator) closureKeys(idx int) []fingerprint.BuildKey {
	closure := o.g.DepsClosure(idx)
	keys := make([]fingerprint.BuildKey, 0, len(closure))
	for _, anc := range closure {
		keys = append(keys, o.plans[anc].Key)
	}
	return keys
}

// srpmFunc generates the node's source RPM at most once per attempt.
func (o *Orchestrator) srpmFunc(node *graph.Node, st *workspace.Staging) func(context.Context) (string, error) {
	var (
		once sync.Once
		path string
		err  error
	)
	return func(ctx context.Context) (string, error) {
		once.Do(func() {
			targetOS := o.opts.TargetOS
			if targetOS == "" {
				targetOS, err = backend.DetectBaseOS()
				if err != nil {
					return
				}
			}
			path, err = backend.GenerateSRPM(ctx, o.log, node.Key, o.trees[node.Index].Path, targetOS, st.SRPMDir())
		})
		return path, err
	}
}
