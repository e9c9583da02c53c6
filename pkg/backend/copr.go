package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spectreeops/spectree/pkg/coprstate"
	"github.com/spectreeops/spectree/pkg/runner"
)

// CommandRunner executes a shell command and returns its trimmed stdout.
// It exists so tests can substitute a fake copr-cli.
type CommandRunner interface {
	Output(ctx context.Context, script string) (string, error)
}

// CoprOptions configures the remote hosted backend.
type CoprOptions struct {
	// Project is the hosted project builds are submitted under. Required.
	Project string

	// Store is the durable remote-build state. Required.
	Store *coprstate.Store

	// AssumeBuilt matches source keys whose builds are assumed already
	// present on the hosted side; matched nodes are never submitted.
	AssumeBuilt *regexp.Regexp

	// ExcludeChroots are glob patterns for chroots whose subordinate
	// states are ignored when aggregating a build's outcome.
	ExcludeChroots []string

	// PollInitial and PollMax bound the exponential poll backoff.
	PollInitial time.Duration
	PollMax     time.Duration

	// Limiter caps copr-cli invocation rate across all workers.
	Limiter *rate.Limiter

	// CLI overrides the copr-cli runner; nil uses the real tool.
	CLI CommandRunner
}

// Copr is the remote hosted backend. It submits source RPMs to a hosted
// build service and drives each build's state machine through the durable
// state store. It never populates local artifacts; dependents are expected
// to build remotely as well, resolving dependencies from the hosted
// project's own repository.
type Copr struct {
	opts   CoprOptions
	cli    CommandRunner
	logger *zap.Logger
}

// NewCopr returns the copr backend.
func NewCopr(workDir string, opts CoprOptions, logger *zap.Logger) (*Copr, error) {
	if opts.Project == "" {
		return nil, fmt.Errorf("copr backend requires a project")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("copr backend requires a state store")
	}
	for _, pat := range opts.ExcludeChroots {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("invalid exclude-chroot pattern %q", pat)
		}
	}
	if opts.PollInitial <= 0 {
		opts.PollInitial = 10 * time.Second
	}
	if opts.PollMax <= 0 {
		opts.PollMax = 2 * time.Minute
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cli := opts.CLI
	if cli == nil {
		cli = runner.New(workDir, logger)
	}
	return &Copr{opts: opts, cli: cli, logger: logger}, nil
}

func (c *Copr) Name() string         { return "copr" }
func (c *Copr) WantsDepsRepo() bool  { return false }
func (c *Copr) LocalArtifacts() bool { return false }

func (c *Copr) Build(ctx context.Context, req *Request) error {
	key := req.Key.String()
	logger := c.logger.With(zap.String("build_key", key))

	rec, ok := c.opts.Store.Get(key)
	if !ok {
		if c.opts.AssumeBuilt != nil && c.opts.AssumeBuilt.MatchString(string(req.SourceKey)) {
			logger.Info("assuming already built on hosted side")
			c.opts.Store.Put(key, coprstate.Record{Status: coprstate.StatusSkippedAssumeBuilt})
			return nil
		}
		submitted, err := c.submit(ctx, req)
		if err != nil {
			return &Failure{Backend: c.Name(), SourceKey: req.SourceKey, Err: err}
		}
		rec = submitted
	}

	switch rec.Status {
	case coprstate.StatusSucceeded, coprstate.StatusSkippedAssumeBuilt:
		logger.Info("remote build already complete", zap.String("status", string(rec.Status)))
		return nil
	case coprstate.StatusFailed:
		return &Failure{
			Backend:   c.Name(),
			SourceKey: req.SourceKey,
			Err:       fmt.Errorf("remote build %d failed terminally; remove %q from the state file to resubmit", rec.JobID, key),
		}
	}

	final, err := c.poll(ctx, key, rec)
	if err != nil {
		return &Failure{Backend: c.Name(), SourceKey: req.SourceKey, Err: err}
	}
	if final.Status != coprstate.StatusSucceeded {
		return &Failure{
			Backend:   c.Name(),
			SourceKey: req.SourceKey,
			Err:       fmt.Errorf("remote build %d finished as %s", final.JobID, final.Status),
		}
	}
	return nil
}

// submit generates the SRPM and hands it to the hosted service, recording
// the returned job identifier before any polling begins.
func (c *Copr) submit(ctx context.Context, req *Request) (coprstate.Record, error) {
	srpm, err := req.SRPM(ctx)
	if err != nil {
		return coprstate.Record{}, err
	}

	if err := c.opts.Limiter.Wait(ctx); err != nil {
		return coprstate.Record{}, err
	}
	c.logger.Info("submitting to copr",
		zap.String("project", c.opts.Project),
		zap.String("build_key", req.Key.String()))
	out, err := c.cli.Output(ctx, fmt.Sprintf("copr-cli build --nowait %s %s",
		runner.Quote(c.opts.Project), runner.Quote(srpm)))
	if err != nil {
		return coprstate.Record{}, fmt.Errorf("submit: %w", err)
	}

	jobID, err := parseSubmitOutput(out)
	if err != nil {
		return coprstate.Record{}, err
	}

	rec := coprstate.Record{JobID: jobID, Status: coprstate.StatusSubmitted}
	c.opts.Store.Put(req.Key.String(), rec)
	return rec, nil
}

// poll drives a non-terminal record to a terminal state, writing every
// observed transition through to the store.
func (c *Copr) poll(ctx context.Context, key string, rec coprstate.Record) (coprstate.Record, error) {
	interval := c.opts.PollInitial
	consecutiveErrs := 0
	const maxConsecutiveErrs = 5

	for {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return rec, err
		}

		status, chroots, err := c.observe(ctx, rec.JobID)
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveErrs {
				return rec, fmt.Errorf("poll build %d: %w", rec.JobID, err)
			}
			c.logger.Warn("transient poll failure",
				zap.String("build_key", key), zap.Int("attempt", consecutiveErrs), zap.Error(err))
		} else {
			consecutiveErrs = 0
			if status != rec.Status || len(chroots) > 0 {
				rec.Status = status
				rec.Chroots = chroots
				c.opts.Store.Put(key, rec)
			}
			if status.Terminal() {
				return rec, nil
			}
		}

		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-time.After(interval):
		}
		if interval *= 2; interval > c.opts.PollMax {
			interval = c.opts.PollMax
		}
	}
}

// observe queries the hosted service for a build's state and the states
// of its non-excluded chroots.
func (c *Copr) observe(ctx context.Context, jobID int64) (coprstate.Status, map[string]string, error) {
	out, err := c.cli.Output(ctx, fmt.Sprintf("copr-cli get-build %d --output-format json", jobID))
	if err != nil {
		return "", nil, err
	}

	var payload struct {
		State   string            `json:"state"`
		Chroots map[string]string `json:"chroots"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		return "", nil, fmt.Errorf("parse get-build output: %w", err)
	}

	chroots := map[string]string{}
	for name, state := range payload.Chroots {
		if c.chrootExcluded(name) {
			continue
		}
		chroots[name] = state
	}

	if len(chroots) > 0 {
		return aggregateChroots(chroots), chroots, nil
	}
	return mapRemoteState(payload.State), nil, nil
}

func (c *Copr) chrootExcluded(name string) bool {
	for _, pat := range c.opts.ExcludeChroots {
		if ok, err := doublestar.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// aggregateChroots folds per-chroot states into one build status: any
// failure fails the build, all successes succeed it, anything else is
// still running.
func aggregateChroots(chroots map[string]string) coprstate.Status {
	allSucceeded := true
	for _, state := range chroots {
		switch mapRemoteState(state) {
		case coprstate.StatusFailed:
			return coprstate.StatusFailed
		case coprstate.StatusSucceeded:
		default:
			allSucceeded = false
		}
	}
	if allSucceeded {
		return coprstate.StatusSucceeded
	}
	return coprstate.StatusRunning
}

func mapRemoteState(state string) coprstate.Status {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "succeeded":
		return coprstate.StatusSucceeded
	case "failed", "canceled", "cancelled":
		return coprstate.StatusFailed
	default:
		// importing, pending, waiting, starting, running, forked, ...
		return coprstate.StatusRunning
	}
}

// parseSubmitOutput extracts the job id from copr-cli build output, which
// ends with a line of the form "Created builds: 123456".
func parseSubmitOutput(out string) (int64, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Created builds:"); ok {
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				break
			}
			id, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse build id %q: %w", fields[0], err)
			}
			return id, nil
		}
	}
	return 0, fmt.Errorf("no build id in copr-cli output: %q", strings.TrimSpace(out))
}
