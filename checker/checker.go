package checker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/envoyproxy/dependency-check/cpe"
	"github.com/envoyproxy/dependency-check/cve"
	"github.com/envoyproxy/dependency-check/dependency"
	"github.com/envoyproxy/dependency-check/issues"
	"github.com/envoyproxy/dependency-check/types"
	"github.com/envoyproxy/dependency-check/utils"
)

// DefaultCVETimeout bounds the cves phase, feed download included.
const DefaultCVETimeout = 600 * time.Second

type CVEIndex interface {
	Match(tracked cpe.WFN, version string) []*cve.Record
	MalformedError() error
}

// IndexLoader builds the CVE index. It is only called when the cves phase
// runs.
type IndexLoader func(ctx context.Context) (CVEIndex, error)

type Resolver interface {
	ResolveAll(ctx context.Context, inputs []dependency.Input) []dependency.Resolution
}

type Reconciler interface {
	Reconcile(ctx context.Context, deps []*dependency.Dependency) ([]issues.Result, error)
}

type options struct {
	index              IndexLoader
	resolver           Resolver
	reconciler         Reconciler
	pool               *utils.Pool
	logger             *zap.Logger
	cveTimeout         time.Duration
	continueOnError    bool
	failOnReleaseDrift bool
}

// Option configures a Checker.
type Option func(*options)

func WithIndex(loader IndexLoader) Option {
	return func(opts *options) {
		opts.index = loader
	}
}

func WithResolver(r Resolver) Option {
	return func(opts *options) {
		opts.resolver = r
	}
}

func WithReconciler(r Reconciler) Option {
	return func(opts *options) {
		opts.reconciler = r
	}
}

// WithPool runs CVE matching on p.
func WithPool(p *utils.Pool) Option {
	return func(opts *options) {
		opts.pool = p
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

func WithCVETimeout(d time.Duration) Option {
	return func(opts *options) {
		opts.cveTimeout = d
	}
}

// WithContinueOnError runs the next phase even if the previous one failed
// operationally.
func WithContinueOnError(b bool) Option {
	return func(opts *options) {
		opts.continueOnError = b
	}
}

// WithFailOnReleaseDrift reports release drift as an error instead of a
// warning.
func WithFailOnReleaseDrift(b bool) Option {
	return func(opts *options) {
		opts.failOnReleaseDrift = b
	}
}

// Checker runs the phases over the manifest.
type Checker struct {
	*options
	inputs []dependency.Input

	// resolved by the releases phase, reused by the issues phase
	resolutions []dependency.Resolution
}

func New(inputs []dependency.Input, opts ...Option) *Checker {
	o := &options{
		logger:     zap.NewNop(),
		cveTimeout: DefaultCVETimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Checker{options: o, inputs: inputs}
}

// Run executes phases in order with a barrier between them. It stops early
// when ctx is done, after a fatal error, or after an operational error
// unless continue on error is set.
func (c *Checker) Run(ctx context.Context, phases []Phase) *Report {
	report := &Report{}
	for _, phase := range phases {
		if ctx.Err() != nil {
			break
		}

		log := c.logger.With(zap.String("phase", string(phase)))
		log.Info("phase started")
		start := time.Now()

		result := &PhaseResult{Phase: phase}
		var fatal bool
		switch phase {
		case PhaseCVEs:
			fatal = c.cves(ctx, result)
		case PhaseReleases:
			fatal = c.releases(ctx, result)
		case PhaseIssues:
			fatal = c.issues(ctx, result)
		}
		result.sortByDep()
		report.Phases = append(report.Phases, result)

		for _, w := range result.Warnings {
			log.Warn(w.Message, zap.String("kind", string(w.Kind)), zap.String("dependency", w.DepID))
		}
		log.Info("phase finished",
			zap.Int("successes", len(result.Successes)),
			zap.Int("warnings", len(result.Warnings)),
			zap.Int("errors", len(result.Errors)),
			zap.Duration("elapsed", time.Since(start)))

		if fatal || (result.operational() && !c.continueOnError) {
			if ctx.Err() == nil {
				log.Error("stopping after phase errors")
			}
			break
		}
	}
	report.Cancelled = ctx.Err() != nil
	return report
}

type cveOutcome struct {
	depID   string
	matches []*cve.Record
}

func (c *Checker) cves(ctx context.Context, result *PhaseResult) bool {
	if c.index == nil {
		result.fail(types.KindCVEIndex, "", "no CVE index configured")
		return true
	}

	phaseCtx, cancel := context.WithTimeout(ctx, c.cveTimeout)
	defer cancel()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(phaseCtx.Err(), context.DeadlineExceeded)
	}

	idx, err := c.index(phaseCtx)
	switch {
	case err != nil && ctx.Err() != nil:
		return true
	case err != nil && timedOut():
		result.warn(types.KindTimeout, "", "CVE phase exceeded %s while loading the CVE index", c.cveTimeout)
		return false
	case err != nil:
		result.failErr(types.KindCVEDownload, "", err)
		return true
	}
	if err = idx.MalformedError(); err != nil {
		result.warnErr(types.KindCVEIndex, "", err)
	}

	pool := c.pool
	if pool == nil {
		pool = utils.NewPool(utils.DefaultConcurrency())
		defer pool.Close()
	}

	var futures []*utils.Future[cveOutcome]
	for _, in := range c.inputs {
		tracked, err := in.TrackedCPE()
		if err != nil {
			result.warnErr(types.KindCPEParse, in.ID, err)
			continue
		} else if tracked == nil {
			continue
		}
		futures = append(futures, utils.Go(phaseCtx, pool, func(context.Context) (cveOutcome, error) {
			return cveOutcome{depID: in.ID, matches: idx.Match(*tracked, in.Version)}, nil
		}))
	}

	unchecked := 0
	for _, f := range futures {
		out, err := f.Wait(phaseCtx)
		if err != nil {
			unchecked++
			continue
		}
		if len(out.matches) == 0 {
			result.success(types.KindCVE, out.depID, "no known CVEs")
			continue
		}
		ids := make([]string, len(out.matches))
		for i, r := range out.matches {
			ids[i] = describe(r)
		}
		result.fail(types.KindCVE, out.depID, "%s", strings.Join(ids, ", "))
	}

	if unchecked > 0 {
		if timedOut() {
			result.warn(types.KindTimeout, "", "CVE phase exceeded %s, %d dependencies unchecked", c.cveTimeout, unchecked)
			return false
		}
		return true
	}
	return false
}

func describe(r *cve.Record) string {
	switch {
	case r.Score != nil && r.Severity != "":
		return fmt.Sprintf("%s (%s %.1f)", r.ID, r.Severity, *r.Score)
	case r.Severity != "":
		return fmt.Sprintf("%s (%s)", r.ID, r.Severity)
	default:
		return r.ID
	}
}

func (c *Checker) resolve(ctx context.Context) []dependency.Resolution {
	if c.resolutions == nil {
		c.resolutions = c.resolver.ResolveAll(ctx, c.inputs)
	}
	return c.resolutions
}

func (c *Checker) releases(ctx context.Context, result *PhaseResult) bool {
	if c.resolver == nil {
		result.fail(types.KindDepMetadata, "", "no forge configured")
		return true
	}

	for _, res := range c.resolve(ctx) {
		id := res.Input.ID
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				continue
			}
			result.failErr(types.KindDepMetadata, id, res.Err)
			continue
		}

		d := res.Dependency
		if recorded, ok := d.ReleaseDateMismatch(); ok {
			result.warn(types.KindDepMetadata, id, "manifest release_date %s differs from the resolved %s",
				recorded.Format(time.DateOnly), d.ReleaseDate.UTC().Format(time.DateOnly))
		}

		if !d.NewerReleaseAvailable() {
			result.success(types.KindRelease, id, "%s is up to date", d.Version)
			continue
		}
		msg := fmt.Sprintf("%s (%s) is behind the latest release %s (%s)",
			d.Version, d.ReleaseDate.UTC().Format(time.DateOnly),
			d.LatestRelease.TagName, d.LatestRelease.PublishedAt.UTC().Format(time.DateOnly))
		if c.failOnReleaseDrift {
			result.fail(types.KindRelease, id, "%s", msg)
		} else {
			result.warn(types.KindRelease, id, "%s", msg)
		}
	}
	return false
}

func (c *Checker) issues(ctx context.Context, result *PhaseResult) bool {
	if c.resolver == nil || c.reconciler == nil {
		result.fail(types.KindIssueReconcile, "", "no issue tracker configured")
		return true
	}

	var deps []*dependency.Dependency
	for _, res := range c.resolve(ctx) {
		if res.Dependency != nil {
			deps = append(deps, res.Dependency)
		}
	}

	results, err := c.reconciler.Reconcile(ctx, deps)
	if err != nil {
		if ctx.Err() == nil {
			result.failErr(types.KindIssueReconcile, "", err)
		}
		return true
	}

	for _, r := range results {
		if r.Err != nil {
			if errors.Is(r.Err, context.Canceled) {
				continue
			}
			result.failErr(types.KindIssueReconcile, r.DepID, r.Err)
			continue
		}
		msg := fmt.Sprintf("%s %q", r.Action, r.Title)
		if r.Issue != 0 {
			msg = fmt.Sprintf("%s #%d %q", r.Action, r.Issue, r.Title)
		}
		if r.DryRun {
			msg += " (dry run)"
		}
		result.success(types.KindIssueReconcile, r.DepID, "%s", msg)
	}
	return false
}
