package issues

import (
	"context"
	"iter"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/dependency"
	"github.com/envoyproxy/dependency-check/forge"
	"github.com/envoyproxy/dependency-check/types"
	"github.com/envoyproxy/dependency-check/utils"
)

const Label = "dependency"

// Tracker is an issue tracker. *forge.Issues implements it.
type Tracker interface {
	Search(ctx context.Context, query string) iter.Seq2[forge.Issue, error]
	Open(ctx context.Context, title, body string, labels []string) (*forge.Issue, error)
	Update(ctx context.Context, number int, req forge.IssueRequest) (*forge.Issue, error)
	Close(ctx context.Context, number int) error
	Comment(ctx context.Context, number int, body string) error
}

type Action string

const (
	ActionOpened          Action = "opened"
	ActionUpdated         Action = "updated"
	ActionClosed          Action = "closed"
	ActionDuplicateClosed Action = "duplicate closed"
	ActionNoop            Action = "noop"
)

// Result is one reconcile action on a tracking issue.
type Result struct {
	DepID  string
	Action Action
	Issue  int
	Title  string
	DryRun bool
	Err    error
}

type options struct {
	logger          *zap.Logger
	concurrency     int
	continueOnError bool
	dryRun          bool
}

type option func(*options)

func WithLogger(logger *zap.Logger) option {
	return func(opts *options) {
		opts.logger = logger
	}
}

func WithConcurrency(n int) option {
	return func(opts *options) {
		opts.concurrency = n
	}
}

// WithContinueOnError keeps reconciling after a dependency fails.
func WithContinueOnError(b bool) option {
	return func(opts *options) {
		opts.continueOnError = b
	}
}

// WithDryRun logs the actions without touching the tracker.
func WithDryRun(b bool) option {
	return func(opts *options) {
		opts.dryRun = b
	}
}

type Reconciler struct {
	*options
	tracker Tracker

	// one lock per dependency id
	locks sync.Map
}

func NewReconciler(tracker Tracker, opts ...option) *Reconciler {
	o := &options{
		logger:      zap.NewNop(),
		concurrency: utils.DefaultConcurrency(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return &Reconciler{options: o, tracker: tracker}
}

// Open lists the open tracking issues, by dependency id. Issues of an id are
// ordered newest first.
func (r *Reconciler) Open(ctx context.Context) (map[string][]forge.Issue, error) {
	open := map[string][]forge.Issue{}
	for issue, err := range r.tracker.Search(ctx, searchQuery) {
		if err != nil {
			return nil, err
		}
		if issue.State != "" && issue.State != "open" {
			continue
		}
		id, _, ok := parseTitle(issue.Title)
		if !ok {
			continue
		}
		open[id] = append(open[id], issue)
	}
	for _, list := range open {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.After(list[j].CreatedAt)
			}
			return list[i].Number > list[j].Number
		})
	}
	return open, nil
}

// Reconcile brings the tracking issues of deps in line with their release
// drift. The open issues are listed once. Per dependency failures are
// ISSUE_RECONCILE results; only a failure to list issues is returned as an
// error. Results are sorted by dependency id.
func (r *Reconciler) Reconcile(ctx context.Context, deps []*dependency.Dependency) ([]Result, error) {
	open, err := r.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.KindIssueReconcile, "", xerrors.Errorf("unable to list tracking issues: %w", err))
	}

	var (
		mu      sync.Mutex
		results []Result
		failed  atomic.Bool
		g       errgroup.Group
	)
	g.SetLimit(r.concurrency)
	for _, d := range deps {
		if ctx.Err() != nil || (failed.Load() && !r.continueOnError) {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || (failed.Load() && !r.continueOnError) {
				return nil
			}
			res := r.reconcile(ctx, d, open[d.ID])
			mu.Lock()
			defer mu.Unlock()
			for _, rr := range res {
				if rr.Err != nil {
					failed.Store(true)
				}
			}
			results = append(results, res...)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].DepID < results[j].DepID
	})
	return results, nil
}

func (r *Reconciler) lock(id string) func() {
	m, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (r *Reconciler) reconcile(ctx context.Context, d *dependency.Dependency, open []forge.Issue) []Result {
	defer r.lock(d.ID)()
	log := r.logger.With(zap.String("dependency", d.ID))

	var results []Result
	fail := func(action Action, number int, title string, err error) []Result {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return append(results, Result{
			DepID:  d.ID,
			Action: action,
			Issue:  number,
			Title:  title,
			Err:    types.NewError(types.KindIssueReconcile, d.ID, xerrors.Errorf("%s %q: %w", action, title, err)),
		})
	}
	done := func(action Action, number int, title string) {
		log.Info("tracking issue "+string(action), zap.Int("issue", number), zap.String("title", title), zap.Bool("dry_run", r.dryRun))
		results = append(results, Result{DepID: d.ID, Action: action, Issue: number, Title: title, DryRun: r.dryRun})
	}

	var current *forge.Issue
	if len(open) > 0 {
		current = &open[0]
		for _, dup := range open[1:] {
			if err := r.mutate(ctx,
				func() error { return r.tracker.Comment(ctx, dup.Number, duplicateComment(current.Number)) },
				func() error { return r.tracker.Close(ctx, dup.Number) },
			); err != nil {
				return fail(ActionDuplicateClosed, dup.Number, dup.Title, err)
			}
			done(ActionDuplicateClosed, dup.Number, dup.Title)
		}
	}

	if !d.NewerReleaseAvailable() {
		if current == nil {
			return results
		}
		if err := r.mutate(ctx,
			func() error { return r.tracker.Comment(ctx, current.Number, closedComment(d)) },
			func() error { return r.tracker.Close(ctx, current.Number) },
		); err != nil {
			return fail(ActionClosed, current.Number, current.Title, err)
		}
		done(ActionClosed, current.Number, current.Title)
		return results
	}

	latest := d.LatestRelease.TagName
	title := Title(d.ID, latest)
	if current != nil && current.Title == title {
		done(ActionNoop, current.Number, title)
		return results
	}

	body, err := renderBody(d)
	if err != nil {
		return fail(ActionOpened, 0, title, err)
	}

	if current == nil {
		number := 0
		if err = r.mutate(ctx, func() error {
			issue, err := r.tracker.Open(ctx, title, body, []string{Label})
			if err != nil {
				return err
			}
			number = issue.Number
			return nil
		}); err != nil {
			return fail(ActionOpened, 0, title, err)
		}
		done(ActionOpened, number, title)
		return results
	}

	_, previous, _ := parseTitle(current.Title)
	if err = r.mutate(ctx,
		func() error {
			_, err := r.tracker.Update(ctx, current.Number, forge.IssueRequest{Title: &title, Body: &body})
			return err
		},
		func() error { return r.tracker.Comment(ctx, current.Number, updatedComment(previous, latest)) },
	); err != nil {
		return fail(ActionUpdated, current.Number, title, err)
	}
	done(ActionUpdated, current.Number, title)
	return results
}

// mutate runs the steps in order unless this is a dry run. Nothing more is
// sent once ctx is done.
func (r *Reconciler) mutate(ctx context.Context, steps ...func() error) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.dryRun {
			continue
		}
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
