package dependency

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/forge"
	"github.com/envoyproxy/dependency-check/types"
	"github.com/envoyproxy/dependency-check/utils"
)

const DefaultForgeHost = "github.com"

type options struct {
	hosts       []string
	concurrency int
	logger      *zap.Logger
}

type option func(*options)

// WithForgeHosts sets the url hosts recognized as release sources.
func WithForgeHosts(hosts ...string) option {
	return func(opts *options) {
		opts.hosts = hosts
	}
}

func WithConcurrency(n int) option {
	return func(opts *options) {
		opts.concurrency = n
	}
}

func WithLogger(logger *zap.Logger) option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// Resolver looks up release metadata of dependencies on the forge.
type Resolver struct {
	*options
	client *forge.Client
}

func NewResolver(client *forge.Client, opts ...option) *Resolver {
	o := &options{
		hosts:       []string{DefaultForgeHost},
		concurrency: utils.DefaultConcurrency(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return &Resolver{options: o, client: client}
}

// Resolution is the outcome of resolving one manifest entry. Exactly one of
// Dependency and Err is set.
type Resolution struct {
	Input      Input
	Dependency *Dependency
	Err        error
}

// Resolve finds the release date and latest release of in. Failures are
// DEP_METADATA errors.
func (r *Resolver) Resolve(ctx context.Context, in Input) (*Dependency, error) {
	host, owner, name, ok := releaseSource(in.URLs, r.hosts)
	if !ok {
		return nil, types.NewError(types.KindDepMetadata, in.ID, xerrors.New("no release source among urls"))
	}
	d := &Dependency{Input: in, Host: host, Owner: owner, Name: name}
	repo := r.client.Repo(owner, name)
	log := r.logger.With(zap.String("dependency", in.ID), zap.String("purl", d.PURL()))

	date, err := r.releaseDate(ctx, repo, in.Version)
	if err != nil {
		return nil, r.wrap(ctx, in.ID, err)
	}
	d.ReleaseDate = date

	d.LatestRelease, err = repo.LatestRelease(ctx)
	if err != nil {
		return nil, r.wrap(ctx, in.ID, err)
	}

	if d.LatestRelease != nil {
		log.Debug("resolved", zap.Time("release_date", d.ReleaseDate), zap.String("latest", d.LatestRelease.TagName))
	} else {
		log.Debug("resolved without releases", zap.Time("release_date", d.ReleaseDate))
	}
	return d, nil
}

func (r *Resolver) wrap(ctx context.Context, id string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return types.NewError(types.KindDepMetadata, id, err)
}

func (r *Resolver) releaseDate(ctx context.Context, repo *forge.Repo, version string) (time.Time, error) {
	if IsCommit(version) {
		c, err := repo.Commit(ctx, version)
		if err != nil {
			return time.Time{}, err
		}
		return c.Date(), nil
	}

	candidates := tagCandidates(version)
	for _, tag := range candidates {
		rel, err := repo.ReleaseByTag(ctx, tag)
		if err != nil {
			return time.Time{}, err
		}
		if rel == nil {
			continue
		}
		if !rel.PublishedAt.IsZero() {
			return rel.PublishedAt, nil
		}
		return rel.CreatedAt, nil
	}

	for _, tag := range candidates {
		t, err := repo.Tag(ctx, tag)
		if err != nil {
			return time.Time{}, err
		}
		if t == nil {
			continue
		}
		c, err := repo.Commit(ctx, t.CommitSHA)
		if err != nil {
			return time.Time{}, err
		}
		return c.Date(), nil
	}
	return time.Time{}, xerrors.Errorf("no release or tag of %s matches version %q", repo.FullName(), version)
}

// ResolveAll resolves every input, at most concurrency at a time. The
// resolutions are sorted by dependency id. Inputs not started before ctx is
// done carry the context error.
func (r *Resolver) ResolveAll(ctx context.Context, inputs []Input) []Resolution {
	results := make([]Resolution, len(inputs))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, in := range inputs {
		results[i].Input = in
		if ctx.Err() != nil {
			results[i].Err = ctx.Err()
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Dependency, results[i].Err = r.Resolve(ctx, in)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Input.ID < results[j].Input.ID
	})
	return results
}
