package issues_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/envoyproxy/dependency-check/dependency"
	"github.com/envoyproxy/dependency-check/forge"
	"github.com/envoyproxy/dependency-check/forge/forgetest"
	"github.com/envoyproxy/dependency-check/issues"
	"github.com/envoyproxy/dependency-check/types"
)

var (
	jan = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	jun = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func dep(id, version, latest string) *dependency.Dependency {
	d := &dependency.Dependency{
		Input: dependency.Input{
			ID:      id,
			Version: version,
			URLs:    []string{"https://github.com/foo/" + id + "/archive/" + version + ".tar.gz"},
		},
		Host:        "github.com",
		Owner:       "foo",
		Name:        id,
		ReleaseDate: jan,
	}
	if latest != "" {
		d.LatestRelease = &forge.Release{TagName: latest, PublishedAt: jun}
	}
	return d
}

type summary struct {
	DepID  string
	Action issues.Action
	Issue  int
	Title  string
}

func summarize(t *testing.T, results []issues.Result) []summary {
	t.Helper()
	var got []summary
	for _, r := range results {
		require.NoError(t, r.Err)
		got = append(got, summary{DepID: r.DepID, Action: r.Action, Issue: r.Issue, Title: r.Title})
	}
	return got
}

func tracker(srv *forgetest.Server) *forge.Issues {
	return srv.Client().Repo("envoyproxy", "envoy").Issues()
}

func TestReconciler_Reconcile(t *testing.T) {
	tests := []struct {
		name         string
		existing     []string
		deps         []*dependency.Dependency
		want         []summary
		wantOpen     []string
		wantComments map[int][]string
	}{
		{
			name: "opens an issue on drift",
			deps: []*dependency.Dependency{dep("libfoo", "1.2.3", "1.3.0")},
			want: []summary{
				{DepID: "libfoo", Action: issues.ActionOpened, Issue: 1, Title: "tracking: libfoo: 1.3.0"},
			},
			wantOpen: []string{"tracking: libfoo: 1.3.0"},
		},
		{
			name:     "up to date without issue",
			deps:     []*dependency.Dependency{dep("libfoo", "1.2.3", "1.2.3")},
			wantOpen: nil,
		},
		{
			name:     "same tag is a noop",
			existing: []string{"tracking: libfoo: 1.3.0"},
			deps:     []*dependency.Dependency{dep("libfoo", "1.2.3", "1.3.0")},
			want: []summary{
				{DepID: "libfoo", Action: issues.ActionNoop, Issue: 1, Title: "tracking: libfoo: 1.3.0"},
			},
			wantOpen: []string{"tracking: libfoo: 1.3.0"},
		},
		{
			name:     "newer tag updates",
			existing: []string{"tracking: libfoo: 1.2.9"},
			deps:     []*dependency.Dependency{dep("libfoo", "1.2.3", "1.3.0")},
			want: []summary{
				{DepID: "libfoo", Action: issues.ActionUpdated, Issue: 1, Title: "tracking: libfoo: 1.3.0"},
			},
			wantOpen: []string{"tracking: libfoo: 1.3.0"},
			wantComments: map[int][]string{
				1: {"New version is available for this dependency: 1.3.0 (previously tracked: 1.2.9)."},
			},
		},
		{
			name:     "up to date closes",
			existing: []string{"tracking: libfoo: 1.3.0"},
			deps:     []*dependency.Dependency{dep("libfoo", "1.3.0", "1.3.0")},
			want: []summary{
				{DepID: "libfoo", Action: issues.ActionClosed, Issue: 1, Title: "tracking: libfoo: 1.3.0"},
			},
			wantComments: map[int][]string{
				1: {"Dependency libfoo is up to date at 1.3.0, closing."},
			},
		},
		{
			name: "duplicates are closed",
			existing: []string{
				"tracking: libfoo: 1.2.9",
				"tracking: libfoo: 1.3.0",
			},
			deps: []*dependency.Dependency{dep("libfoo", "1.2.3", "1.3.0")},
			want: []summary{
				{DepID: "libfoo", Action: issues.ActionDuplicateClosed, Issue: 1, Title: "tracking: libfoo: 1.2.9"},
				{DepID: "libfoo", Action: issues.ActionNoop, Issue: 2, Title: "tracking: libfoo: 1.3.0"},
			},
			wantOpen: []string{"tracking: libfoo: 1.3.0"},
			wantComments: map[int][]string{
				1: {"Duplicate of #2, closing."},
			},
		},
		{
			name: "prefix must match exactly",
			existing: []string{
				"tracking: libfoo-ext: 2.0",
				"tracking libfoo: 1.3.0",
			},
			deps: []*dependency.Dependency{dep("libfoo", "1.2.3", "1.3.0")},
			want: []summary{
				{DepID: "libfoo", Action: issues.ActionOpened, Issue: 3, Title: "tracking: libfoo: 1.3.0"},
			},
			wantOpen: []string{"tracking: libfoo-ext: 2.0", "tracking libfoo: 1.3.0", "tracking: libfoo: 1.3.0"},
		},
		{
			name: "sorted by dependency",
			deps: []*dependency.Dependency{
				dep("zlib", "1.2", "1.3"),
				dep("abseil", "1.0", "2.0"),
			},
			want: []summary{
				{DepID: "abseil", Action: issues.ActionOpened, Issue: 2, Title: "tracking: abseil: 2.0"},
				{DepID: "zlib", Action: issues.ActionOpened, Issue: 1, Title: "tracking: zlib: 1.3"},
			},
			wantOpen: []string{"tracking: zlib: 1.3", "tracking: abseil: 2.0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := forgetest.New(t)
			for _, title := range tt.existing {
				srv.AddIssue("envoyproxy", "envoy", title, "", "open")
			}
			r := issues.NewReconciler(tracker(srv), issues.WithLogger(zaptest.NewLogger(t)), issues.WithConcurrency(1))

			results, err := r.Reconcile(context.Background(), tt.deps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, summarize(t, results))

			var open []string
			for _, issue := range srv.Issues("envoyproxy", "envoy") {
				if issue.State == "open" {
					open = append(open, issue.Title)
				}
			}
			assert.Equal(t, tt.wantOpen, open)
			for number, comments := range tt.wantComments {
				assert.Equal(t, comments, srv.Comments("envoyproxy", "envoy", number))
			}

			// a second run with the same inputs changes nothing
			before := srv.Mutations()
			_, err = r.Reconcile(context.Background(), tt.deps)
			require.NoError(t, err)
			assert.Equal(t, before, srv.Mutations())
		})
	}
}

func TestReconciler_OpenedIssue(t *testing.T) {
	srv := forgetest.New(t)
	d := dep("libfoo", "1.2.3", "1.3.0")
	d.CPE = "cpe:2.3:a:foo:libfoo:*:*:*:*:*:*:*:*"
	d.LatestRelease.HTMLURL = "https://github.com/foo/libfoo/releases/tag/1.3.0"

	_, err := issues.NewReconciler(tracker(srv)).Reconcile(context.Background(), []*dependency.Dependency{d})
	require.NoError(t, err)

	got := srv.Issues("envoyproxy", "envoy")
	require.Len(t, got, 1)
	assert.Equal(t, []forge.Label{{Name: issues.Label}}, got[0].Labels)
	assert.Equal(t, `A newer release of libfoo is available.

| | Version | Release date |
|---|---|---|
| Current | 1.2.3 | 2024-01-15 |
| Latest | 1.3.0 | 2024-06-01 |

Upstream: https://github.com/foo/libfoo
Release notes: https://github.com/foo/libfoo/releases/tag/1.3.0
Package URL: pkg:github/foo/libfoo@1.2.3
CPE: cpe:2.3:a:foo:libfoo:*:*:*:*:*:*:*:*

Sources:
- https://github.com/foo/libfoo/archive/1.2.3.tar.gz
`, got[0].Body)
}

func TestReconciler_DryRun(t *testing.T) {
	srv := forgetest.New(t)
	srv.AddIssue("envoyproxy", "envoy", "tracking: libbar: 2.0", "", "open")
	r := issues.NewReconciler(tracker(srv), issues.WithDryRun(true))

	results, err := r.Reconcile(context.Background(), []*dependency.Dependency{
		dep("libfoo", "1.2.3", "1.3.0"),
		dep("libbar", "2.0", "2.0"),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, issues.ActionClosed, results[0].Action)
	assert.Equal(t, issues.ActionOpened, results[1].Action)
	assert.True(t, results[1].DryRun)
	assert.Zero(t, srv.Mutations())
}

func TestReconciler_Errors(t *testing.T) {
	deps := []*dependency.Dependency{
		dep("a-lib", "1.0", "1.1"),
		dep("b-lib", "1.0", "1.1"),
	}

	tests := []struct {
		name            string
		continueOnError bool
		wantDeps        []string
	}{
		{name: "stop at first failure", wantDeps: []string{"a-lib"}},
		{name: "continue on error", continueOnError: true, wantDeps: []string{"a-lib", "b-lib"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := forgetest.New(t)
			srv.Fail(http.MethodPost, "/repos/envoyproxy/envoy/issues", http.StatusUnprocessableEntity)
			r := issues.NewReconciler(tracker(srv), issues.WithConcurrency(1), issues.WithContinueOnError(tt.continueOnError))

			results, err := r.Reconcile(context.Background(), deps)
			require.NoError(t, err)
			var got []string
			for _, res := range results {
				got = append(got, res.DepID)
				assert.Equal(t, types.KindIssueReconcile, types.KindOf(res.Err))
				assert.Contains(t, res.Err.Error(), "422")
			}
			assert.Equal(t, tt.wantDeps, got)
		})
	}

	t.Run("listing fails", func(t *testing.T) {
		srv := forgetest.New(t)
		srv.Fail(http.MethodGet, "/search/issues", http.StatusServiceUnavailable)
		_, err := issues.NewReconciler(tracker(srv)).Reconcile(context.Background(), deps)
		assert.Equal(t, types.KindIssueReconcile, types.KindOf(err))
	})
}

// cancelAfterOpen cancels the run as soon as the first issue is opened.
type cancelAfterOpen struct {
	issues.Tracker
	cancel context.CancelFunc
}

func (c cancelAfterOpen) Open(ctx context.Context, title, body string, labels []string) (*forge.Issue, error) {
	defer c.cancel()
	return c.Tracker.Open(ctx, title, body, labels)
}

func TestReconciler_Cancelled(t *testing.T) {
	srv := forgetest.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := issues.NewReconciler(cancelAfterOpen{Tracker: tracker(srv), cancel: cancel}, issues.WithConcurrency(1), issues.WithContinueOnError(true))

	_, err := r.Reconcile(ctx, []*dependency.Dependency{
		dep("a-lib", "1.0", "1.1"),
		dep("b-lib", "1.0", "1.1"),
		dep("c-lib", "1.0", "1.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Mutations())

	_, err = r.Reconcile(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
