package forge

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/xerrors"
)

const searchPageSize = 100

type Label struct {
	Name string `json:"name"`
}

type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []Label   `json:"labels"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueRequest is the body of an issue create or edit. Nil fields are left
// unchanged on edit.
type IssueRequest struct {
	Title  *string  `json:"title,omitempty"`
	Body   *string  `json:"body,omitempty"`
	State  *string  `json:"state,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

type searchResult struct {
	TotalCount        int     `json:"total_count"`
	IncompleteResults bool    `json:"incomplete_results"`
	Items             []Issue `json:"items"`
}

type commentRequest struct {
	Body string `json:"body"`
}

// Issues is the issue tracker of a repository.
type Issues struct {
	repo *Repo
}

// Search yields the issues of the repository matching query, following
// pagination lazily. Iteration stops at the first error. Each call of the
// returned sequence starts a fresh search.
func (s *Issues) Search(ctx context.Context, query string) iter.Seq2[Issue, error] {
	return func(yield func(Issue, error) bool) {
		c := s.repo.client
		q := url.Values{}
		q.Set("q", "repo:"+s.repo.FullName()+" is:issue "+query)
		q.Set("per_page", strconv.Itoa(searchPageSize))
		next := c.url(q, "search", "issues")

		for next != "" {
			var page searchResult
			hdr, err := c.get(ctx, next, &page)
			if err != nil {
				yield(Issue{}, xerrors.Errorf("issue search failed: %w", err))
				return
			}
			for _, issue := range page.Items {
				if !yield(issue, nil) {
					return
				}
			}
			next = nextLink(hdr)
		}
	}
}

func (s *Issues) Open(ctx context.Context, title, body string, labels []string) (*Issue, error) {
	c := s.repo.client
	var issue Issue
	req := IssueRequest{Title: &title, Body: &body, Labels: labels}
	if _, err := c.do(ctx, http.MethodPost, c.url(nil, "repos", s.repo.Owner, s.repo.Name, "issues"), req, &issue); err != nil {
		return nil, xerrors.Errorf("unable to open issue %q: %w", title, err)
	}
	return &issue, nil
}

func (s *Issues) Update(ctx context.Context, number int, req IssueRequest) (*Issue, error) {
	c := s.repo.client
	var issue Issue
	u := c.url(nil, "repos", s.repo.Owner, s.repo.Name, "issues", strconv.Itoa(number))
	if _, err := c.do(ctx, http.MethodPatch, u, req, &issue); err != nil {
		return nil, xerrors.Errorf("unable to update issue #%d: %w", number, err)
	}
	return &issue, nil
}

func (s *Issues) Close(ctx context.Context, number int) error {
	closed := "closed"
	_, err := s.Update(ctx, number, IssueRequest{State: &closed})
	return err
}

func (s *Issues) Comment(ctx context.Context, number int, body string) error {
	c := s.repo.client
	u := c.url(nil, "repos", s.repo.Owner, s.repo.Name, "issues", strconv.Itoa(number), "comments")
	if _, err := c.do(ctx, http.MethodPost, u, commentRequest{Body: body}, nil); err != nil {
		return xerrors.Errorf("unable to comment on issue #%d: %w", number, err)
	}
	return nil
}
