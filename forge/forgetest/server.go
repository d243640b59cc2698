// Package forgetest provides an in-memory GitHub REST server for tests.
package forgetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"

	"github.com/envoyproxy/dependency-check/forge"
	"github.com/envoyproxy/dependency-check/utils"
)

type repo struct {
	releases []forge.Release
	tags     map[string]tagEntry
	commits  map[string]time.Time
	issues   []*forge.Issue
	comments map[int][]string
}

type tagEntry struct {
	sha       string
	annotated bool
}

type failure struct {
	method string
	path   string
	status int
}

// Server fakes the subset of the GitHub REST API the forge client uses.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	repos     map[string]*repo
	nextIssue int
	mutations int
	requests  int
	failures  []failure
}

// New starts a server that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{repos: map[string]*repo{}, nextIssue: 1}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{name}/releases/latest", s.latestRelease)
	mux.HandleFunc("GET /repos/{owner}/{name}/releases/tags/{tag}", s.releaseByTag)
	mux.HandleFunc("GET /repos/{owner}/{name}/git/ref/tags/{tag}", s.tagRef)
	mux.HandleFunc("GET /repos/{owner}/{name}/git/tags/{sha}", s.tagObject)
	mux.HandleFunc("GET /repos/{owner}/{name}/commits/{sha}", s.commit)
	mux.HandleFunc("GET /search/issues", s.searchIssues)
	mux.HandleFunc("POST /repos/{owner}/{name}/issues", s.openIssue)
	mux.HandleFunc("PATCH /repos/{owner}/{name}/issues/{number}", s.updateIssue)
	mux.HandleFunc("POST /repos/{owner}/{name}/issues/{number}/comments", s.comment)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests++
		for _, f := range s.failures {
			if f.method == r.Method && strings.HasPrefix(r.URL.Path, f.path) {
				s.mu.Unlock()
				writeJSON(w, f.status, map[string]string{"message": http.StatusText(f.status)})
				return
			}
		}
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// Client returns a forge client pointed at the server with retries disabled.
func (s *Server) Client(opts ...forge.Option) *forge.Client {
	base := []forge.Option{
		forge.WithBaseURL(lo.Must(url.Parse(s.URL + "/"))),
		forge.WithRetryPolicy(utils.RetryPolicy{Attempts: 1}),
	}
	return forge.NewClient(append(base, opts...)...)
}

func (s *Server) repo(owner, name string) *repo {
	key := owner + "/" + name
	r, ok := s.repos[key]
	if !ok {
		r = &repo{tags: map[string]tagEntry{}, commits: map[string]time.Time{}, comments: map[int][]string{}}
		s.repos[key] = r
	}
	return r
}

func (s *Server) AddRelease(owner, name, tag string, published time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repo(owner, name)
	r.releases = append(r.releases, forge.Release{
		TagName:     tag,
		Name:        tag,
		HTMLURL:     fmt.Sprintf("https://github.com/%s/%s/releases/tag/%s", owner, name, tag),
		CreatedAt:   published,
		PublishedAt: published,
	})
}

func (s *Server) AddTag(owner, name, tag, sha string, annotated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo(owner, name).tags[tag] = tagEntry{sha: sha, annotated: annotated}
}

func (s *Server) AddCommit(owner, name, sha string, date time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo(owner, name).commits[sha] = date
}

// AddIssue files an issue and returns its number.
func (s *Server) AddIssue(owner, name, title, body, state string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addIssue(s.repo(owner, name), title, body, state, nil)
}

func (s *Server) addIssue(r *repo, title, body, state string, labels []string) int {
	n := s.nextIssue
	s.nextIssue++
	r.issues = append(r.issues, &forge.Issue{
		Number: n,
		Title:  title,
		Body:   body,
		State:  state,
		Labels: lo.Map(labels, func(l string, _ int) forge.Label { return forge.Label{Name: l} }),
	})
	return n
}

// Issues returns a snapshot of the issues of a repository, by number.
func (s *Server) Issues(owner, name string) []forge.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.repo(owner, name).issues, func(i *forge.Issue, _ int) forge.Issue { return *i })
}

func (s *Server) Comments(owner, name string, number int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.repo(owner, name).comments[number])
}

// Mutations counts the write requests served.
func (s *Server) Mutations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Fail makes every request with method whose path starts with prefix answer
// with status.
func (s *Server) Fail(method, prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{method: method, path: prefix, status: status})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (s *Server) lookup(r *http.Request) *repo {
	return s.repos[r.PathValue("owner")+"/"+r.PathValue("name")]
}

func (s *Server) latestRelease(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.lookup(r)
	if rp == nil || len(rp.releases) == 0 {
		notFound(w)
		return
	}
	latest := slices.MaxFunc(rp.releases, func(a, b forge.Release) int {
		return a.PublishedAt.Compare(b.PublishedAt)
	})
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) releaseByTag(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.lookup(r)
	if rp == nil {
		notFound(w)
		return
	}
	rel, ok := lo.Find(rp.releases, func(rel forge.Release) bool { return rel.TagName == r.PathValue("tag") })
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// tagObjectSHA derives the sha of the tag object of an annotated tag.
func tagObjectSHA(tag string) string {
	return "tagobj-" + tag
}

func (s *Server) tagRef(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.lookup(r)
	tag := r.PathValue("tag")
	if rp == nil {
		notFound(w)
		return
	}
	t, ok := rp.tags[tag]
	if !ok {
		notFound(w)
		return
	}
	obj := map[string]string{"sha": t.sha, "type": "commit"}
	if t.annotated {
		obj = map[string]string{"sha": tagObjectSHA(tag), "type": "tag"}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ref": "refs/tags/" + tag, "object": obj})
}

func (s *Server) tagObject(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.lookup(r)
	if rp == nil {
		notFound(w)
		return
	}
	for tag, t := range rp.tags {
		if t.annotated && tagObjectSHA(tag) == r.PathValue("sha") {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"tag":    tag,
				"sha":    tagObjectSHA(tag),
				"object": map[string]string{"sha": t.sha, "type": "commit"},
			})
			return
		}
	}
	notFound(w)
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.lookup(r)
	if rp == nil {
		notFound(w)
		return
	}
	sha := r.PathValue("sha")
	date, ok := rp.commits[sha]
	if !ok {
		notFound(w)
		return
	}
	sig := map[string]interface{}{"name": "dev", "email": "dev@example.com", "date": date}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sha":    sha,
		"commit": map[string]interface{}{"message": "commit " + sha, "author": sig, "committer": sig},
	})
}

// searchTerms splits a search query, keeping quoted phrases together.
func searchTerms(q string) []string {
	var (
		terms  []string
		cur    strings.Builder
		quoted bool
	)
	for _, r := range q {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ' ' && !quoted:
			if cur.Len() > 0 {
				terms = append(terms, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		terms = append(terms, cur.String())
	}
	return terms
}

func (s *Server) searchIssues(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		repoName string
		state    string
		text     []string
	)
	for _, term := range searchTerms(r.URL.Query().Get("q")) {
		switch {
		case strings.HasPrefix(term, "repo:"):
			repoName = strings.TrimPrefix(term, "repo:")
		case term == "is:open":
			state = "open"
		case term == "is:closed":
			state = "closed"
		case term == "is:issue", strings.HasPrefix(term, "in:"):
		default:
			text = append(text, strings.ToLower(term))
		}
	}

	var matched []forge.Issue
	if rp, ok := s.repos[repoName]; ok {
		for _, issue := range rp.issues {
			if state != "" && issue.State != state {
				continue
			}
			title := strings.ToLower(issue.Title)
			if lo.EveryBy(text, func(t string) bool { return strings.Contains(title, t) }) {
				matched = append(matched, *issue)
			}
		}
	}

	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage <= 0 {
		perPage = 30
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page <= 0 {
		page = 1
	}
	start := min((page-1)*perPage, len(matched))
	end := min(start+perPage, len(matched))

	if end < len(matched) {
		next := *r.URL
		q := next.Query()
		q.Set("page", strconv.Itoa(page+1))
		next.RawQuery = q.Encode()
		w.Header().Set("Link", fmt.Sprintf(`<%s%s>; rel="next"`, s.URL, next.RequestURI()))
	}
	items := matched[start:end]
	if items == nil {
		items = []forge.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_count":        len(matched),
		"incomplete_results": false,
		"items":              items,
	})
}

func (s *Server) openIssue(w http.ResponseWriter, r *http.Request) {
	var req forge.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Validation Failed"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations++
	rp := s.repo(r.PathValue("owner"), r.PathValue("name"))
	s.addIssue(rp, *req.Title, lo.FromPtr(req.Body), "open", req.Labels)
	writeJSON(w, http.StatusCreated, rp.issues[len(rp.issues)-1])
}

func (s *Server) findIssue(r *http.Request) (*repo, *forge.Issue) {
	rp := s.lookup(r)
	if rp == nil {
		return nil, nil
	}
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		return rp, nil
	}
	issue, _ := lo.Find(rp.issues, func(i *forge.Issue) bool { return i.Number == n })
	return rp, issue
}

func (s *Server) updateIssue(w http.ResponseWriter, r *http.Request) {
	var req forge.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, issue := s.findIssue(r)
	if issue == nil {
		notFound(w)
		return
	}
	s.mutations++
	if req.Title != nil {
		issue.Title = *req.Title
	}
	if req.Body != nil {
		issue.Body = *req.Body
	}
	if req.State != nil {
		issue.State = *req.State
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) comment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rp, issue := s.findIssue(r)
	if issue == nil {
		notFound(w)
		return
	}
	s.mutations++
	rp.comments[issue.Number] = append(rp.comments[issue.Number], req.Body)
	writeJSON(w, http.StatusCreated, map[string]string{"body": req.Body})
}
