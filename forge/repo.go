package forge

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

type Repo struct {
	client *Client
	Owner  string
	Name   string
}

func (r *Repo) FullName() string {
	return r.Owner + "/" + r.Name
}

type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
}

type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

type Commit struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message   string    `json:"message"`
		Author    Signature `json:"author"`
		Committer Signature `json:"committer"`
	} `json:"commit"`
}

// Date is the authoring date of the commit.
func (c Commit) Date() time.Time {
	return c.Commit.Author.Date
}

// Tag is a tag peeled to the commit it points at.
type Tag struct {
	Name      string
	CommitSHA string
}

type gitObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

type gitRef struct {
	Ref    string    `json:"ref"`
	Object gitObject `json:"object"`
}

type gitTag struct {
	Tag    string    `json:"tag"`
	SHA    string    `json:"sha"`
	Object gitObject `json:"object"`
}

// LatestRelease returns the most recent published release, or nil when the
// repository has none.
func (r *Repo) LatestRelease(ctx context.Context) (*Release, error) {
	var rel Release
	_, err := r.client.get(ctx, r.client.url(nil, "repos", r.Owner, r.Name, "releases", "latest"), &rel)
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, xerrors.Errorf("unable to get the latest release of %s: %w", r.FullName(), err)
	}
	return &rel, nil
}

// ReleaseByTag returns the release for tag, or nil when there is none.
func (r *Repo) ReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	var rel Release
	_, err := r.client.get(ctx, r.client.url(nil, "repos", r.Owner, r.Name, "releases", "tags", tag), &rel)
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, xerrors.Errorf("unable to get release %s of %s: %w", tag, r.FullName(), err)
	}
	return &rel, nil
}

func (r *Repo) Commit(ctx context.Context, sha string) (*Commit, error) {
	var c Commit
	if _, err := r.client.get(ctx, r.client.url(nil, "repos", r.Owner, r.Name, "commits", sha), &c); err != nil {
		return nil, xerrors.Errorf("unable to get commit %s of %s: %w", sha, r.FullName(), err)
	}
	return &c, nil
}

// Tag looks up a tag, following annotated tags to their commit. It returns
// nil when the tag does not exist.
func (r *Repo) Tag(ctx context.Context, name string) (*Tag, error) {
	var ref gitRef
	_, err := r.client.get(ctx, r.client.url(nil, "repos", r.Owner, r.Name, "git", "ref", "tags", name), &ref)
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, xerrors.Errorf("unable to get tag %s of %s: %w", name, r.FullName(), err)
	}

	obj := ref.Object
	// annotated tags may point at other tags
	for i := 0; obj.Type == "tag" && i < 5; i++ {
		var t gitTag
		if _, err = r.client.get(ctx, r.client.url(nil, "repos", r.Owner, r.Name, "git", "tags", obj.SHA), &t); err != nil {
			return nil, xerrors.Errorf("unable to peel tag %s of %s: %w", name, r.FullName(), err)
		}
		obj = t.Object
	}
	if obj.Type != "commit" {
		return nil, xerrors.Errorf("tag %s of %s points at a %s", name, r.FullName(), obj.Type)
	}
	return &Tag{Name: name, CommitSHA: obj.SHA}, nil
}

func (r *Repo) Issues() *Issues {
	return &Issues{repo: r}
}
