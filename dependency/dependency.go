package dependency

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/package-url/packageurl-go"

	"github.com/envoyproxy/dependency-check/forge"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsCommit reports whether version pins a git commit.
func IsCommit(version string) bool {
	return commitPattern.MatchString(strings.ToLower(version))
}

// Dependency is a manifest entry resolved against its release source.
type Dependency struct {
	Input

	Host  string
	Owner string
	Name  string

	// ReleaseDate is when the pinned version was released or committed.
	ReleaseDate time.Time
	// LatestRelease is nil when the repository publishes no releases.
	LatestRelease *forge.Release
}

// NewerReleaseAvailable reports release drift: the latest release is newer
// than the pinned version and is a different version.
func (d *Dependency) NewerReleaseAvailable() bool {
	if d.LatestRelease == nil {
		return false
	}
	return d.LatestRelease.PublishedAt.After(d.ReleaseDate) && !SameVersion(d.LatestRelease.TagName, d.Version)
}

// PURL identifies the pinned version of the dependency.
func (d *Dependency) PURL() string {
	return packageurl.NewPackageURL(packageurl.TypeGithub, d.Owner, d.Name, d.Version, nil, "").ToString()
}

func (d *Dependency) RepoURL() string {
	return "https://" + d.Host + "/" + d.Owner + "/" + d.Name
}

// ReleaseDateMismatch compares the release_date recorded in the manifest,
// if any, with the resolved one at day granularity.
func (d *Dependency) ReleaseDateMismatch() (time.Time, bool) {
	recorded, err := d.ManifestReleaseDate()
	if err != nil || recorded == nil {
		return time.Time{}, false
	}
	const day = time.DateOnly
	return *recorded, recorded.UTC().Format(day) != d.ReleaseDate.UTC().Format(day)
}

// SameVersion reports whether a release tag names version. Tags and versions
// that parse as semver compare semantically, so v1.2.3 names 1.2.3.
func SameVersion(tag, version string) bool {
	tag, version = strings.TrimSpace(tag), strings.TrimSpace(version)
	if tag == version {
		return true
	}
	tv, err := semver.NewVersion(tag)
	if err != nil {
		return false
	}
	vv, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return tv.Equal(vv)
}

// tagCandidates lists the tags a version may have been released under.
func tagCandidates(version string) []string {
	if strings.HasPrefix(version, "v") {
		return []string{version}
	}
	return []string{version, "v" + version}
}

// releaseSource finds the first url hosted on a forge and returns the
// repository it points at.
func releaseSource(urls []string, hosts []string) (host, owner, name string, ok bool) {
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if !hostIn(u.Hostname(), hosts) {
			continue
		}
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segs) < 2 || segs[0] == "" || segs[1] == "" {
			continue
		}
		return u.Hostname(), segs[0], strings.TrimSuffix(segs[1], ".git"), true
	}
	return "", "", "", false
}

func hostIn(host string, hosts []string) bool {
	for _, h := range hosts {
		if strings.EqualFold(host, h) {
			return true
		}
	}
	return false
}
