package issues

import (
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/envoyproxy/dependency-check/dependency"
)

const (
	titlePrefix = "tracking: "
	// searchQuery narrows the issue search to open tracking issues.
	searchQuery = `is:open in:title "tracking:"`
)

// Title is the idempotency key of the tracking issue for id at tag.
func Title(id, tag string) string {
	return titlePrefix + id + ": " + tag
}

// parseTitle splits a tracking issue title into dependency id and tag.
func parseTitle(title string) (id, tag string, ok bool) {
	rest, ok := strings.CutPrefix(title, titlePrefix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, ": ")
	if i <= 0 {
		return "", "", false
	}
	return rest[:i], rest[i+2:], true
}

var funcs = template.FuncMap{
	"date": func(t time.Time) string {
		return t.UTC().Format(time.DateOnly)
	},
}

var bodyTemplate = template.Must(template.New("body").Funcs(funcs).Parse(
	`A newer release of {{.ID}} is available.

| | Version | Release date |
|---|---|---|
| Current | {{.Version}} | {{date .ReleaseDate}} |
| Latest | {{.LatestRelease.TagName}} | {{date .LatestRelease.PublishedAt}} |

Upstream: {{.RepoURL}}
{{- with .LatestRelease.HTMLURL}}
Release notes: {{.}}
{{- end}}
Package URL: {{.PURL}}
{{- if .CPE}}
CPE: {{.CPE}}
{{- end}}

Sources:
{{- range .URLs}}
- {{.}}
{{- end}}
`))

func renderBody(d *dependency.Dependency) (string, error) {
	var sb strings.Builder
	if err := bodyTemplate.Execute(&sb, d); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func updatedComment(previous, latest string) string {
	return "New version is available for this dependency: " + latest + " (previously tracked: " + previous + ")."
}

func closedComment(d *dependency.Dependency) string {
	return "Dependency " + d.ID + " is up to date at " + d.Version + ", closing."
}

func duplicateComment(keep int) string {
	return "Duplicate of #" + strconv.Itoa(keep) + ", closing."
}
