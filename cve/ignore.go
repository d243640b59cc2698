package cve

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

type ignoreEntry struct {
	MinLastModifiedDate string `json:"min_last_modified_date" yaml:"min_last_modified_date"`
}

// IgnoreList suppresses CVEs an operator has judged not applicable. An entry
// with a date stops applying once NVD modifies the CVE after that date.
type IgnoreList struct {
	entries map[string]*time.Time
}

func NewIgnoreList() *IgnoreList {
	return &IgnoreList{entries: map[string]*time.Time{}}
}

// Add ignores id. A nil until ignores it regardless of modification.
func (l *IgnoreList) Add(id string, until *time.Time) {
	l.entries[id] = until
}

func (l *IgnoreList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Suppressed reports whether r is ignored: its id is listed and it has not
// been modified after the entry's date.
func (l *IgnoreList) Suppressed(r *Record) bool {
	if l == nil {
		return false
	}
	until, ok := l.entries[r.ID]
	if !ok {
		return false
	}
	if until == nil {
		return true
	}
	return !r.LastModified.After(*until)
}

// LoadIgnoreList reads a mapping of CVE id to {min_last_modified_date}. Files
// ending in .json are read as JSON, anything else as YAML.
func LoadIgnoreList(fs afero.Fs, path string) (*IgnoreList, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, xerrors.Errorf("unable to read the ignore list: %w", err)
	}

	raw := map[string]*ignoreEntry{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(b, &raw)
	} else {
		err = yaml.Unmarshal(b, &raw)
	}
	if err != nil {
		return nil, xerrors.Errorf("invalid ignore list %s: %w", path, err)
	}

	l := NewIgnoreList()
	for id, e := range raw {
		if !strings.HasPrefix(id, "CVE-") {
			return nil, xerrors.Errorf("invalid ignore list %s: %q is not a CVE id", path, id)
		}
		if e == nil || e.MinLastModifiedDate == "" {
			l.Add(id, nil)
			continue
		}
		until, err := parseIgnoreDate(e.MinLastModifiedDate)
		if err != nil {
			return nil, xerrors.Errorf("invalid ignore list %s: %s: %w", path, id, err)
		}
		l.Add(id, &until)
	}
	return l, nil
}

// parseIgnoreDate treats a bare date as the whole of that day in UTC.
func parseIgnoreDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t.Add(24*time.Hour - time.Nanosecond), nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
