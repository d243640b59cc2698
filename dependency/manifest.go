package dependency

import (
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/spf13/afero"
	"golang.org/x/exp/maps"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"

	"github.com/envoyproxy/dependency-check/cpe"
)

// Input is one manifest entry, as written by the operator.
type Input struct {
	ID          string   `yaml:"-" json:"-"`
	Version     string   `yaml:"version" json:"version"`
	ReleaseDate string   `yaml:"release_date,omitempty" json:"release_date,omitempty"`
	URLs        []string `yaml:"urls" json:"urls"`
	CPE         string   `yaml:"cpe,omitempty" json:"cpe,omitempty"`
	SHA         string   `yaml:"sha,omitempty" json:"sha,omitempty"`

	// Extra holds keys the checker does not use.
	Extra map[string]interface{} `yaml:",inline" json:"-"`
}

var knownKeys = []string{"version", "release_date", "urls", "cpe", "sha"}

// TrackedCPE parses the CPE of the entry. It returns nil without error when
// the entry has none.
func (in Input) TrackedCPE() (*cpe.WFN, error) {
	if strings.TrimSpace(in.CPE) == "" {
		return nil, nil
	}
	wfn, err := cpe.ParseTracked(in.CPE)
	if err != nil {
		return nil, err
	}
	return &wfn, nil
}

// ManifestReleaseDate parses the optional release_date of the entry.
func (in Input) ManifestReleaseDate() (*time.Time, error) {
	if in.ReleaseDate == "" {
		return nil, nil
	}
	t, err := dateparse.ParseIn(in.ReleaseDate, time.UTC)
	if err != nil {
		return nil, xerrors.Errorf("invalid release_date %q: %w", in.ReleaseDate, err)
	}
	return &t, nil
}

// LoadManifest reads the dependency manifest at path. Files ending in .json
// are JSON, anything else is YAML. The entries are sorted by id.
func LoadManifest(fs afero.Fs, path string) ([]Input, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, xerrors.Errorf("unable to read the manifest: %w", err)
	}

	var entries map[string]Input
	if strings.EqualFold(filepath.Ext(path), ".json") {
		entries, err = decodeJSON(b)
	} else {
		err = yaml.Unmarshal(b, &entries)
	}
	if err != nil {
		return nil, xerrors.Errorf("invalid manifest %s: %w", path, err)
	}

	ids := maps.Keys(entries)
	slices.Sort(ids)

	inputs := make([]Input, 0, len(ids))
	for _, id := range ids {
		in := entries[id]
		in.ID = id
		if strings.TrimSpace(in.Version) == "" {
			return nil, xerrors.Errorf("invalid manifest %s: dependency %q has no version", path, id)
		}
		if len(in.URLs) == 0 {
			return nil, xerrors.Errorf("invalid manifest %s: dependency %q has no urls", path, id)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

func decodeJSON(b []byte) (map[string]Input, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}

	entries := make(map[string]Input, len(raw))
	for id, msg := range raw {
		var in Input
		if err := json.Unmarshal(msg, &in); err != nil {
			return nil, xerrors.Errorf("dependency %q: %w", id, err)
		}
		var all map[string]interface{}
		if err := json.Unmarshal(msg, &all); err != nil {
			return nil, xerrors.Errorf("dependency %q: %w", id, err)
		}
		for _, k := range knownKeys {
			delete(all, k)
		}
		if len(all) > 0 {
			in.Extra = all
		}
		entries[id] = in
	}
	return entries, nil
}
