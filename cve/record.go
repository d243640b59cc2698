package cve

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goark/go-cvss/v3/metric"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/cpe"
	"github.com/envoyproxy/dependency-check/nvd"
	"github.com/envoyproxy/dependency-check/version"
)

const nvdTimeFormat = "2006-01-02T15:04Z"

// Record is a normalized CVE.
type Record struct {
	ID           string
	Published    time.Time
	LastModified time.Time
	Score        *float64
	Severity     string
	Description  string
	// Configurations is a disjunction of nodes.
	Configurations []Node
}

// Node groups matches and child nodes under an AND/OR operator.
type Node struct {
	Operator string
	Negate   bool
	Matches  []CPEMatch
	Children []Node
}

// CPEMatch is one cpe_match entry: a CPE pattern and the version range it
// applies to.
type CPEMatch struct {
	Pattern    cpe.WFN
	Vulnerable bool
	Range      version.Range
}

// Contains reports whether the tracked CPE at the given version is covered.
func (m CPEMatch) Contains(tracked cpe.WFN, ver string) bool {
	if !cpe.MatchExceptVersion(m.Pattern, tracked) {
		return false
	}
	return m.Range.Contains(ver, m.Pattern.Get(cpe.Version).String())
}

// Walk calls fn for every cpe_match entry of the record, depth first.
func (r *Record) Walk(fn func(CPEMatch) bool) {
	var walk func([]Node) bool
	walk = func(nodes []Node) bool {
		for _, n := range nodes {
			for _, m := range n.Matches {
				if !fn(m) {
					return false
				}
			}
			if !walk(n.Children) {
				return false
			}
		}
		return true
	}
	walk(r.Configurations)
}

// Affects reports whether a vulnerable entry of the record covers the tracked
// CPE. The CPE's version is used when concrete, otherwise ver.
func (r *Record) Affects(tracked cpe.WFN, ver string) bool {
	ver = trackedVersion(tracked, ver)
	var hit bool
	r.Walk(func(m CPEMatch) bool {
		if m.Vulnerable && m.Contains(tracked, ver) {
			hit = true
			return false
		}
		return true
	})
	return hit
}

func trackedVersion(tracked cpe.WFN, ver string) string {
	if v := tracked.Get(cpe.Version); v.Kind == cpe.ValueSet {
		return v.Literal()
	}
	return ver
}

// products returns the distinct (vendor, product) pairs the record refers to.
func (r *Record) products() []productKey {
	seen := map[productKey]struct{}{}
	var ps []productKey
	r.Walk(func(m CPEMatch) bool {
		p := productOf(m.Pattern)
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			ps = append(ps, p)
		}
		return true
	})
	return ps
}

// Normalize converts a feed item into a Record.
func Normalize(item nvd.Item) (Record, error) {
	if item.Err != nil {
		return Record{}, xerrors.Errorf("undecodable item %q: %w", item.CVE.CVEDataMeta.ID, item.Err)
	}
	r := Record{ID: strings.TrimSpace(item.CVE.CVEDataMeta.ID)}
	if !strings.HasPrefix(r.ID, "CVE-") {
		return Record{}, xerrors.Errorf("invalid CVE-ID format: %q", r.ID)
	}

	var err error
	if r.Published, err = parseTime(item.PublishedDate); err != nil {
		return Record{}, xerrors.Errorf("%s: publishedDate: %w", r.ID, err)
	}
	if r.LastModified, err = parseTime(item.LastModifiedDate); err != nil {
		return Record{}, xerrors.Errorf("%s: lastModifiedDate: %w", r.ID, err)
	}

	for _, d := range item.CVE.Description.DescriptionData {
		if d.Lang == "en" {
			r.Description = d.Value
			break
		}
	}

	r.Score, r.Severity = severity(item.Impact)

	for _, n := range item.Configurations.Nodes {
		node, err := normalizeNode(n)
		if err != nil {
			return Record{}, xerrors.Errorf("%s: %w", r.ID, err)
		}
		r.Configurations = append(r.Configurations, node)
	}
	return r, nil
}

func normalizeNode(n *nvd.Node) (Node, error) {
	if n == nil {
		return Node{}, xerrors.New("null configuration node")
	}
	node := Node{Operator: n.Operator, Negate: n.Negate}
	for _, m := range n.CPEMatch {
		if m == nil {
			continue
		}
		pattern, err := cpe.Parse(m.Cpe23Uri)
		if err != nil {
			return Node{}, err
		}
		node.Matches = append(node.Matches, CPEMatch{
			Pattern:    pattern,
			Vulnerable: m.Vulnerable,
			Range: version.Range{
				StartIncluding: m.VersionStartIncluding,
				StartExcluding: m.VersionStartExcluding,
				EndIncluding:   m.VersionEndIncluding,
				EndExcluding:   m.VersionEndExcluding,
			},
		})
	}
	for _, c := range n.Children {
		child, err := normalizeNode(c)
		if err != nil {
			return Node{}, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, xerrors.New("missing")
	}
	if t, err := time.Parse(nvdTimeFormat, s); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func severity(impact nvd.Impact) (*float64, string) {
	if v3 := impact.BaseMetricV3; v3 != nil && v3.CVSSV3 != nil {
		if v3.CVSSV3.BaseSeverity != "" {
			score := v3.CVSSV3.BaseScore
			return &score, strings.ToUpper(v3.CVSSV3.BaseSeverity)
		}
		if v3.CVSSV3.VectorString != "" {
			bm, err := metric.NewBase().Decode(v3.CVSSV3.VectorString)
			if err == nil {
				score := bm.Score()
				return &score, strings.ToUpper(bm.Severity().String())
			}
		}
	}
	if v2 := impact.BaseMetricV2; v2 != nil {
		var score *float64
		if v2.CVSSV2 != nil {
			s := v2.CVSSV2.BaseScore
			score = &s
		}
		return score, strings.ToUpper(v2.Severity)
	}
	return nil, ""
}
