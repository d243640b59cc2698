package version

import "strings"

const (
	Any = "*"
	NA  = "-"
)

// Range is the version window of an NVD cpe_match entry. Empty fields are
// absent bounds.
type Range struct {
	StartIncluding string `json:"versionStartIncluding,omitempty"`
	StartExcluding string `json:"versionStartExcluding,omitempty"`
	EndIncluding   string `json:"versionEndIncluding,omitempty"`
	EndExcluding   string `json:"versionEndExcluding,omitempty"`
}

func (r Range) Empty() bool {
	return r.StartIncluding == "" && r.StartExcluding == "" &&
		r.EndIncluding == "" && r.EndExcluding == ""
}

// Contains reports whether candidate falls inside the range. A range without
// bounds holds only the pattern's own version, where "*" holds everything and
// "-" only itself.
func (r Range) Contains(candidate, patternVersion string) bool {
	if r.Empty() {
		switch patternVersion {
		case Any, "":
			return true
		case NA:
			return candidate == NA
		}
		return Equal(strings.ToLower(candidate), strings.ToLower(patternVersion))
	}

	if candidate == "" || candidate == Any || candidate == NA {
		return false
	}
	if r.StartIncluding != "" && Compare(candidate, r.StartIncluding) < 0 {
		return false
	}
	if r.StartExcluding != "" && Compare(candidate, r.StartExcluding) <= 0 {
		return false
	}
	if r.EndIncluding != "" && Compare(candidate, r.EndIncluding) > 0 {
		return false
	}
	if r.EndExcluding != "" && Compare(candidate, r.EndExcluding) >= 0 {
		return false
	}
	return true
}
