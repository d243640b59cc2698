package version

import (
	"regexp"
	"strings"
	"time"

	pep440 "github.com/aquasecurity/go-pep440-version"
	goversion "github.com/hashicorp/go-version"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Compare orders two version strings. Both sides must parse under the same
// scheme for it to apply; schemes are tried in this order:
//
//  1. calendar dates (YYYY-MM-DD), chronologically
//  2. PEP 440
//  3. hashicorp/go-version (semver-like, tolerates extra segments)
//
// Anything else, including commit hashes, compares byte-wise.
func Compare(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return 0
	}

	if dateRe.MatchString(a) && dateRe.MatchString(b) {
		ta, errA := time.Parse(time.DateOnly, a)
		tb, errB := time.Parse(time.DateOnly, b)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
	}

	if va, err := pep440.Parse(a); err == nil {
		if vb, err := pep440.Parse(b); err == nil {
			return va.Compare(vb)
		}
	}

	if va, err := goversion.NewVersion(a); err == nil {
		if vb, err := goversion.NewVersion(b); err == nil {
			return va.Compare(vb)
		}
	}

	return strings.Compare(a, b)
}

// Equal reports whether a and b denote the same version.
func Equal(a, b string) bool {
	return Compare(a, b) == 0
}
