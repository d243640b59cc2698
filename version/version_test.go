package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/envoyproxy/dependency-check/version"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{name: "equal", a: "1.2.3", b: "1.2.3", want: 0},
		{name: "numeric segments", a: "1.2.10", b: "1.2.9", want: 1},
		{name: "shorter release", a: "1.2", b: "1.2.1", want: -1},
		{name: "pre-release before final", a: "1.3.0rc1", b: "1.3.0", want: -1},
		{name: "post-release after final", a: "1.3.0.post1", b: "1.3.0", want: 1},
		{name: "leading v", a: "v1.2.3", b: "1.2.4", want: -1},
		{name: "dates", a: "2023-12-31", b: "2024-01-01", want: -1},
		{name: "dates equal", a: "2024-01-01", b: "2024-01-01", want: 0},
		{name: "four segments", a: "1.1.1.1", b: "1.1.1.2", want: -1},
		{
			name: "commits compare as strings",
			a:    "0123456789abcdef0123456789abcdef01234567",
			b:    "fedcba9876543210fedcba9876543210fedcba98",
			want: -1,
		},
		{name: "unparseable", a: "zeta", b: "alpha", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, version.Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, version.Compare(tt.b, tt.a))
		})
	}
}

func TestRange_Contains(t *testing.T) {
	tests := []struct {
		name           string
		r              version.Range
		candidate      string
		patternVersion string
		want           bool
	}{
		{
			name:      "below end excluding",
			r:         version.Range{EndExcluding: "1.2.4"},
			candidate: "1.2.3",
			want:      true,
		},
		{
			name:      "at end excluding",
			r:         version.Range{EndExcluding: "1.2.4"},
			candidate: "1.2.4",
		},
		{
			name:      "at end including",
			r:         version.Range{EndIncluding: "1.2.4"},
			candidate: "1.2.4",
			want:      true,
		},
		{
			name:      "at start excluding",
			r:         version.Range{StartExcluding: "1.0", EndExcluding: "2.0"},
			candidate: "1.0",
		},
		{
			name:      "at start including",
			r:         version.Range{StartIncluding: "1.0", EndExcluding: "2.0"},
			candidate: "1.0",
			want:      true,
		},
		{
			name:      "below start",
			r:         version.Range{StartIncluding: "1.0"},
			candidate: "0.9.9",
		},
		{
			name:      "wildcard candidate never falls in a bounded range",
			r:         version.Range{StartIncluding: "1.0"},
			candidate: "*",
		},
		{
			name:           "no bounds, any version",
			candidate:      "1.2.3",
			patternVersion: "*",
			want:           true,
		},
		{
			name:           "no bounds, same version",
			candidate:      "1.2.3",
			patternVersion: "1.2.3",
			want:           true,
		},
		{
			name:           "no bounds, equivalent version",
			candidate:      "1.2.0",
			patternVersion: "1.2",
			want:           true,
		},
		{
			name:           "no bounds, other version",
			candidate:      "1.2.3",
			patternVersion: "1.2.4",
		},
		{
			name:           "no bounds, na",
			candidate:      "1.2.3",
			patternVersion: "-",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Contains(tt.candidate, tt.patternVersion))
		})
	}
}

func TestRange_Monotonic(t *testing.T) {
	r := version.Range{StartIncluding: "1.0.0", EndIncluding: "2.0.0"}
	versions := []string{"1.0.0", "1.0.1", "1.1.0rc1", "1.1.0", "1.10.0", "2.0.0"}
	for _, v := range versions {
		assert.True(t, r.Contains(v, "*"), v)
	}
	for _, v := range []string{"0.9", "2.0.1", "3.0"} {
		assert.False(t, r.Contains(v, "*"), v)
	}
}
