package cpe_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/dependency-check/cpe"
	"github.com/envoyproxy/dependency-check/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		product string
		wantErr string
	}{
		{
			name:    "happy path",
			in:      "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
			want:    "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
			product: "libfoo",
		},
		{
			name:    "escaped colon",
			in:      `cpe:2.3:a:foo:lib\:foo:-:*:*:*:*:*:*:*`,
			want:    `cpe:2.3:a:foo:lib\:foo:-:*:*:*:*:*:*:*`,
			product: "lib:foo",
		},
		{
			name:    "upper case is folded",
			in:      "cpe:2.3:a:Google:BoringSSL:*:*:*:*:*:*:*:*",
			want:    "cpe:2.3:a:google:boringssl:*:*:*:*:*:*:*:*",
			product: "boringssl",
		},
		{
			name:    "too few fields",
			in:      "cpe:2.3:a:foo:libfoo:1.2.3",
			wantErr: "expected 13 fields, got 6",
		},
		{
			name:    "too many fields",
			in:      "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*:*",
			wantErr: "expected 13 fields, got 14",
		},
		{
			name:    "uri binding",
			in:      "cpe:/a:foo:libfoo:1.2.3",
			wantErr: "missing cpe:2.3: prefix",
		},
		{
			name:    "empty field",
			in:      "cpe:2.3:a:foo::1.2.3:*:*:*:*:*:*:*",
			wantErr: "product: empty value",
		},
		{
			name:    "bad part",
			in:      "cpe:2.3:x:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
			wantErr: `invalid part "x"`,
		},
		{
			name:    "dangling escape",
			in:      `cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:\`,
			wantErr: "dangling escape",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cpe.Parse(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, types.KindCPEParse, types.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
			assert.Equal(t, tt.product, got.Product())

			again, err := cpe.Parse(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestParseTracked(t *testing.T) {
	_, err := cpe.ParseTracked("cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*")
	assert.NoError(t, err)

	_, err = cpe.ParseTracked("cpe:2.3:a:*:libfoo:1.2.3:*:*:*:*:*:*:*")
	assert.ErrorContains(t, err, "vendor must not be a wildcard")

	_, err = cpe.ParseTracked("cpe:2.3:a:foo:-:1.2.3:*:*:*:*:*:*:*")
	assert.ErrorContains(t, err, "product must not be a wildcard")
	assert.True(t, types.Is(err, types.KindCPEParse))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name         string
		pattern      string
		subject      string
		want         bool
		wantNoVerCmp bool
	}{
		{
			name:         "exact",
			pattern:      "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
			subject:      "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
			want:         true,
			wantNoVerCmp: true,
		},
		{
			name:         "any version",
			pattern:      "cpe:2.3:a:foo:libfoo:*:*:*:*:*:*:*:*",
			subject:      "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
			want:         true,
			wantNoVerCmp: true,
		},
		{
			name:         "different version",
			pattern:      "cpe:2.3:a:foo:libfoo:1.2.4:*:*:*:*:*:*:*",
			subject:      "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
			want:         false,
			wantNoVerCmp: true,
		},
		{
			name:    "na only matches na",
			pattern: "cpe:2.3:a:foo:libfoo:1.2.3:-:*:*:*:*:*:*",
			subject: "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
		},
		{
			name:         "na matches na",
			pattern:      "cpe:2.3:a:foo:libfoo:1.2.3:-:*:*:*:*:*:*",
			subject:      "cpe:2.3:a:foo:libfoo:1.2.3:-:*:*:*:*:*:*",
			want:         true,
			wantNoVerCmp: true,
		},
		{
			name:    "literal pattern does not match any subject",
			pattern: "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:linux:*:*",
			subject: "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
		},
		{
			name:    "different product",
			pattern: "cpe:2.3:a:foo:libbar:*:*:*:*:*:*:*:*",
			subject: "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := cpe.MustParse(tt.pattern)
			s := cpe.MustParse(tt.subject)
			assert.Equal(t, tt.want, cpe.Match(p, s))
			assert.Equal(t, tt.wantNoVerCmp, cpe.MatchExceptVersion(p, s))
		})
	}
}

func TestWFN_UnmarshalText(t *testing.T) {
	var w cpe.WFN
	require.NoError(t, w.UnmarshalText([]byte("cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*")))
	assert.Equal(t, "1.2.3", w.Version())
	assert.Equal(t, "foo", w.Vendor())

	b, err := w.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*", string(b))

	assert.Error(t, w.UnmarshalText([]byte("nope")))
}
