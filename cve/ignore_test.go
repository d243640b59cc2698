package cve_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/dependency-check/cve"
)

func TestLoadIgnoreList(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
		// last_modified -> suppressed, per CVE id
		check   map[string]map[string]bool
		wantLen int
		wantErr string
	}{
		{
			name: "yaml",
			path: "ignore.yaml",
			content: `
CVE-2024-0001:
  min_last_modified_date: 2099-01-01
CVE-2024-0002:
  min_last_modified_date: "2024-03-11"
CVE-2024-0003:
`,
			wantLen: 3,
			check: map[string]map[string]bool{
				"CVE-2024-0001": {"2024-02-01T10:00:00Z": true},
				"CVE-2024-0002": {
					"2024-03-11T00:00:00Z": true,
					"2024-03-11T23:59:59Z": true,
					"2024-03-12T00:00:00Z": false,
				},
				"CVE-2024-0003": {"2124-01-01T00:00:00Z": true},
				"CVE-2024-9999": {"2024-01-01T00:00:00Z": false},
			},
		},
		{
			name:    "json",
			path:    "ignore.json",
			content: `{"CVE-2024-0001": {"min_last_modified_date": "2024-03-11T12:00:00Z"}, "CVE-2024-0002": {}}`,
			wantLen: 2,
			check: map[string]map[string]bool{
				"CVE-2024-0001": {
					"2024-03-11T12:00:00Z": true,
					"2024-03-11T12:00:01Z": false,
				},
				"CVE-2024-0002": {"2030-01-01T00:00:00Z": true},
			},
		},
		{
			name:    "not a cve",
			path:    "ignore.yaml",
			content: "GHSA-1234: {}\n",
			wantErr: `"GHSA-1234" is not a CVE id`,
		},
		{
			name:    "bad date",
			path:    "ignore.yaml",
			content: "CVE-2024-0001:\n  min_last_modified_date: someday\n",
			wantErr: "CVE-2024-0001",
		},
		{
			name:    "not a mapping",
			path:    "ignore.yaml",
			content: "- CVE-2024-0001\n",
			wantErr: "invalid ignore list",
		},
		{
			name:    "missing",
			path:    "",
			wantErr: "unable to read the ignore list",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			path := tt.path
			if path != "" {
				require.NoError(t, afero.WriteFile(fs, path, []byte(tt.content), 0o644))
			} else {
				path = "missing.yaml"
			}

			l, err := cve.LoadIgnoreList(fs, path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, l.Len())

			for id, cases := range tt.check {
				for lastModified, want := range cases {
					lm, err := time.Parse(time.RFC3339, lastModified)
					require.NoError(t, err)
					r := &cve.Record{ID: id, LastModified: lm}
					assert.Equal(t, want, l.Suppressed(r), "%s at %s", id, lastModified)
				}
			}
		})
	}
}

func TestIgnoreList_Nil(t *testing.T) {
	var l *cve.IgnoreList
	assert.False(t, l.Suppressed(&cve.Record{ID: "CVE-2024-0001"}))
	assert.Equal(t, 0, l.Len())
}
