package forge

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextLink(t *testing.T) {
	tests := []struct {
		name   string
		header []string
		want   string
	}{
		{
			name:   "github",
			header: []string{`<https://api.github.com/search/issues?q=x&page=2>; rel="next", <https://api.github.com/search/issues?q=x&page=5>; rel="last"`},
			want:   "https://api.github.com/search/issues?q=x&page=2",
		},
		{
			name:   "last page",
			header: []string{`<https://api.github.com/search/issues?page=1>; rel="first", <https://api.github.com/search/issues?page=4>; rel="prev"`},
		},
		{
			name:   "multiple rels",
			header: []string{`<https://example.com/2>; rel="next last"`},
			want:   "https://example.com/2",
		},
		{
			name:   "split headers",
			header: []string{`<https://example.com/1>; rel="prev"`, `<https://example.com/3>; rel=next`},
			want:   "https://example.com/3",
		},
		{
			name:   "extra params",
			header: []string{`<https://example.com/1>; rel="prev", <https://example.com/3>; title="page three"; rel="next"`},
			want:   "https://example.com/3",
		},
		{
			name:   "malformed",
			header: []string{`https://example.com/2; rel="next"`},
		},
		{
			name: "absent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for _, v := range tt.header {
				h.Add("Link", v)
			}
			assert.Equal(t, tt.want, nextLink(h))
		})
	}
}
