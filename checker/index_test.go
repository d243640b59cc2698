package checker_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/envoyproxy/dependency-check/checker"
	"github.com/envoyproxy/dependency-check/cpe"
	"github.com/envoyproxy/dependency-check/cve"
	"github.com/envoyproxy/dependency-check/nvd"
	"github.com/envoyproxy/dependency-check/types"
	"github.com/envoyproxy/dependency-check/utils"
)

const feedItem = `{
  "cve": {"CVE_data_meta": {"ID": "CVE-2024-0001"}, "description": {"description_data": []}},
  "configurations": {"nodes": [{"operator": "OR", "cpe_match": [{
    "vulnerable": true,
    "cpe23Uri": "cpe:2.3:a:foo:libfoo:*:*:*:*:*:*:*:*",
    "versionEndExcluding": "1.2.4"
  }]}]},
  "impact": {},
  "publishedDate": "2024-01-10T15:15Z",
  "lastModifiedDate": "2024-02-01T10:00Z"
}`

func feedServer(t *testing.T, status int) *httptest.Server {
	var archive bytes.Buffer
	w := gzip.NewWriter(&archive)
	_, err := fmt.Fprintf(w, `{"CVE_Items":[%s, {"cve": "broken"}]}`, feedItem)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case status != http.StatusOK:
			w.WriteHeader(status)
		case strings.HasSuffix(r.URL.Path, ".meta"):
			fmt.Fprint(w, "lastModifiedDate:2024-06-01T03:00:01-04:00\r\nsha256:ABCD\r\n")
		case strings.HasSuffix(r.URL.Path, ".json.gz"):
			_, _ = w.Write(archive.Bytes())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func fetcher(t *testing.T, ts *httptest.Server) nvd.Fetcher {
	return nvd.NewFetcher(
		nvd.WithFeedRoot(lo.Must(url.Parse(ts.URL))),
		nvd.WithFeeds("2024"),
		nvd.WithFs(afero.NewMemMapFs()),
		nvd.WithCacheDir("/cache"),
		nvd.WithRetryPolicy(utils.RetryPolicy{Attempts: 1}),
		nvd.WithLogger(zaptest.NewLogger(t)),
	)
}

func TestNVDIndex(t *testing.T) {
	ts := feedServer(t, http.StatusOK)
	load := checker.NVDIndex(fetcher(t, ts), cve.WithLogger(zaptest.NewLogger(t)))

	idx, err := load(context.Background())
	require.NoError(t, err)
	assert.ErrorContains(t, idx.MalformedError(), "1 malformed CVE records dropped")

	matches := idx.Match(cpe.MustParse("cpe:2.3:a:foo:libfoo:1.2.3:*:*:*:*:*:*:*"), "1.2.3")
	require.Len(t, matches, 1)
	assert.Equal(t, "CVE-2024-0001", matches[0].ID)
}

func TestNVDIndex_DownloadFailure(t *testing.T) {
	ts := feedServer(t, http.StatusBadGateway)
	_, err := checker.NVDIndex(fetcher(t, ts))(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.KindCVEDownload, types.KindOf(err))
}
