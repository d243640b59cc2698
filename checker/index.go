package checker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/envoyproxy/dependency-check/cve"
	"github.com/envoyproxy/dependency-check/nvd"
)

// NVDIndex loads the CVE index from the NVD feeds, building it while the
// feeds are parsed.
func NVDIndex(fetcher nvd.Fetcher, opts ...cve.BuildOption) IndexLoader {
	return func(ctx context.Context) (CVEIndex, error) {
		items := make(chan nvd.Item, nvd.ItemBuffer)
		g, ctx := errgroup.WithContext(ctx)

		var idx *cve.Index
		g.Go(func() error {
			return fetcher.Fetch(ctx, items)
		})
		g.Go(func() error {
			var err error
			idx, err = cve.Build(ctx, items, opts...)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return idx, nil
	}
}
