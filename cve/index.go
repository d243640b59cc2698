package cve

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/cpe"
	"github.com/envoyproxy/dependency-check/nvd"
	"github.com/envoyproxy/dependency-check/types"
)

type productKey struct {
	vendor, product string
}

func productOf(w cpe.WFN) productKey {
	return productKey{
		vendor:  w.Get(cpe.Vendor).String(),
		product: w.Get(cpe.Product).String(),
	}
}

// Index holds every CVE record of a run. It is not modified after Build
// returns and is safe for concurrent use.
type Index struct {
	byID      map[string]*Record
	byProduct map[productKey][]*Record
	ignore    *IgnoreList
	malformed int
}

type buildOptions struct {
	ignore *IgnoreList
	logger *zap.Logger
}

type BuildOption func(*buildOptions)

func WithIgnoreList(l *IgnoreList) BuildOption {
	return func(o *buildOptions) {
		o.ignore = l
	}
}

func WithLogger(logger *zap.Logger) BuildOption {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// Build consumes items until the channel is closed. Malformed items are
// dropped and counted. When an id is seen twice the most recently modified
// record wins.
func Build(ctx context.Context, items <-chan nvd.Item, opts ...BuildOption) (*Index, error) {
	o := &buildOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	idx := &Index{
		byID:      map[string]*Record{},
		byProduct: map[productKey][]*Record{},
		ignore:    o.ignore,
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case item, ok := <-items:
			if !ok {
				idx.buildProducts()
				if idx.malformed > 0 {
					o.logger.Warn("dropped malformed CVE records", zap.Int("count", idx.malformed))
				}
				return idx, nil
			}
			idx.add(o.logger, item)
		}
	}
}

// NewIndex builds an index from records already in memory.
func NewIndex(records []Record, ignore *IgnoreList) *Index {
	idx := &Index{
		byID:      map[string]*Record{},
		byProduct: map[productKey][]*Record{},
		ignore:    ignore,
	}
	for i := range records {
		idx.put(&records[i])
	}
	idx.buildProducts()
	return idx
}

func (idx *Index) add(logger *zap.Logger, item nvd.Item) {
	r, err := Normalize(item)
	if err != nil {
		idx.malformed++
		logger.Debug("malformed CVE record", zap.Error(err))
		return
	}
	idx.put(&r)
}

func (idx *Index) put(r *Record) {
	if prev, ok := idx.byID[r.ID]; ok && !r.LastModified.After(prev.LastModified) {
		return
	}
	idx.byID[r.ID] = r
}

func (idx *Index) buildProducts() {
	for _, r := range idx.byID {
		for _, p := range r.products() {
			idx.byProduct[p] = append(idx.byProduct[p], r)
		}
	}
	for _, rs := range idx.byProduct {
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
	}
}

func (idx *Index) Len() int {
	return len(idx.byID)
}

// Malformed is the number of dropped records.
func (idx *Index) Malformed() int {
	return idx.malformed
}

// MalformedError describes the dropped records, or nil if there were none.
func (idx *Index) MalformedError() error {
	if idx.malformed == 0 {
		return nil
	}
	return types.NewError(types.KindCVEIndex, "", xerrors.Errorf("%d malformed CVE records dropped", idx.malformed))
}

func (idx *Index) Get(id string) (*Record, bool) {
	r, ok := idx.byID[id]
	return r, ok
}

// Match returns the records affecting the tracked CPE, ordered by CVE id.
// The CPE's version is used when concrete, otherwise ver. Ignored records
// are left out.
func (idx *Index) Match(tracked cpe.WFN, ver string) []*Record {
	ver = trackedVersion(tracked, ver)
	key := productOf(tracked)
	wildcard := cpe.Value{Kind: cpe.ValueAny}.String()
	buckets := [][]*Record{
		idx.byProduct[key],
		idx.byProduct[productKey{vendor: wildcard, product: key.product}],
		idx.byProduct[productKey{vendor: key.vendor, product: wildcard}],
		idx.byProduct[productKey{vendor: wildcard, product: wildcard}],
	}

	seen := map[string]struct{}{}
	var matches []*Record
	for _, bucket := range buckets {
		for _, r := range bucket {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			if !r.Affects(tracked, ver) || idx.ignore.Suppressed(r) {
				continue
			}
			matches = append(matches, r)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}
