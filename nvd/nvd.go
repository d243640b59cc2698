package nvd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/gzip"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/types"
	"github.com/envoyproxy/dependency-check/utils"
)

const (
	DefaultFeedRoot = "https://nvd.nist.gov/feeds/json/cve/1.1/"
	firstYear       = 2002
	feedPrefix      = "nvdcve-1.1-"
	modifiedFeed    = "modified"

	// ItemBuffer is the capacity callers should give the channel passed to
	// Fetch.
	ItemBuffer = 1024

	downloadConcurrency = 4
)

type options struct {
	feedRoot *url.URL
	cacheDir string
	fs       afero.Fs
	client   *http.Client
	pool     *utils.Pool
	logger   *zap.Logger
	clock    utils.Clock
	retry    utils.RetryPolicy
	progress io.Writer
	feeds    []string
}

// Option configures a Fetcher.
type Option func(*options)

func WithFeedRoot(root *url.URL) Option {
	return func(opts *options) {
		r := *root
		if r.Path == "" || r.Path[len(r.Path)-1] != '/' {
			r.Path += "/"
		}
		opts.feedRoot = &r
	}
}

func WithCacheDir(dir string) Option {
	return func(opts *options) {
		opts.cacheDir = dir
	}
}

func WithFs(fs afero.Fs) Option {
	return func(opts *options) {
		opts.fs = fs
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(opts *options) {
		opts.client = client
	}
}

// WithPool sets the pool decompression and parsing run on.
func WithPool(pool *utils.Pool) Option {
	return func(opts *options) {
		opts.pool = pool
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

func WithClock(clock utils.Clock) Option {
	return func(opts *options) {
		opts.clock = clock
	}
}

func WithRetryPolicy(policy utils.RetryPolicy) Option {
	return func(opts *options) {
		opts.retry = policy
	}
}

// WithProgress renders a progress bar per archive download to w.
func WithProgress(w io.Writer) Option {
	return func(opts *options) {
		opts.progress = w
	}
}

// WithFeeds replaces the yearly feed list.
func WithFeeds(feeds ...string) Option {
	return func(opts *options) {
		opts.feeds = feeds
	}
}

type Fetcher struct {
	*options
}

func NewFetcher(opts ...Option) Fetcher {
	o := &options{
		feedRoot: lo.Must(url.Parse(DefaultFeedRoot)),
		cacheDir: filepath.Join(utils.CacheDir(), "nvd"),
		fs:       afero.NewOsFs(),
		logger:   zap.NewNop(),
		clock:    utils.RealClock{},
		retry:    utils.DefaultRetryPolicy,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = utils.NewHTTPClient(nil)
	}
	return Fetcher{
		options: o,
	}
}

// Feeds lists the feed names: one per year since 2002 and the modified delta.
func (f Fetcher) Feeds() []string {
	if len(f.feeds) > 0 {
		return f.feeds
	}
	var feeds []string
	for yr := firstYear; yr <= f.clock.Now().Year(); yr++ {
		feeds = append(feeds, strconv.Itoa(yr))
	}
	return append(feeds, modifiedFeed)
}

// Fetch refreshes the cache and streams every item of every feed to out. The
// channel is closed when Fetch returns.
func (f Fetcher) Fetch(ctx context.Context, out chan<- Item) error {
	defer close(out)

	feeds := f.Feeds()
	if err := f.sync(ctx, feeds); err != nil {
		return err
	}

	pool := f.pool
	if pool == nil {
		pool = utils.NewPool(downloadConcurrency)
		defer pool.Close()
	}

	var futures []*utils.Future[int]
	for _, feed := range feeds {
		futures = append(futures, utils.Go(ctx, pool, func(ctx context.Context) (int, error) {
			return f.parse(ctx, feed, out)
		}))
	}

	// every parser must be done with out before it is closed
	var errs error
	for i, fut := range futures {
		n, err := fut.Wait(context.Background())
		if err != nil {
			if ctx.Err() == nil {
				f.invalidate(feeds[i])
			}
			errs = multierror.Append(errs, xerrors.Errorf("feed %s: %w", feeds[i], err))
			continue
		}
		f.logger.Debug("feed parsed", zap.String("feed", feeds[i]), zap.Int("items", n))
	}
	if errs != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewError(types.KindCVEDownload, "", errs)
	}
	return nil
}

// sync brings every cached archive up to date with upstream.
func (f Fetcher) sync(ctx context.Context, feeds []string) error {
	if err := f.fs.MkdirAll(f.cacheDir, 0o755); err != nil {
		return xerrors.Errorf("unable to create cache dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadConcurrency)
	for _, feed := range feeds {
		g.Go(func() error {
			if err := f.syncFeed(ctx, feed); err != nil {
				return types.NewError(types.KindCVEDownload, "", xerrors.Errorf("feed %s: %w", feed, err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (f Fetcher) syncFeed(ctx context.Context, feed string) error {
	fs := utils.NewFs(f.fs)
	archive := f.archivePath(feed)
	metaPath := f.sidecarPath(feed)

	var upstream upstreamMeta
	err := f.retry.Retry(ctx, f.logger, func() error {
		var err error
		upstream, err = f.fetchMeta(ctx, feed)
		return err
	})
	if err != nil {
		return xerrors.Errorf("unable to fetch meta: %w", err)
	}

	var local sidecar
	if ok, _ := fs.Exists(metaPath); ok {
		if err = fs.ReadJSON(metaPath, &local); err != nil {
			f.logger.Warn("ignoring unreadable sidecar", zap.String("path", metaPath), zap.Error(err))
			local = sidecar{}
		}
	}
	if ok, _ := fs.Exists(archive); ok && local.fresh(upstream) {
		f.logger.Debug("feed is up to date", zap.String("feed", feed))
		return nil
	}

	f.logger.Info("downloading feed", zap.String("feed", feed))
	err = f.retry.Retry(ctx, f.logger, func() error {
		return f.download(ctx, feed)
	})
	if err != nil {
		return xerrors.Errorf("unable to download archive: %w", err)
	}

	return fs.WriteJSON(metaPath, sidecar{
		SHA256:       upstream.SHA256,
		LastModified: upstream.LastModified,
		DownloadedAt: f.clock.Now().UTC(),
	})
}

func (f Fetcher) fetchMeta(ctx context.Context, feed string) (upstreamMeta, error) {
	u := f.feedURL(feed, ".meta")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return upstreamMeta{}, utils.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return upstreamMeta{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return upstreamMeta{}, xerrors.Errorf("HTTP error. status code: %d, url: %s", resp.StatusCode, u)
	default:
		return upstreamMeta{}, utils.Permanent(xerrors.Errorf("HTTP error. status code: %d, url: %s", resp.StatusCode, u))
	}

	m, err := parseUpstreamMeta(resp.Body)
	if err != nil {
		return m, utils.Permanent(err)
	}
	return m, nil
}

// download fetches the archive to a temporary file and moves it into the
// cache in one rename.
func (f Fetcher) download(ctx context.Context, feed string) error {
	tmp, err := os.CreateTemp("", "dependency-check-"+feed+"-*.json.gz")
	if err != nil {
		return utils.Permanent(xerrors.Errorf("failed to create a temp file: %w", err))
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	err = utils.DownloadFile(ctx, f.feedURL(feed, ".json.gz"), tmp.Name(), utils.DownloadOptions{
		Client:   f.client,
		Progress: f.progress,
	})
	if err != nil {
		return err
	}

	src, err := os.Open(tmp.Name())
	if err != nil {
		return xerrors.Errorf("failed to open download: %w", err)
	}
	defer src.Close()

	staged := f.archivePath(feed) + ".tmp"
	dst, err := f.fs.Create(staged)
	if err != nil {
		return xerrors.Errorf("failed to create %s: %w", staged, err)
	}
	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()
		return xerrors.Errorf("failed to copy archive: %w", err)
	}
	if err = dst.Close(); err != nil {
		return xerrors.Errorf("failed to close %s: %w", staged, err)
	}
	if err = f.fs.Rename(staged, f.archivePath(feed)); err != nil {
		return xerrors.Errorf("failed to rename %s: %w", staged, err)
	}
	return nil
}

// invalidate drops the sidecar of a cached archive that failed to parse so
// the next run downloads it again.
func (f Fetcher) invalidate(feed string) {
	path := f.sidecarPath(feed)
	if err := f.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		f.logger.Warn("unable to remove sidecar", zap.String("path", path), zap.Error(err))
		return
	}
	f.logger.Warn("cached feed is unreadable, it will be downloaded again", zap.String("feed", feed))
}

// parse decompresses a cached archive and sends its items to out.
func (f Fetcher) parse(ctx context.Context, feed string, out chan<- Item) (int, error) {
	file, err := f.fs.Open(f.archivePath(feed))
	if err != nil {
		return 0, xerrors.Errorf("unable to open archive: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return 0, xerrors.Errorf("unable to decompress archive: %w", err)
	}
	defer gz.Close()

	return decodeItems(ctx, gz, out)
}

// decodeItems streams the CVE_Items array without holding the whole feed in
// memory.
func decodeItems(ctx context.Context, r io.Reader, out chan<- Item) (int, error) {
	dec := json.NewDecoder(r)
	if err := seekItems(dec); err != nil {
		return 0, err
	}

	var n int
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n, xerrors.Errorf("invalid CVE_Items: %w", err)
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			item.Err = err
		}
		select {
		case out <- item:
			n++
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
	return n, nil
}

func seekItems(dec *json.Decoder) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return xerrors.Errorf("invalid feed: %w", err)
		}
		if key, ok := tok.(string); ok && key == "CVE_Items" {
			return expectDelim(dec, '[')
		}
		var skip json.RawMessage
		if err = dec.Decode(&skip); err != nil {
			return xerrors.Errorf("invalid feed: %w", err)
		}
	}
	return xerrors.New("feed has no CVE_Items")
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return xerrors.Errorf("invalid feed: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return xerrors.Errorf("invalid feed: expected %q, got %v", want, tok)
	}
	return nil
}

func (f Fetcher) feedURL(feed, ext string) string {
	return lo.Must(f.feedRoot.Parse(fmt.Sprintf("%s%s%s", feedPrefix, feed, ext))).String()
}

func (f Fetcher) archivePath(feed string) string {
	return filepath.Join(f.cacheDir, feedPrefix+feed+".json.gz")
}

func (f Fetcher) sidecarPath(feed string) string {
	return filepath.Join(f.cacheDir, feedPrefix+feed+".meta")
}
