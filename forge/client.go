package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/types"
	"github.com/envoyproxy/dependency-check/utils"
)

const (
	DefaultBaseURL = "https://api.github.com/"

	// SecondaryRateLimitWait applies when the forge throttles without saying
	// when to come back.
	SecondaryRateLimitWait = 60 * time.Second

	// AnonymousRateLimit spreads the 60 requests an hour the forge grants
	// unauthenticated clients.
	AnonymousRateLimit = rate.Limit(60.0 / 3600)
	AnonymousBurst     = 10

	userAgent  = "dependency-check"
	apiVersion = "2022-11-28"
)

type options struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	clock      utils.Clock
	retry      utils.RetryPolicy
	sleep      func(context.Context, time.Duration) error
}

// Option configures a Client.
type Option func(*options)

func WithBaseURL(u *url.URL) Option {
	return func(opts *options) {
		b := *u
		if !strings.HasSuffix(b.Path, "/") {
			b.Path += "/"
		}
		opts.baseURL = &b
	}
}

// WithToken authenticates every request with a bearer token. Without one the
// forge applies its anonymous rate limits.
func WithToken(token string) Option {
	return func(opts *options) {
		opts.token = token
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(opts *options) {
		opts.httpClient = c
	}
}

// WithRateLimit throttles requests on the client side.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(opts *options) {
		opts.limiter = rate.NewLimiter(r, burst)
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

// WithSleep replaces the function used to wait out rate limits.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(opts *options) {
		opts.sleep = sleep
	}
}

// Client is a GitHub REST v3 client.
type Client struct {
	*options
}

func NewClient(opts ...Option) *Client {
	o := &options{
		baseURL: lo.Must(url.Parse(DefaultBaseURL)),
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  zap.NewNop(),
		clock:   utils.RealClock{},
		retry:   utils.DefaultRetryPolicy,
		sleep:   sleep,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.httpClient == nil {
		o.httpClient = utils.NewHTTPClient(nil)
	}
	if o.token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.token})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpClient)
		timeout := o.httpClient.Timeout
		o.httpClient = oauth2.NewClient(ctx, src)
		o.httpClient.Timeout = timeout
	}
	return &Client{options: o}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Repo returns a handle on owner/name. No request is made.
func (c *Client) Repo(owner, name string) *Repo {
	return &Repo{client: c, Owner: owner, Name: name}
}

// rateLimitError is returned by a single attempt that hit a rate limit.
type rateLimitError struct {
	apiErr *Error
	wait   time.Duration
}

func (e *rateLimitError) Error() string {
	return e.apiErr.Error()
}

// get issues a GET and decodes the response into out.
func (c *Client) get(ctx context.Context, u string, out interface{}) (http.Header, error) {
	return c.do(ctx, http.MethodGet, u, nil, out)
}

// do runs a request. Server errors and transport failures are retried with
// backoff, except for POST where the first attempt may have taken effect. A
// rate limit is waited out and the request retried once. Any other error
// status fails immediately.
func (c *Client) do(ctx context.Context, method, u string, in, out interface{}) (http.Header, error) {
	hdr, err := c.attempt(ctx, method, u, in, out)

	var rl *rateLimitError
	if errors.As(err, &rl) {
		c.logger.Warn("forge rate limit hit, waiting",
			zap.String("url", u), zap.Duration("wait", rl.wait))
		if err = c.sleep(ctx, rl.wait); err != nil {
			return nil, err
		}
		hdr, err = c.attempt(ctx, method, u, in, out)
		if errors.As(err, &rl) {
			err = rl.apiErr
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.KindForgeClient, "", xerrors.Errorf("%s %s: %w", method, u, err))
	}
	return hdr, nil
}

func (c *Client) attempt(ctx context.Context, method, u string, in, out interface{}) (http.Header, error) {
	var hdr http.Header
	// issue and comment creation must not run twice
	retryable := method != http.MethodPost
	err := c.retry.Retry(ctx, c.logger, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return utils.Permanent(err)
		}

		resp, err := c.send(ctx, method, u, in)
		if err != nil {
			if ctx.Err() != nil {
				return utils.Permanent(ctx.Err())
			}
			if !retryable {
				return utils.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			hdr = resp.Header
			if out == nil || resp.StatusCode == http.StatusNoContent {
				return nil
			}
			if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
				return utils.Permanent(xerrors.Errorf("failed to decode response: %w", err))
			}
			return nil
		}

		apiErr := newError(resp)
		if wait, ok := c.rateLimitWait(resp, apiErr); ok {
			return utils.Permanent(&rateLimitError{apiErr: apiErr, wait: wait})
		}
		if resp.StatusCode >= 500 && retryable {
			return apiErr
		}
		return utils.Permanent(apiErr)
	})
	return hdr, err
}

func (c *Client) send(ctx context.Context, method, u string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, utils.Permanent(xerrors.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, utils.Permanent(xerrors.Errorf("unable to build request for %q: %w", u, err))
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("forge request", zap.String("method", method), zap.String("url", u))
	return c.httpClient.Do(req)
}

// rateLimitWait tells whether resp is a rate limit response and how long to
// wait before retrying.
func (c *Client) rateLimitWait(resp *http.Response, apiErr *Error) (time.Duration, bool) {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}

	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
			return max(time.Unix(reset, 0).Sub(c.clock.Now()), 0), true
		}
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(apiErr.Message), "rate limit") {
		return SecondaryRateLimitWait, true
	}
	return 0, false
}

// url resolves a path relative to the API root. Segments are escaped.
func (c *Client) url(query url.Values, segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := lo.Must(c.baseURL.Parse(strings.Join(escaped, "/")))
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
