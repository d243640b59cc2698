package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/envoyproxy/dependency-check/checker"
	"github.com/envoyproxy/dependency-check/cve"
	"github.com/envoyproxy/dependency-check/dependency"
	"github.com/envoyproxy/dependency-check/forge"
	"github.com/envoyproxy/dependency-check/issues"
	"github.com/envoyproxy/dependency-check/nvd"
	"github.com/envoyproxy/dependency-check/utils"
)

const (
	defaultIssuesRepo = "envoyproxy/envoy"
	tokenEnv          = "FORGE_TOKEN"
)

var (
	manifest           = flag.String("manifest", "", "dependency manifest (yaml or json)")
	ignore             = flag.String("ignore", "", "CVE ignore list (yaml or json)")
	token              = flag.String("token", "", "name of an environment variable or path of a file holding the forge token (default $"+tokenEnv+")")
	cacheDir           = flag.String("cache-dir", utils.LookupEnv("CACHE_DIR", utils.CacheDir()), "cache directory for NVD feeds")
	concurrency        = flag.Int("concurrency", utils.DefaultConcurrency(), "maximum in-flight dependency lookups")
	continueOnError    = flag.Bool("continue-on-error", false, "keep going after per-dependency errors")
	logLevel           = flag.String("log-level", "info", "log level (debug, info, warning, error)")
	failOnReleaseDrift = flag.Bool("fail-on-release-drift", false, "report newer upstream releases as errors")
	issuesRepo         = flag.String("issues-repo", utils.LookupEnv("ISSUES_REPO", defaultIssuesRepo), "owner/name of the repository holding tracking issues")
	feedRoot           = flag.String("feed-root", nvd.DefaultFeedRoot, "base URL of the NVD JSON feeds")
	forgeURL           = flag.String("forge-url", forge.DefaultBaseURL, "base URL of the forge REST API")
	forgeRate          = flag.Float64("forge-rate", 10, "maximum forge requests per second with a token, 0 for no limit")
	forgeHosts         = flag.String("forge-hosts", dependency.DefaultForgeHost, "comma separated hosts whose URLs are release sources")
	dryRun             = flag.Bool("dry-run", false, "log tracking issue changes without making them")
	progress           = flag.Bool("progress", false, "show download progress")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <cves|releases|issues|all>\n", filepath.Base(os.Args[0]))
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if flag.NArg() != 1 {
		usage()
		return checker.ExitUsage
	}
	phases, err := checker.ParsePhases(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		return checker.ExitUsage
	}
	logger, err := utils.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return checker.ExitUsage
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, cleanup, err := newChecker(logger)
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return checker.ExitError
	}
	defer cleanup()

	report := c.Run(ctx, phases)
	if err = report.Write(os.Stdout); err != nil {
		logger.Error("unable to write the report", zap.Error(err))
		return checker.ExitError
	}
	return report.ExitCode()
}

func newChecker(logger *zap.Logger) (*checker.Checker, func(), error) {
	fs := afero.NewOsFs()
	if *manifest == "" {
		return nil, nil, xerrors.New("--manifest is required")
	}
	inputs, err := dependency.LoadManifest(fs, *manifest)
	if err != nil {
		return nil, nil, err
	}

	var ignoreList *cve.IgnoreList
	if *ignore != "" {
		if ignoreList, err = cve.LoadIgnoreList(fs, *ignore); err != nil {
			return nil, nil, err
		}
	}

	owner, name, ok := strings.Cut(*issuesRepo, "/")
	if !ok || owner == "" || name == "" {
		return nil, nil, xerrors.Errorf("invalid issues repository %q, expected owner/name", *issuesRepo)
	}

	tok, err := forgeToken(*token)
	if err != nil {
		return nil, nil, err
	}
	api, err := url.Parse(*forgeURL)
	if err != nil {
		return nil, nil, xerrors.Errorf("invalid forge url: %w", err)
	}
	feeds, err := url.Parse(*feedRoot)
	if err != nil {
		return nil, nil, xerrors.Errorf("invalid feed root: %w", err)
	}

	pool := utils.NewPool(*concurrency)
	httpClient := utils.NewHTTPClient(nil)

	client := forge.NewClient(
		forge.WithBaseURL(api),
		forge.WithToken(tok),
		forge.WithHTTPClient(httpClient),
		forge.WithRateLimit(forgeLimit(*forgeRate, tok)),
		forge.WithLogger(logger.Named("forge")),
	)
	if tok == "" {
		logger.Warn("no forge token, using anonymous rate limits", zap.Float64("requests_per_hour", float64(forge.AnonymousRateLimit)*3600))
	}

	fetchOpts := []nvd.Option{
		nvd.WithFeedRoot(feeds),
		nvd.WithCacheDir(filepath.Join(*cacheDir, "nvd")),
		nvd.WithHTTPClient(httpClient),
		nvd.WithPool(pool),
		nvd.WithLogger(logger.Named("nvd")),
	}
	if *progress {
		fetchOpts = append(fetchOpts, nvd.WithProgress(os.Stderr))
	}

	c := checker.New(inputs,
		checker.WithIndex(checker.NVDIndex(nvd.NewFetcher(fetchOpts...),
			cve.WithIgnoreList(ignoreList), cve.WithLogger(logger.Named("cve")))),
		checker.WithResolver(dependency.NewResolver(client,
			dependency.WithForgeHosts(strings.Split(*forgeHosts, ",")...),
			dependency.WithConcurrency(*concurrency),
			dependency.WithLogger(logger.Named("dependency")))),
		checker.WithReconciler(issues.NewReconciler(client.Repo(owner, name).Issues(),
			issues.WithConcurrency(*concurrency),
			issues.WithContinueOnError(*continueOnError),
			issues.WithDryRun(*dryRun),
			issues.WithLogger(logger.Named("issues")))),
		checker.WithPool(pool),
		checker.WithLogger(logger),
		checker.WithContinueOnError(*continueOnError),
		checker.WithFailOnReleaseDrift(*failOnReleaseDrift),
	)
	return c, pool.Close, nil
}

// forgeLimit is the client-side forge request rate. Without a token the
// anonymous allowance applies whatever the flag says.
func forgeLimit(perSecond float64, tok string) (rate.Limit, int) {
	switch {
	case tok == "":
		return forge.AnonymousRateLimit, forge.AnonymousBurst
	case perSecond <= 0:
		return rate.Inf, 0
	}
	return rate.Limit(perSecond), max(1, int(perSecond))
}

// forgeToken resolves --token: the name of an environment variable, else a
// file path. Without the flag the token comes from FORGE_TOKEN.
func forgeToken(ref string) (string, error) {
	if ref == "" {
		return os.Getenv(tokenEnv), nil
	}
	if v, ok := os.LookupEnv(ref); ok {
		return strings.TrimSpace(v), nil
	}
	b, err := os.ReadFile(ref)
	if err != nil {
		return "", xerrors.Errorf("--token %q is neither an environment variable nor a readable file: %w", ref, err)
	}
	return utils.TrimSpaceNewline(string(b)), nil
}
