package ota

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"golang.org/x/time/rate"

	"github.com/wordclock-io/clockd/pkg/wire"
)

// FetcherConfig holds configuration for the manifest fetcher.
type FetcherConfig struct {
	// URLs are manifest endpoints tried in order until one responds.
	URLs []string
	// Timeout bounds each HTTP request (default: 120s).
	Timeout time.Duration
	// RateLimitPerMinute caps manifest requests (default: 6).
	RateLimitPerMinute int
}

// Fetcher retrieves version manifests and firmware streams over HTTPS.
type Fetcher struct {
	urls        []string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewFetcher creates a manifest fetcher.
func NewFetcher(cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	rateLimit := cfg.RateLimitPerMinute
	if rateLimit == 0 {
		rateLimit = 6
	}

	return &Fetcher{
		urls: cfg.URLs,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(rateLimit)/60.0), 1),
		logger:      logger.With("component", "ota_fetcher"),
	}
}

// Fetch retrieves and validates the version manifest, trying each configured
// URL in order. It also returns the URL that answered, which anchors the
// firmware download location.
func (f *Fetcher) Fetch(ctx context.Context) (*wire.Manifest, string, error) {
	if len(f.urls) == 0 {
		return nil, "", fmt.Errorf("no manifest URLs configured")
	}
	if err := f.rateLimiter.Wait(ctx); err != nil {
		return nil, "", fmt.Errorf("rate limit wait: %w", err)
	}

	var lastErr error
	for _, u := range f.urls {
		manifest, err := f.fetchOne(ctx, u)
		if err != nil {
			f.logger.Warn("manifest fetch failed", "url", u, "error", err)
			lastErr = err
			continue
		}
		return manifest, u, nil
	}
	return nil, "", fmt.Errorf("all manifest URLs failed: %w", lastErr)
}

func (f *Fetcher) fetchOne(ctx context.Context, manifestURL string) (*wire.Manifest, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest fetch: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest wire.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	f.logger.Info("manifest fetched",
		"version", manifest.Version,
		"size", manifest.SizeBytes,
		"build_date", manifest.BuildDate)
	return &manifest, nil
}

// OpenFirmware starts the firmware download and returns the body stream. The
// caller owns closing it.
func (f *Fetcher) OpenFirmware(ctx context.Context, firmwareURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", firmwareURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("firmware download: HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// FirmwareURL derives the firmware image location from the manifest URL: the
// manifest's file name is replaced with firmware-<version>.bin in the same
// directory.
func FirmwareURL(manifestURL, version string) (string, error) {
	u, err := url.Parse(manifestURL)
	if err != nil {
		return "", fmt.Errorf("parse manifest URL: %w", err)
	}
	u.Path = path.Join(path.Dir(u.Path), fmt.Sprintf("firmware-%s.bin", version))
	return u.String(), nil
}

// IsNewerVersion reports whether candidate is newer than current. Versions
// tolerate a leading "v" and dev-build suffixes. When either side does not
// parse as semver, any difference counts as newer so dev builds can still
// update each other.
func IsNewerVersion(candidate, current string) bool {
	cand, errC := semver.ParseTolerant(candidate)
	curr, errR := semver.ParseTolerant(current)
	if errC != nil || errR != nil {
		return normalizeVersion(candidate) != normalizeVersion(current)
	}
	return cand.GT(curr)
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}
