package enrich

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/boogieLing/Tsugie/internal/metrics"
)

// DefaultUserAgent identifies fetches as an ordinary browser; several JP
// event sites serve bot UAs a stripped page.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"

// pageFetch is one successful page download, already decoded to UTF-8.
type pageFetch struct {
	FinalURL string
	HTML     string
}

// fetcher owns the run's HTTP client, rate limiter, and retry policy. Every
// page, image, and robots.txt request in a run goes through the same limiter.
type fetcher struct {
	client     *http.Client
	limiter    *rate.Limiter
	userAgent  string
	maxRetries int
	robots     *robotsGate // nil when robots.txt is not consulted
}

type fetcherOptions struct {
	Timeout       time.Duration
	QPS           float64
	MaxRetries    int
	UserAgent     string
	RespectRobots bool
	// Client overrides the default redirect-following client (tests).
	Client *http.Client
}

func newFetcher(opts fetcherOptions) *fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.QPS > 0 {
		limit = rate.Limit(opts.QPS)
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	f := &fetcher{
		client:     client,
		limiter:    rate.NewLimiter(limit, 1),
		userAgent:  userAgent,
		maxRetries: maxRetries,
	}
	if opts.RespectRobots {
		f.robots = newRobotsGate(f)
	}
	return f
}

// fetchPage gets pageURL with retries. Fetch failures come back as errText
// with a nil page; a non-nil error means the context ended and the run
// should stop.
func (f *fetcher) fetchPage(ctx context.Context, pageURL string) (*pageFetch, string, error) {
	lastError := ""
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, "", err
		}

		body, finalURL, contentType, status, err := f.get(ctx, pageURL)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			lastError = err.Error()
		case status == http.StatusOK:
			metrics.ContentFetches.WithLabelValues("ok").Inc()
			return &pageFetch{FinalURL: finalURL, HTML: decodeHTML(body, contentType)}, "", nil
		default:
			lastError = fmt.Sprintf("http_%d", status)
		}

		if attempt < f.maxRetries {
			if err := sleepContext(ctx, retryDelay(attempt)); err != nil {
				return nil, "", err
			}
		}
	}
	if strings.HasPrefix(lastError, "http_") {
		metrics.ContentFetches.WithLabelValues("http_error").Inc()
	} else {
		metrics.ContentFetches.WithLabelValues("transport_error").Inc()
	}
	return nil, lastError, nil
}

// fetchImage gets one image without retries; any failure is a silent skip
// reported as a nil body.
func (f *fetcher) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	body, _, contentType, status, err := f.get(ctx, imageURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", nil
	}
	if status != http.StatusOK {
		return nil, "", nil
	}
	return body, contentType, nil
}

func (f *fetcher) get(ctx context.Context, rawURL string) (body []byte, finalURL, contentType string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", "", 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", "", 0, err
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", 0, err
	}

	finalURL = rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return body, finalURL, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

// retryDelay backs off linearly, capped at 4s; page servers here are small
// municipal sites.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
