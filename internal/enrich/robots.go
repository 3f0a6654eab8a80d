package enrich

import (
	"context"
	"net/http"
	"net/url"

	"github.com/temoto/robotstxt"
)

// robotsGate answers per-URL fetch permission from each origin's robots.txt,
// cached for the run. A missing, malformed, or unreachable robots.txt allows
// everything; only an explicit disallow blocks a fetch.
type robotsGate struct {
	fetch    *fetcher
	byOrigin map[string]*robotstxt.RobotsData // nil value = allow all
}

func newRobotsGate(f *fetcher) *robotsGate {
	return &robotsGate{fetch: f, byOrigin: make(map[string]*robotstxt.RobotsData)}
}

// allowed reports whether pageURL may be fetched. The error is non-nil only
// when the context ended.
func (g *robotsGate) allowed(ctx context.Context, pageURL string) (bool, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return true, nil
	}
	origin := parsed.Scheme + "://" + parsed.Host
	data, seen := g.byOrigin[origin]
	if !seen {
		data, err = g.fetchRobots(ctx, origin)
		if err != nil {
			return false, err
		}
		g.byOrigin[origin] = data
	}
	if data == nil {
		return true, nil
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, g.fetch.userAgent), nil
}

func (g *robotsGate) fetchRobots(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	if err := g.fetch.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body, _, _, status, err := g.fetch.get(ctx, origin+"/robots.txt")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, nil
	}
	return data, nil
}
