// Package geocoding resolves free-text venue queries to coordinates through
// Nominatim, with a persistent CSV cache in front so pipeline reruns replay
// prior answers instead of re-querying.
package geocoding

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/boogieLing/Tsugie/internal/geocoding/nominatim"
	"github.com/boogieLing/Tsugie/internal/metrics"
)

// Geocode outcome statuses.
const (
	StatusOK       = "ok"
	StatusCachedOK = "cached_ok"
	StatusNoResult = "no_result"
	StatusError    = "error"
)

// Response is the outcome of one geocode call.
type Response struct {
	Query    string
	Status   string
	Lat      float64
	Lng      float64
	HasCoord bool
	Title    string
	Err      string
	CacheHit bool
}

// Resolved reports whether the response carries a usable coordinate.
func (r Response) Resolved() bool {
	return (r.Status == StatusOK || r.Status == StatusCachedOK) && r.HasCoord
}

// LatString renders the latitude, empty when the response has none.
func (r Response) LatString() string {
	if !r.HasCoord {
		return ""
	}
	return strconv.FormatFloat(r.Lat, 'f', -1, 64)
}

// LngString renders the longitude, empty when the response has none.
func (r Response) LngString() string {
	if !r.HasCoord {
		return ""
	}
	return strconv.FormatFloat(r.Lng, 'f', -1, 64)
}

// Service answers geocode queries from the cache first, falling back to the
// Nominatim client. The client's own limiter paces network calls, so cache
// hits never wait.
type Service struct {
	client    *nominatim.Client
	cachePath string
	cache     map[string]cacheEntry
	dirty     bool
	logger    zerolog.Logger
	clock     clockwork.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock sets the clock used for cache timestamps.
func WithClock(clk clockwork.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

// NewService loads the CSV cache at cachePath (missing file = empty cache)
// and wraps the given client.
func NewService(cachePath string, client *nominatim.Client, opts ...Option) (*Service, error) {
	cache, err := loadCache(cachePath)
	if err != nil {
		return nil, err
	}
	s := &Service{
		client:    client,
		cachePath: cachePath,
		cache:     cache,
		logger:    zerolog.Nop(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CacheSize returns the number of remembered queries.
func (s *Service) CacheSize() int { return len(s.cache) }

// Geocode resolves a query. Cached outcomes replay without touching the
// network: a prior ok comes back as cached_ok, prior no_result/error come
// back unchanged with CacheHit set.
func (s *Service) Geocode(ctx context.Context, query string) Response {
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{Query: query, Status: StatusNoResult, Err: "empty query"}
	}

	if e, ok := s.cache[query]; ok {
		resp := s.replay(query, e)
		metrics.GeocodeLookups.WithLabelValues(resp.Status).Inc()
		s.logger.Debug().Str("query", query).Str("status", resp.Status).Msg("geocode cache hit")
		return resp
	}

	resp := s.lookup(ctx, query)
	metrics.GeocodeLookups.WithLabelValues(resp.Status).Inc()

	s.cache[query] = cacheEntry{
		Query:     query,
		Lat:       resp.LatString(),
		Lng:       resp.LngString(),
		Status:    resp.Status,
		Title:     resp.Title,
		Err:       resp.Err,
		UpdatedAt: s.clock.Now().UTC().Format(time.RFC3339),
	}
	s.dirty = true
	return resp
}

func (s *Service) replay(query string, e cacheEntry) Response {
	resp := Response{
		Query:    query,
		Status:   e.Status,
		Title:    e.Title,
		Err:      e.Err,
		CacheHit: true,
	}
	if e.Status == StatusOK || e.Status == StatusCachedOK {
		resp.Status = StatusCachedOK
	}
	if lat, err := strconv.ParseFloat(e.Lat, 64); err == nil {
		if lng, err := strconv.ParseFloat(e.Lng, 64); err == nil {
			resp.Lat, resp.Lng, resp.HasCoord = lat, lng, true
		}
	}
	return resp
}

func (s *Service) lookup(ctx context.Context, query string) Response {
	results, err := s.client.Search(ctx, query, nominatim.SearchOptions{
		CountryCodes:   "jp",
		AcceptLanguage: "ja",
		Limit:          1,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("query", query).Msg("geocode lookup failed")
		return Response{Query: query, Status: StatusError, Err: err.Error()}
	}
	if len(results) == 0 {
		s.logger.Debug().Str("query", query).Msg("geocode lookup returned nothing")
		return Response{Query: query, Status: StatusNoResult}
	}

	best := results[0]
	lat, latErr := strconv.ParseFloat(best.Lat, 64)
	lng, lngErr := strconv.ParseFloat(best.Lon, 64)
	if latErr != nil || lngErr != nil {
		s.logger.Warn().Str("query", query).Str("lat", best.Lat).Str("lon", best.Lon).
			Msg("geocode result has unparsable coordinates")
		return Response{Query: query, Status: StatusError, Err: "unparsable coordinates in result"}
	}

	s.logger.Debug().
		Str("query", query).
		Float64("lat", lat).
		Float64("lng", lng).
		Str("title", best.DisplayName).
		Msg("geocode resolved")

	return Response{
		Query:    query,
		Status:   StatusOK,
		Lat:      lat,
		Lng:      lng,
		HasCoord: true,
		Title:    best.DisplayName,
	}
}

// SaveCache persists the cache when it changed since load.
func (s *Service) SaveCache() error {
	if !s.dirty {
		return nil
	}
	if err := saveCache(s.cachePath, s.cache); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
