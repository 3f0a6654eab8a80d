package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRobotsGate_DisallowsAndCaches(t *testing.T) {
	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		robotsHits.Add(1)
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	}))
	defer srv.Close()

	f := newFetcher(fetcherOptions{Timeout: 5 * time.Second, RespectRobots: true, Client: srv.Client()})
	require.NotNil(t, f.robots)

	ok, err := f.robots.allowed(context.Background(), srv.URL+"/private/event.html")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.robots.allowed(context.Background(), srv.URL+"/events/summer.html")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.robots.allowed(context.Background(), srv.URL+"/private/other.html")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), robotsHits.Load(), "one robots.txt fetch per origin")
}

func TestRobotsGate_MissingRobotsAllowsAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newFetcher(fetcherOptions{Timeout: 5 * time.Second, RespectRobots: true, Client: srv.Client()})
	ok, err := f.robots.allowed(context.Background(), srv.URL+"/anything")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRobotsGate_UnreachableHostAllows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	f := newFetcher(fetcherOptions{Timeout: time.Second, RespectRobots: true})
	ok, err := f.robots.allowed(context.Background(), deadURL+"/page")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRobotsGate_BadURLAllows(t *testing.T) {
	f := newFetcher(fetcherOptions{Timeout: time.Second, RespectRobots: true})
	ok, err := f.robots.allowed(context.Background(), "not a url")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewFetcher_RobotsOffByDefault(t *testing.T) {
	f := newFetcher(fetcherOptions{Timeout: time.Second})
	assert.Nil(t, f.robots)
}

func TestRun_RespectRobotsSkipsDisallowedPages(t *testing.T) {
	var pageHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			w.Write([]byte("User-agent: *\nDisallow: /events/\n"))
		default:
			pageHits.Add(1)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<html><body><article><p>非公開イベントの詳細ページです。</p></article></body></html>"))
		}
	}))
	defer srv.Close()

	project, dataDir := testContentProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{{
		"canonical_id":     "E000001",
		"event_name":       "ロボッツ花火大会",
		"event_date_start": "2026-09-20",
		"source_urls":      srv.URL + "/events/blocked.html",
	}})

	r := NewRunner(project, dataDir, WithClock(testClock()), WithHTTPClient(srv.Client()))
	params := baseParams()
	params.RespectRobots = true
	summary, err := r.Run(context.Background(), params)
	require.NoError(t, err)

	recs := readContentJSONL(t, summary.Output.JSONL)
	rec := recs["E000001"]
	require.NotNil(t, rec)
	assert.Equal(t, "empty", rec.Status)
	assert.Equal(t, "robots_disallowed", rec.Error)
	assert.Equal(t, int32(0), pageHits.Load(), "disallowed page is never fetched")
}
