package static

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

const championsHTML = `<html><head><title>Champions</title>
<meta name="description" content="Champion builds"></head>
<body><h1>Champions</h1><img src="/a.png"><a href="/ahri">Ahri</a> <a href="https://other.com/">x</a></body></html>`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/champions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, championsHTML)
	})
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/champions", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "<html><body>not found</body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func auditorConfig() audit.Config {
	return audit.Config{
		NavigationTimeout: 5 * time.Second,
		StatusTimeout:     500 * time.Millisecond,
		ExtractTimeout:    time.Second,
	}
}

func TestStaticPageAudit(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	engine := New(Config{UserAgent: "pageaudit-test"}, nil)
	page, err := engine.NewPage(context.Background())
	require.NoError(t, err)
	defer page.Close()

	target := srv.URL + "/champions"
	res := audit.NewAuditor(auditorConfig()).Audit(context.Background(), page, target)

	require.False(t, res.Failed(), res.Error)
	require.Equal(t, target, res.FinalURL)
	require.Equal(t, 200, *res.StatusCode)
	require.Equal(t, "Champions", res.Title)
	require.True(t, res.HasMetaDescription)
	require.Equal(t, 1, res.H1Count)
	require.Equal(t, 1, res.ImagesMissingAlt)
	require.Equal(t, 2, res.LinksTotal)
	require.Equal(t, 1, res.InternalLinks)
	require.Equal(t, 1, res.NumRequests)
	require.Equal(t, int64(len(championsHTML)), res.TotalBytes)
	require.Nil(t, res.TotalLoadMs)
	require.Nil(t, res.TTFBMs)
}

func TestStaticPageFollowsRedirects(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	page, err := New(Config{}, nil).NewPage(context.Background())
	require.NoError(t, err)

	res := audit.NewAuditor(auditorConfig()).Audit(context.Background(), page, srv.URL+"/old")
	require.False(t, res.Failed())
	require.Equal(t, srv.URL+"/champions", res.FinalURL)
	require.Equal(t, 200, *res.StatusCode)
}

func TestStaticPageKeepsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	page, err := New(Config{}, nil).NewPage(context.Background())
	require.NoError(t, err)

	res := audit.NewAuditor(auditorConfig()).Audit(context.Background(), page, srv.URL+"/missing")
	require.False(t, res.Failed())
	require.Equal(t, 404, *res.StatusCode)
	require.Equal(t, 2, res.WordCount)
}

func TestStaticPageUnreachableHost(t *testing.T) {
	t.Parallel()

	srv := newServer(t)
	addr := srv.URL
	srv.Close()

	page, err := New(Config{Timeout: time.Second}, nil).NewPage(context.Background())
	require.NoError(t, err)

	res := audit.NewAuditor(auditorConfig()).Audit(context.Background(), page, addr+"/champions")
	require.True(t, res.Failed())
}

func TestStaticPageBeforeNavigation(t *testing.T) {
	t.Parallel()

	page, err := New(Config{}, nil).NewPage(context.Background())
	require.NoError(t, err)

	_, err = page.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrNoResponse)
	_, err = page.WaitForResponse(context.Background(), func(string) bool { return true })
	require.ErrorIs(t, err, ErrNoResponse)
	marks, err := page.Timing(context.Background())
	require.NoError(t, err)
	require.Nil(t, marks)
}

func TestStaticPageIgnoresResponsesFromAbandonedNavigation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "<html><head><title>Slow</title></head></html>")
	})
	mux.HandleFunc("/champions", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, championsHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	page, err := New(Config{Timeout: 5 * time.Second}, nil).NewPage(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	unsubscribe := page.Subscribe(func(evt audit.RequestCompleted) {
		mu.Lock()
		seen = append(seen, evt.URL)
		mu.Unlock()
	})
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, page.Navigate(ctx, srv.URL+"/slow"))

	require.NoError(t, page.Navigate(context.Background(), srv.URL+"/champions"))
	close(release)

	require.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, u := range seen {
			if strings.HasSuffix(u, "/slow") {
				return true
			}
		}
		return false
	}, 300*time.Millisecond, 10*time.Millisecond)

	loc, err := page.Location(context.Background())
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/champions", loc)

	// A response tagged with an older navigation is dropped outright.
	sp := page.(*Page)
	sp.onResponse(0, &colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<html></html>"),
		Request:    &colly.Request{URL: mustParse(t, srv.URL+"/slow")},
		Headers:    &http.Header{},
	})
	loc, err = page.Location(context.Background())
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/champions", loc)
	mu.Lock()
	require.Equal(t, []string{srv.URL + "/champions"}, seen)
	mu.Unlock()
}

func TestStaticSnapshotKeepsTitleVerbatim(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><head><title>  Champions \n</title></head><body></body></html>")
	}))
	t.Cleanup(srv.Close)

	page, err := New(Config{}, nil).NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, page.Navigate(context.Background(), srv.URL+"/"))

	snap, err := page.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, "  Champions \n", snap.Title)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
