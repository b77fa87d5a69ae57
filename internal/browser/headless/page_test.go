package headless

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

type collector struct {
	mu     sync.Mutex
	events []audit.RequestCompleted
}

func (c *collector) add(evt audit.RequestCompleted) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func testPage() *Page {
	return newPage(context.Background(), func() {}, nil)
}

func TestHandleEventEmitsCompletionOnLoadingFinished(t *testing.T) {
	t.Parallel()

	page := testPage()
	c := &collector{}
	unsubscribe := page.Subscribe(c.add)
	defer unsubscribe()

	page.handleEvent(&network.EventRequestWillBeSent{
		RequestID: "1",
		Request:   &network.Request{URL: "https://x.com/"},
		Type:      network.ResourceTypeDocument,
	})
	page.handleEvent(&network.EventResponseReceived{
		RequestID: "1",
		Type:      network.ResourceTypeDocument,
		Response: &network.Response{
			URL:     "https://x.com/",
			Status:  200,
			Headers: network.Headers{"Content-Length": "512", "Content-Type": "text/html"},
		},
	})
	require.Empty(t, c.events)

	page.handleEvent(&network.EventLoadingFinished{RequestID: "1"})
	require.Len(t, c.events, 1)
	got := c.events[0]
	require.Equal(t, "1", got.RequestID)
	require.Equal(t, "https://x.com/", got.URL)
	require.Equal(t, "document", got.ResourceType)
	require.Equal(t, 200, got.StatusCode)
	require.Equal(t, "512", got.Headers.Get("Content-Length"))
	require.True(t, got.HasResponse)
	require.True(t, got.BodyAvailable)
}

func TestHandleEventEmitsRedirectHop(t *testing.T) {
	t.Parallel()

	page := testPage()
	c := &collector{}
	page.Subscribe(c.add)

	page.handleEvent(&network.EventRequestWillBeSent{
		RequestID: "1",
		Request:   &network.Request{URL: "http://x.com/"},
		Type:      network.ResourceTypeDocument,
	})
	page.handleEvent(&network.EventRequestWillBeSent{
		RequestID:        "1",
		Request:          &network.Request{URL: "https://x.com/"},
		Type:             network.ResourceTypeDocument,
		RedirectResponse: &network.Response{URL: "http://x.com/", Status: 301},
	})

	require.Len(t, c.events, 1)
	require.Equal(t, "http://x.com/", c.events[0].URL)
	require.Equal(t, 301, c.events[0].StatusCode)
	require.False(t, c.events[0].BodyAvailable)
}

func TestHandleEventDropsFailedRequests(t *testing.T) {
	t.Parallel()

	page := testPage()
	c := &collector{}
	page.Subscribe(c.add)

	page.handleEvent(&network.EventRequestWillBeSent{
		RequestID: "9",
		Request:   &network.Request{URL: "https://ads.example/pixel"},
		Type:      network.ResourceTypeImage,
	})
	page.handleEvent(&network.EventLoadingFailed{RequestID: "9", ErrorText: "net::ERR_BLOCKED_BY_CLIENT"})
	page.handleEvent(&network.EventLoadingFinished{RequestID: "9"})

	require.Empty(t, c.events)
}

func TestNavigateForgetsEarlierInflightRequests(t *testing.T) {
	t.Parallel()

	page := testPage()
	c := &collector{}
	unsubscribe := page.Subscribe(c.add)
	defer unsubscribe()

	page.handleEvent(&network.EventRequestWillBeSent{
		RequestID: "old",
		Request:   &network.Request{URL: "https://x.com/poll"},
		Type:      network.ResourceTypeXHR,
	})
	page.handleEvent(&network.EventResponseReceived{
		RequestID: "old",
		Type:      network.ResourceTypeXHR,
		Response:  &network.Response{URL: "https://x.com/poll", Status: 200},
	})

	// No browser is attached, so the load itself fails after the reset.
	require.Error(t, page.Navigate(context.Background(), "https://y.com/"))

	page.mu.Lock()
	require.Empty(t, page.inflight)
	require.Empty(t, page.responses)
	page.mu.Unlock()

	page.handleEvent(&network.EventLoadingFinished{RequestID: "old"})
	require.Empty(t, c.events)

	page.handleEvent(&network.EventRequestWillBeSent{
		RequestID: "new",
		Request:   &network.Request{URL: "https://y.com/"},
		Type:      network.ResourceTypeDocument,
	})
	page.handleEvent(&network.EventLoadingFinished{RequestID: "new"})
	require.Len(t, c.events, 1)
	require.Equal(t, "https://y.com/", c.events[0].URL)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	page := testPage()
	c := &collector{}
	unsubscribe := page.Subscribe(c.add)
	unsubscribe()

	page.handleEvent(&network.EventRequestWillBeSent{RequestID: "1", Request: &network.Request{URL: "https://x.com/"}})
	page.handleEvent(&network.EventLoadingFinished{RequestID: "1"})
	require.Empty(t, c.events)
}

func TestWaitForResponseSeesPastAndFutureResponses(t *testing.T) {
	t.Parallel()

	page := testPage()
	page.handleEvent(&network.EventResponseReceived{
		RequestID: "1",
		Response:  &network.Response{URL: "https://x.com/", Status: 200},
	})

	status, err := page.WaitForResponse(context.Background(), func(u string) bool { return u == "https://x.com/" })
	require.NoError(t, err)
	require.Equal(t, 200, status)

	done := make(chan int, 1)
	go func() {
		s, _ := page.WaitForResponse(context.Background(), func(u string) bool { return u == "https://x.com/late" })
		done <- s
	}()
	require.Eventually(t, func() bool {
		page.mu.Lock()
		defer page.mu.Unlock()
		return len(page.waiters) == 1
	}, time.Second, 5*time.Millisecond)
	page.handleEvent(&network.EventResponseReceived{
		RequestID: "2",
		Response:  &network.Response{URL: "https://x.com/late", Status: 404},
	})
	require.Equal(t, 404, <-done)
}

func TestWaitForResponseHonoursContext(t *testing.T) {
	t.Parallel()

	page := testPage()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := page.WaitForResponse(ctx, func(string) bool { return true })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, page.waiters)
}

func TestToHTTPHeader(t *testing.T) {
	t.Parallel()

	h := toHTTPHeader(network.Headers{
		"Content-Length": "12",
		"Set-Cookie":     []interface{}{"a=1", "b=2"},
		"X-Num":          float64(3),
	})
	require.Equal(t, "12", h.Get("Content-Length"))
	require.Equal(t, []string{"a=1", "b=2"}, h.Values("Set-Cookie"))
	require.Equal(t, "3", h.Get("X-Num"))
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	require.Eventually(t, func() bool { return child.Err() != nil }, time.Second, 5*time.Millisecond)
}
