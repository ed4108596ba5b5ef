package cachemgr_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offsync/internal/cachemgr"
)

func TestHandler_ServesFromCache(t *testing.T) {
	origin := newUpstream(t, map[string]string{"/app.html": "app"})
	m := newManager(t, newStorage(t), origin, "v1", []string{"/app.html"})
	require.NoError(t, m.Install(context.Background()))
	origin.Close()

	proxy := httptest.NewServer(m.Handler())
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/app.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "app", string(body))
	assert.Equal(t, "hit", resp.Header.Get("X-Offsync"))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "X-Offsync")
}

func TestHandler_ResolvesInsideOriginPath(t *testing.T) {
	origin := newUpstream(t, map[string]string{
		"/meal-tracker/meal-tracker.html": "meals",
		"/meal-tracker/":                  "index",
	})
	o, err := url.Parse(origin.URL + "/meal-tracker")
	require.NoError(t, err)
	m, err := cachemgr.New(cachemgr.Config{
		Generation: "v1",
		Origin:     o,
		Manifest:   []string{"./", "./meal-tracker.html"},
	}, newStorage(t), &http.Client{}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Install(context.Background()))
	origin.Close()

	proxy := httptest.NewServer(m.Handler())
	defer proxy.Close()

	for path, want := range map[string]string{"/meal-tracker.html": "meals", "/": "index"} {
		resp, err := http.Get(proxy.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "hit", resp.Header.Get("X-Offsync"), path)
		assert.Equal(t, want, string(body), path)
	}
}

func TestHandler_OfflineAndBadGateway(t *testing.T) {
	origin := newUpstream(t, map[string]string{"/app.html": "app"})
	cdn := newUpstream(t, map[string]string{})
	m := newManager(t, newStorage(t), origin, "v1", []string{"/app.html"}, cdn.URL+"/")
	require.NoError(t, m.Install(context.Background()))
	origin.Close()
	cdn.Close()

	proxy := httptest.NewServer(m.Handler())
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/missing.js")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "offline", resp.Header.Get("X-Offsync"))
	assert.Equal(t, "offline, please check your connection", string(body))

	// Forward proxy use: the request line carries the absolute URL.
	pu, err := url.Parse(proxy.URL)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(pu)}}
	resp, err = client.Get(cdn.URL + "/lib.js")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "bad-gateway", resp.Header.Get("X-Offsync"))
}

func TestHandler_ForwardsNonGET(t *testing.T) {
	type seen struct{ method, body string }
	got := make(chan seen, 1)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, string(b)}
		w.WriteHeader(http.StatusCreated)
	}))
	defer origin.Close()

	o, err := url.Parse(origin.URL)
	require.NoError(t, err)
	m, err := cachemgr.New(cachemgr.Config{Generation: "v1", Origin: o, Manifest: []string{"/"}}, newStorage(t), &http.Client{}, nil)
	require.NoError(t, err)

	proxy := httptest.NewServer(m.Handler())
	defer proxy.Close()

	resp, err := http.Post(proxy.URL+"/api", "application/json", strings.NewReader(`{"a":1}`))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get("X-Offsync"))
	req := <-got
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, `{"a":1}`, req.body)
}
