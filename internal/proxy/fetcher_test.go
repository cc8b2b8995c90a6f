package proxy_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/NamanBalaji/mediagate/internal/errors"
	"github.com/NamanBalaji/mediagate/internal/proxy"
)

func TestProxyForwardsAndCopiesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/track.mp3", r.URL.Path)
		assert.Equal(t, "x=1", r.URL.RawQuery)
		assert.Equal(t, "bytes=0-3", r.Header.Get("Range"))
		assert.Equal(t, proxy.DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "http://"+r.Host+"/track.mp3?x=1", r.Header.Get("Referer"))
		assert.Empty(t, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "abcd")
	}))
	defer server.Close()

	in := httptest.NewRequest(http.MethodGet, "/proxy/whatever", nil)
	in.Header.Set("Range", "bytes=0-3")
	in.Header.Set("Authorization", "Bearer secret")

	f := proxy.NewFetcher(nil)
	res, err := f.Proxy(context.Background(), server.URL+"/track.mp3?x=1", in)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusPartialContent, res.StatusCode)
	assert.Equal(t, "audio/mpeg", res.Header.Get("Content-Type"))
	assert.Equal(t, "bytes 0-3/10", res.Header.Get("Content-Range"))
	assert.Equal(t, "yes", res.Header.Get("X-Origin"))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(body))
}

func TestProxyKeepsCallerHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "custom-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "https://music.example.com/", r.Header.Get("Referer"))
		assert.Equal(t, "sid=1", r.Header.Get("Cookie"))
	}))
	defer server.Close()

	in := httptest.NewRequest(http.MethodGet, "/proxy/x", nil)
	in.Header.Set("User-Agent", "custom-agent")
	in.Header.Set("Referer", "https://music.example.com/")
	in.Header.Set("Cookie", "sid=1")

	res, err := proxy.NewFetcher(nil).Proxy(context.Background(), server.URL, in)
	require.NoError(t, err)
	res.Body.Close()
}

func TestProxyForwardsRequestBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "q=song", string(b))
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	in := httptest.NewRequest(http.MethodPost, "/proxy/x", strings.NewReader("q=song"))
	in.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := proxy.NewFetcher(nil).Proxy(context.Background(), server.URL+"/search", in)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestProxyPassesOriginErrorsThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	res, err := proxy.NewFetcher(nil).Proxy(context.Background(), server.URL, nil)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Empty(t, res.Header.Get("Connection"))
}

func TestProxyRejectsOwnScheme(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	cfg := proxy.DefaultConfig()
	cfg.Scheme = "tunes"
	f := proxy.NewFetcher(cfg)

	_, err := f.Proxy(context.Background(), "tunes://proxy/"+url.PathEscape(server.URL), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, proxy.ErrProxyLoop)
	assert.Equal(t, http.StatusForbidden, gwerrors.StatusOf(err))

	_, err = f.Proxy(context.Background(), "TUNES:/file/x", nil)
	assert.ErrorIs(t, err, proxy.ErrProxyLoop)

	assert.Zero(t, hits.Load())
}

func TestProxyRejectsSelfHost(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	u, _ := url.Parse(server.URL)
	cfg := proxy.DefaultConfig()
	cfg.SelfHosts = []string{u.Host}

	_, err := proxy.NewFetcher(cfg).Proxy(context.Background(), server.URL+"/proxy/x", nil)
	assert.ErrorIs(t, err, proxy.ErrProxyLoop)
	assert.Zero(t, hits.Load())
}

func TestProxyRejectsRedirectIntoGateway(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be reached")
	}))
	defer gateway.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, gateway.URL+"/proxy/loop", http.StatusFound)
	}))
	defer origin.Close()

	u, _ := url.Parse(gateway.URL)
	cfg := proxy.DefaultConfig()
	cfg.SelfHosts = []string{u.Host}

	_, err := proxy.NewFetcher(cfg).Proxy(context.Background(), origin.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, proxy.ErrProxyLoop)
	assert.Equal(t, http.StatusForbidden, gwerrors.StatusOf(err))
}

func TestProxyRejectsUnsupportedTargets(t *testing.T) {
	f := proxy.NewFetcher(nil)

	for _, target := range []string{"ftp://example.com/a", "file:///etc/passwd", "http://", "%zz"} {
		_, err := f.Proxy(context.Background(), target, nil)
		require.Error(t, err, target)
		assert.Equal(t, http.StatusForbidden, gwerrors.StatusOf(err), target)
	}
}

func TestProxyConnectionErrorIsUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close()

	_, err := proxy.NewFetcher(nil).Proxy(context.Background(), target, nil)
	require.Error(t, err)
	assert.Equal(t, gwerrors.KindUpstream, gwerrors.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, gwerrors.StatusOf(err))
}

func TestProxyStreamsLargeBodies(t *testing.T) {
	const size = 8 << 20
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := make([]byte, 64<<10)
		for written := 0; written < size; written += len(chunk) {
			if _, err := w.Write(chunk); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	res, err := proxy.NewFetcher(nil).Proxy(context.Background(), server.URL, nil)
	require.NoError(t, err)
	defer res.Body.Close()

	n, err := io.Copy(io.Discard, res.Body)
	require.NoError(t, err)
	assert.Equal(t, int64(size), n)
}
