package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/NamanBalaji/mediagate/internal/api"
	"github.com/NamanBalaji/mediagate/internal/assets"
	"github.com/NamanBalaji/mediagate/internal/common"
	"github.com/NamanBalaji/mediagate/internal/events"
	"github.com/NamanBalaji/mediagate/internal/gateway"
	"github.com/NamanBalaji/mediagate/internal/proxy"
	"github.com/NamanBalaji/mediagate/internal/stream"
)

const songSize = 1000000

func writeSong(t *testing.T) (string, []byte) {
	t.Helper()
	data := make([]byte, songSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	p := filepath.Join(t.TempDir(), "song.mp3")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p, data
}

func newGateway(t *testing.T, opts gateway.Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(gateway.NewHandler(opts))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, rawURL string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestFileFullContent(t *testing.T) {
	p, data := writeSong(t)
	srv := newGateway(t, gateway.Options{Streamer: stream.NewStreamer()})

	resp := get(t, srv.URL+"/file/"+url.PathEscape(p), nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000000", resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	assert.Equal(t, data, readAll(t, resp))
}

func TestFilePartialContent(t *testing.T) {
	p, data := writeSong(t)
	srv := newGateway(t, gateway.Options{Streamer: stream.NewStreamer()})

	tests := []struct {
		name         string
		rangeHeader  string
		contentRange string
		start, end   int
	}{
		{name: "open ended", rangeHeader: "bytes=500000-", contentRange: "bytes 500000-999999/1000000", start: 500000, end: 999999},
		{name: "bounded", rangeHeader: "bytes=0-99", contentRange: "bytes 0-99/1000000", start: 0, end: 99},
		{name: "suffix", rangeHeader: "bytes=-10", contentRange: "bytes 999990-999999/1000000", start: 999990, end: 999999},
		{name: "end clamped", rangeHeader: "bytes=999000-2000000", contentRange: "bytes 999000-999999/1000000", start: 999000, end: 999999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, srv.URL+"/file/"+url.PathEscape(p), map[string]string{"Range": tt.rangeHeader})

			assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
			assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
			assert.Equal(t, tt.contentRange, resp.Header.Get("Content-Range"))
			body := readAll(t, resp)
			assert.Len(t, body, tt.end-tt.start+1)
			assert.Equal(t, data[tt.start:tt.end+1], body)
		})
	}
}

func TestFileMalformedRangeServesWholeFile(t *testing.T) {
	p, _ := writeSong(t)
	srv := newGateway(t, gateway.Options{Streamer: stream.NewStreamer()})

	resp := get(t, srv.URL+"/file/"+url.PathEscape(p), map[string]string{"Range": "frames=1-2"})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Range"))
	assert.Len(t, readAll(t, resp), songSize)
}

func TestFileErrors(t *testing.T) {
	dir := t.TempDir()
	streamer := stream.NewStreamer()
	srv := newGateway(t, gateway.Options{Streamer: streamer})

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{name: "missing", path: url.PathEscape(filepath.Join(dir, "nope.mp3")), status: http.StatusNotFound},
		{name: "directory", path: url.PathEscape(dir), status: http.StatusNotFound},
		{name: "parent segment", path: url.PathEscape(dir + "/../etc/passwd"), status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, srv.URL+"/file/"+tt.path, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := readAll(t, resp)
			if tt.status == http.StatusNotFound {
				assert.Empty(t, body)
			} else {
				assert.Contains(t, string(body), "invalid path")
			}
		})
	}
	assert.Zero(t, streamer.OpenHandles())
}

func TestFileHandlesClosedAfterResponse(t *testing.T) {
	p, _ := writeSong(t)
	streamer := stream.NewStreamer()
	srv := newGateway(t, gateway.Options{Streamer: streamer})

	for _, h := range []map[string]string{nil, {"Range": "bytes=10-20"}} {
		resp := get(t, srv.URL+"/file/"+url.PathEscape(p), h)
		readAll(t, resp)
		resp.Body.Close()
	}

	req, err := http.NewRequest(http.MethodHead, srv.URL+"/file/"+url.PathEscape(p), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Eventually(t, func() bool { return streamer.OpenHandles() == 0 }, time.Second, 10*time.Millisecond)
}

func TestFileHandleClosedOnClientAbort(t *testing.T) {
	p := filepath.Join(t.TempDir(), "album.flac")
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(64<<20))
	require.NoError(t, f.Close())

	streamer := stream.NewStreamer()
	srv := newGateway(t, gateway.Options{Streamer: streamer})

	resp := get(t, srv.URL+"/file/"+url.PathEscape(p), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadFull(resp.Body, make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Eventually(t, func() bool { return streamer.OpenHandles() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestProxyRoute(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cover.jpg", r.URL.Path)
		assert.Equal(t, "size=300", r.URL.RawQuery)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("X-Cache", "HIT")
		io.WriteString(w, "jpeg bytes")
	}))
	defer origin.Close()

	srv := newGateway(t, gateway.Options{Fetcher: proxy.NewFetcher(nil)})
	resp := get(t, srv.URL+"/proxy/"+url.PathEscape(origin.URL+"/cover.jpg")+"?size=300", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "jpeg bytes", string(readAll(t, resp)))
}

func TestProxyRoutePassesOriginStatus(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer origin.Close()

	srv := newGateway(t, gateway.Options{Fetcher: proxy.NewFetcher(nil)})
	resp := get(t, srv.URL+"/proxy/"+url.PathEscape(origin.URL+"/x"), nil)

	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Contains(t, string(readAll(t, resp)), "gone")
}

func TestProxyRouteRefusesOwnScheme(t *testing.T) {
	srv := newGateway(t, gateway.Options{Fetcher: proxy.NewFetcher(nil)})

	resp := get(t, srv.URL+"/proxy/"+url.PathEscape("mediagate://file/x"), nil)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(readAll(t, resp)), proxy.ErrProxyLoop.Error())
}

func TestProxyRouteRefusesSelf(t *testing.T) {
	s := gateway.NewServer(gateway.Options{Listen: "127.0.0.1:0", Fetcher: proxy.NewFetcher(nil)})
	require.NoError(t, s.Listen())
	go s.Serve()
	defer s.Shutdown(context.Background())

	base := "http://" + s.Addr()
	resp := get(t, base+"/proxy/"+url.PathEscape(base+"/proxy/x"), nil)

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPIRoute(t *testing.T) {
	d := api.NewDispatcher()
	d.Register("music", api.SourceFunc(func(ctx context.Context, op string, params url.Values) (any, error) {
		if op != "search" {
			return nil, api.ErrUnknownOperation
		}
		return map[string]string{"q": params.Get("q")}, nil
	}))
	srv := newGateway(t, gateway.Options{Dispatcher: d})

	t.Run("query params", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/music/search?q=blue", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var got map[string]string
		require.NoError(t, json.Unmarshal(readAll(t, resp), &got))
		assert.Equal(t, "blue", got["q"])
	})

	t.Run("form params", func(t *testing.T) {
		resp, err := http.PostForm(srv.URL+"/api/music/search", url.Values{"q": {"red"}})
		require.NoError(t, err)
		defer resp.Body.Close()

		var got map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, "red", got["q"])
	})

	t.Run("unknown source", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/video/search", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var got map[string]string
		require.NoError(t, json.Unmarshal(readAll(t, resp), &got))
		assert.NotEmpty(t, got["error"])
	})

	t.Run("unknown operation", func(t *testing.T) {
		resp := get(t, srv.URL+"/api/music/charts", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestEventsRoute(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	srv := newGateway(t, gateway.Options{Events: hub})

	resp := get(t, srv.URL+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(common.Event{
		Type:   common.EventUpdate,
		Update: &common.Update{ID: "abc", State: common.StateProgressing, Offset: 10},
	})

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var ev common.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
	assert.Equal(t, common.EventUpdate, ev.Type)
	require.NotNil(t, ev.Update)
	assert.Equal(t, "abc", ev.Update.ID)
	assert.Equal(t, int64(10), ev.Update.Offset)

	resp.Body.Close()
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestShutdownEndsEventStreams(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()

	s := gateway.NewServer(gateway.Options{Listen: "127.0.0.1:0", Events: hub})
	require.NoError(t, s.Listen())
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	resp := get(t, "http://"+s.Addr()+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, _ = io.ReadAll(resp.Body)
	assert.NoError(t, <-served)
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStaticFallback(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	require.NoError(t, bucket.WriteAll(ctx, "index.html", []byte("<html>player</html>"), nil))
	require.NoError(t, bucket.WriteAll(ctx, "file.css", []byte("body{}"), nil))
	store := assets.NewStore(bucket)
	defer store.Close()

	srv := newGateway(t, gateway.Options{Assets: store, Streamer: stream.NewStreamer()})

	resp := get(t, srv.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>player</html>", string(readAll(t, resp)))

	// an unregistered first segment falls back with the whole path
	resp = get(t, srv.URL+"/file.css", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", string(readAll(t, resp)))

	resp = get(t, srv.URL+"/static/file.css", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{}", string(readAll(t, resp)))

	resp = get(t, srv.URL+"/missing/thing.js", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNoFallbackIsNotFound(t *testing.T) {
	srv := newGateway(t, gateway.Options{Streamer: stream.NewStreamer()})

	resp := get(t, srv.URL+"/index.html", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type trackingBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackingBody) Close() error {
	b.closed.Store(true)
	return nil
}

func TestRouterSplitsAndClosesBody(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader("ok")}
	var rest, route string

	rt := gateway.NewRouter(map[string]gateway.Handler{
		"/x": gateway.HandlerFunc(func(req *gateway.Request) (gateway.Response, error) {
			rest, route = req.Rest, req.Route
			return gateway.FullContent{ContentType: "text/plain", ContentLength: 2, Body: body}, nil
		}),
	}, nil)
	srv := httptest.NewServer(rt)
	defer srv.Close()

	resp := get(t, srv.URL+"/x/a%2Fb/c", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(readAll(t, resp)))
	assert.Equal(t, "a%2Fb/c", rest)
	assert.Equal(t, "/x", route)
	assert.True(t, body.closed.Load())
}

func TestRouterRecoversPanic(t *testing.T) {
	rt := gateway.NewRouter(map[string]gateway.Handler{
		"/boom": gateway.HandlerFunc(func(req *gateway.Request) (gateway.Response, error) {
			panic("handler bug")
		}),
	}, nil)

	w := httptest.NewRecorder()
	rt.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom/now", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type explodingValue struct{}

func (explodingValue) MarshalJSON() ([]byte, error) {
	panic("marshal bug")
}

func TestRouterRecoversPanicWhileWriting(t *testing.T) {
	rt := gateway.NewRouter(map[string]gateway.Handler{
		"/boom": gateway.HandlerFunc(func(req *gateway.Request) (gateway.Response, error) {
			return gateway.JSON{Value: explodingValue{}}, nil
		}),
	}, nil)

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		rt.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}
