package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-forwarder/internal/client"
	"stream-forwarder/internal/config"
	"stream-forwarder/internal/model"
)

func newTestService(t *testing.T) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			DialTimeoutSeconds:           5,
			ResponseHeaderTimeoutSeconds: 10,
			IdleConnections:              10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewUpstreamClient(cfg, logger, nil), logger)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

// doerFunc adapts a function to Doer.
type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

// pointerBody is a ReadCloser with pointer identity.
type pointerBody struct{ io.Reader }

func (*pointerBody) Close() error { return nil }

func TestForward_POSTJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/post", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, int64(17), r.ContentLength)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"hello":"world"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	svc := newTestService(t)
	body := `{"hello":"world"}`
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPost,
		Target:        mustParse(t, upstream.URL+"/post"),
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(got))
}

func TestForward_TargetIsByteIdentical(t *testing.T) {
	var gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.RequestURI
	}))
	defer upstream.Close()

	svc := newTestService(t)
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL+"/a%2Fb/c%20d?q=%20x&r=%26&empty="),
		Header: http.Header{},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "/a%2Fb/c%20d?q=%20x&r=%26&empty=", gotURI)
}

func TestForward_BodyLengths(t *testing.T) {
	large := make([]byte, 5<<20+3)
	_, err := rand.Read(large)
	require.NoError(t, err)

	tests := []struct {
		name          string
		body          []byte
		contentLength int64
		wantChunked   bool
	}{
		{"empty", nil, 0, false},
		{"small declared", []byte("hello"), 5, false},
		{"large declared", large, int64(len(large)), false},
		{"large chunked", large, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.True(t, bytes.Equal(tt.body, got), "body differs: got %d bytes, want %d", len(got), len(tt.body))
				if tt.wantChunked {
					assert.Equal(t, []string{"chunked"}, r.TransferEncoding)
					assert.Equal(t, int64(-1), r.ContentLength)
				} else {
					assert.Equal(t, int64(len(tt.body)), r.ContentLength)
				}
			}))
			defer upstream.Close()

			var body io.ReadCloser = http.NoBody
			if tt.body != nil {
				// DataErrReader hands back EOF with the last chunk, like a real socket.
				body = io.NopCloser(iotest.DataErrReader(bytes.NewReader(tt.body)))
			}

			resp, err := newTestService(t).Forward(&model.ProxyRequest{
				Ctx:           context.Background(),
				Method:        http.MethodPut,
				Target:        mustParse(t, upstream.URL+"/upload"),
				Header:        http.Header{},
				Body:          body,
				ContentLength: tt.contentLength,
			})
			require.NoError(t, err)
			_ = resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestForward_NonStandardMethod(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PROPFIND", r.Method)
		w.WriteHeader(http.StatusMultiStatus)
	}))
	defer upstream.Close()

	resp, err := newTestService(t).Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: "PROPFIND",
		Target: mustParse(t, upstream.URL),
		Header: http.Header{},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
}

func TestForward_StripsHopByHopBothWays(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"))
		assert.Empty(t, r.Header.Get("X-Hop"))
		assert.Equal(t, "kept", r.Header.Get("X-Forward-Me"))
		assert.NotEqual(t, "proxy.local", r.Host)

		w.Header().Set("Connection", "X-Private")
		w.Header().Set("X-Private", "secret")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Public", "ok")
	}))
	defer upstream.Close()

	resp, err := newTestService(t).Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL),
		Header: http.Header{
			"Host":                {"proxy.local"},
			"Connection":          {"X-Hop"},
			"X-Hop":               {"1"},
			"Proxy-Authorization": {"Basic abc"},
			"X-Forward-Me":        {"kept"},
		},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "ok", resp.Header.Get("X-Public"))
	assert.Empty(t, resp.Header.Get("X-Private"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"))
	assert.Empty(t, resp.Header.Get("Connection"))
}

func TestForward_NoUserAgentInvented(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["User-Agent"]
		assert.False(t, present, "User-Agent = %q, want none", r.Header.Get("User-Agent"))
	}))
	defer upstream.Close()

	resp, err := newTestService(t).Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL),
		Header: http.Header{},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestForward_RelaysTrailers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		_, _ = w.Write([]byte("data"))
		w.Header().Set("X-Checksum", "abc123")
	}))
	defer upstream.Close()

	resp, err := newTestService(t).Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL),
		Header: http.Header{},
	})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abc123", resp.Trailer.Get("X-Checksum"))
	assert.Empty(t, resp.Header.Get("Trailer"))
}

func TestForward_InformationalResponses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", "</style.css>; rel=preload")
		w.WriteHeader(http.StatusEarlyHints)
		w.Header().Del("Link")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	var codes []int
	var links []string
	resp, err := newTestService(t).Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, upstream.URL),
		Header: http.Header{},
		OnInformational: func(code int, header textproto.MIMEHeader) error {
			codes = append(codes, code)
			links = append(links, header.Get("Link"))
			return nil
		},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, []int{http.StatusEarlyHints}, codes)
	assert.Equal(t, []string{"</style.css>; rel=preload"}, links)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForward_ConnectionRefused(t *testing.T) {
	_, err := newTestService(t).Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Target: mustParse(t, "http://127.0.0.1:1/"),
		Header: http.Header{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forward to upstream")
	assert.Contains(t, err.Error(), "connection refused")
	assert.NotErrorIs(t, err, ErrBuildRequest)
}

func TestForward_InvalidMethodIsBuildError(t *testing.T) {
	called := false
	svc := NewProxyService(doerFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("unreachable")
	}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: "BAD METHOD",
		Target: mustParse(t, "https://example.com"),
		Header: http.Header{},
	})
	assert.ErrorIs(t, err, ErrBuildRequest)
	assert.False(t, called, "client must not be called when the request cannot be built")
}

func TestForward_PassesContextAndBody(t *testing.T) {
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	body := &pointerBody{Reader: strings.NewReader("x")}

	svc := NewProxyService(doerFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "v", req.Context().Value(ctxKey{}))
		assert.Same(t, body, req.Body, "body is handed over, not copied")
		assert.Equal(t, int64(-1), req.ContentLength)
		assert.Equal(t, "example.com:8443", req.URL.Host)
		return &http.Response{StatusCode: http.StatusTeapot, Header: http.Header{}, Body: http.NoBody}, nil
	}), slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:           ctx,
		Method:        http.MethodPost,
		Target:        mustParse(t, "https://example.com:8443/x"),
		Header:        http.Header{},
		Body:          body,
		ContentLength: -1,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
