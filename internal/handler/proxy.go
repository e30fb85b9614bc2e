package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/multierr"

	"stream-forwarder/internal/middleware"
	"stream-forwarder/internal/model"
	"stream-forwarder/internal/service"
	"stream-forwarder/internal/stream"
	"stream-forwarder/internal/target"
)

// StatusClientClosedRequest is recorded when the caller went away before a
// response could be written. It is never sent on the wire.
const StatusClientClosedRequest = 499

// ProxyHandler relays requests to the target they carry and streams the
// response back.
type ProxyHandler struct {
	resolver *target.Resolver
	service  *service.ProxyService
	home     *HomeHandler
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(r *target.Resolver, svc *service.ProxyService, home *HomeHandler, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: r,
		service:  svc,
		home:     home,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the target, forwards the request and streams the response
// back to the caller.
//
// Once the status line is written there is no way to report a failure with
// another status, so a broken stream aborts the connection instead.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	ex := model.NewExchange()
	c.Set(model.ExchangeKey, ex)

	dst, err := h.resolver.Resolve(req)
	if err != nil {
		if errors.Is(err, target.ErrMissingTarget) {
			if err := h.home.Render(c); err != nil {
				ex.Fail(model.KindInternal, http.StatusInternalServerError, c.Response().Size, err)
				return err
			}
			ex.Complete(c.Response().Status, c.Response().Size)
			return nil
		}
		ex.Fail(model.KindValidation, http.StatusBadRequest, 0, err)
		return plainText(c, http.StatusBadRequest, err.Error())
	}
	ex.SetTarget(dst.String())

	body := stream.NewCountingReader(req.Body)
	raw := c.Response().Writer
	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        dst,
		Header:        req.Header,
		Body:          body,
		ContentLength: req.ContentLength,
		OnInformational: func(code int, header textproto.MIMEHeader) error {
			// This runs on the transport's read goroutine. The server writes
			// its own 100 Continue from inside the first body Read, so hints
			// arriving before that Read has returned are dropped rather than
			// written concurrently to the connection.
			if req.ContentLength != 0 && !body.Started() {
				return nil
			}
			relayInformational(raw, code, http.Header(header))
			return nil
		},
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		ex.SetBytesIn(body.N())
		return h.mapError(c, ex, body, err)
	}
	defer func() {
		if err := multierr.Combine(resp.Body.Close(), body.Close()); err != nil {
			h.logger.Debug("closing bodies", "err", middleware.Redact(err.Error()))
		}
	}()

	res := c.Response()
	for key, vals := range resp.Header {
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	res.WriteHeader(resp.StatusCode)
	ex.HeadersSent(resp.StatusCode)
	ex.Streaming()

	n, err := stream.Copy(res, resp.Body)
	ex.SetBytesIn(body.N())
	if err != nil {
		kind := model.KindUpstreamStream
		if stream.IsWriteError(err) || req.Context().Err() != nil {
			kind = model.KindCallerDisconnect
		}
		ex.Fail(kind, resp.StatusCode, n, err)
		panic(http.ErrAbortHandler)
	}

	// The transport fills resp.Trailer once the body hits EOF.
	for key, vals := range service.SanitizeResponseHeader(resp.Trailer) {
		for _, v := range vals {
			res.Header().Add(http.TrailerPrefix+key, v)
		}
	}

	ex.Complete(resp.StatusCode, n)
	return nil
}

// mapError writes the response for a failure that happened before any
// upstream headers arrived.
func (h *ProxyHandler) mapError(c echo.Context, ex *model.Exchange, body *stream.CountingReader, err error) error {
	req := c.Request()
	reason := middleware.Redact(err.Error())

	switch {
	case errors.Is(err, service.ErrBuildRequest):
		h.logger.Error("building upstream request", "err", reason)
		ex.Fail(model.KindInternal, http.StatusInternalServerError, 0, err)
		return plainText(c, http.StatusInternalServerError, "Forward failed: "+reason)

	case req.Context().Err() != nil:
		// Nobody is left to read a response.
		h.logger.Debug("caller went away before response headers", "err", reason)
		ex.Fail(model.KindCallerDisconnect, StatusClientClosedRequest, 0, err)
		c.Response().Status = StatusClientClosedRequest
		return nil

	case body.Err() != nil:
		// The caller is still there but its body could not be read: over
		// the size limit or malformed framing.
		code := http.StatusBadRequest
		msg := "Invalid request body: " + middleware.Redact(body.Err().Error())
		var he *echo.HTTPError
		if errors.As(body.Err(), &he) {
			code = he.Code
			msg = http.StatusText(code)
		}
		h.logger.Info("reading request body failed", "err", reason, "status", code)
		ex.Fail(model.KindValidation, code, 0, body.Err())
		return plainText(c, code, msg)
	}

	h.logger.Warn("upstream request failed", "err", reason)
	ex.Fail(model.KindUpstreamConnect, http.StatusBadGateway, 0, err)
	return plainText(c, http.StatusBadGateway, "Forward failed: "+reason)
}

// relayInformational writes a 1xx response straight to the connection.
// 100 Continue is answered by the server itself and 101 would need a
// connection upgrade, so neither is relayed.
func relayInformational(w http.ResponseWriter, code int, header http.Header) {
	if code == http.StatusContinue || code == http.StatusSwitchingProtocols {
		return
	}
	h := w.Header()
	for key, vals := range service.SanitizeResponseHeader(header) {
		h[key] = vals
	}
	w.WriteHeader(code)
	for key := range h {
		delete(h, key)
	}
}

// plainText writes a short text/plain response with an explicit length.
func plainText(c echo.Context, code int, msg string) error {
	msg += "\n"
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
	h.Set(echo.HeaderContentLength, strconv.Itoa(len(msg)))
	h.Set("X-Content-Type-Options", "nosniff")
	c.Response().WriteHeader(code)
	_, err := c.Response().Write([]byte(msg))
	return err
}
