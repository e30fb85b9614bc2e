// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptrace"

	"stream-forwarder/internal/model"
)

// ErrBuildRequest is returned when the outbound request cannot be constructed.
var ErrBuildRequest = errors.New("build upstream request")

// Doer sends one HTTP request. *client.UpstreamClient satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client Doer
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c Doer, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest to its target and returns the response with
// sanitized headers. The caller is responsible for closing the response body.
//
// The request body is handed to the client as is; nothing is buffered. A
// declared length is preserved, an unknown length (-1) goes out chunked and
// a zero length goes out with no body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	ctx := pr.Ctx
	if pr.OnInformational != nil {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			Got1xxResponse: pr.OnInformational,
		})
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, pr.Target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}
	req.Header = SanitizeRequestHeader(pr.Header)
	if pr.Body != nil && pr.ContentLength != 0 {
		req.Body = pr.Body
		req.ContentLength = pr.ContentLength
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", pr.Target.Host,
		"content_length", pr.ContentLength,
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     SanitizeResponseHeader(resp.Header),
		Body:       resp.Body,
		Trailer:    resp.Trailer,
	}, nil
}
