// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
)

// ProxyRequest represents a caller request to be forwarded to its target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.ReadCloser
	// ContentLength follows http.Request: -1 unknown, 0 no body.
	ContentLength int64
	// OnInformational, when set, receives every 1xx response from the target
	// before the final response arrives.
	OnInformational func(code int, header textproto.MIMEHeader) error
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Trailer is populated only after Body has been read to EOF.
	Trailer http.Header
}
