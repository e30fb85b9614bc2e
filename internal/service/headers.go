package service

import (
	"net/http"
	"net/textproto"
	"slices"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders are connection-scoped and never cross the proxy in either
// direction (RFC 9110 section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// headerPolicy builds a fresh header set from a source set. Deny entries use
// canonical header keys.
type headerPolicy struct {
	deny map[string]bool
	// keepTrailersTE re-adds "Te: trailers" when the source asked for it.
	keepTrailersTE bool
	// suppressUserAgent stops the HTTP client from inventing a User-Agent.
	suppressUserAgent bool
}

func newHeaderPolicy(extraDeny ...string) headerPolicy {
	deny := make(map[string]bool, len(hopByHopHeaders)+len(extraDeny))
	for _, h := range hopByHopHeaders {
		deny[http.CanonicalHeaderKey(h)] = true
	}
	for _, h := range extraDeny {
		deny[http.CanonicalHeaderKey(h)] = true
	}
	return headerPolicy{deny: deny}
}

// requestHeaderPolicy governs caller -> target headers. Host is derived from
// the target URL and Content-Length travels in the request's length field.
var requestHeaderPolicy = func() headerPolicy {
	p := newHeaderPolicy("Host", "Content-Length")
	p.keepTrailersTE = true
	p.suppressUserAgent = true
	return p
}()

// responseHeaderPolicy governs target -> caller headers. Content-Length and
// Content-Encoding pass through untouched.
var responseHeaderPolicy = newHeaderPolicy()

// apply returns the headers of src that survive the policy. src is never modified.
func (p headerPolicy) apply(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	named := connectionTokens(src)

	for key, vals := range src {
		ck := textproto.CanonicalMIMEHeaderKey(key)
		if p.deny[ck] || named[ck] {
			continue
		}
		dst[ck] = append(dst[ck], slices.Clone(vals)...)
	}

	if p.keepTrailersTE && httpguts.HeaderValuesContainsToken(src.Values("Te"), "trailers") {
		dst.Set("Te", "trailers")
	}
	if p.suppressUserAgent {
		if _, ok := dst["User-Agent"]; !ok {
			dst["User-Agent"] = []string{""}
		}
	}
	return dst
}

// connectionTokens returns the canonical names of headers listed in the
// Connection header, which are hop-by-hop for this message only.
func connectionTokens(h http.Header) map[string]bool {
	vals := h.Values("Connection")
	if len(vals) == 0 {
		return nil
	}
	named := make(map[string]bool)
	for _, v := range vals {
		for _, tok := range strings.Split(v, ",") {
			tok = textproto.TrimString(tok)
			if tok == "" || !httpguts.ValidHeaderFieldName(tok) {
				continue
			}
			named[textproto.CanonicalMIMEHeaderKey(tok)] = true
		}
	}
	return named
}

// SanitizeRequestHeader returns the headers to send to the target.
func SanitizeRequestHeader(src http.Header) http.Header {
	return requestHeaderPolicy.apply(src)
}

// SanitizeResponseHeader returns the headers to relay to the caller.
func SanitizeResponseHeader(src http.Header) http.Header {
	return responseHeaderPolicy.apply(src)
}
