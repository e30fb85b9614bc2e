// Package target extracts and validates the destination URL carried by an
// inbound request.
package target

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"stream-forwarder/internal/config"
)

// ErrMissingTarget is returned when the request carries no destination at all.
var ErrMissingTarget = errors.New("target URL missing")

// ErrInvalidTarget matches every *InvalidTargetError via errors.Is.
var ErrInvalidTarget = errors.New("invalid target URL")

// InvalidTargetError describes a destination that failed syntactic validation.
type InvalidTargetError struct {
	Raw    string
	Reason string
	Err    error
}

func (e *InvalidTargetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid target URL %q: %s: %v", e.Raw, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid target URL %q: %s", e.Raw, e.Reason)
}

func (e *InvalidTargetError) Unwrap() error { return e.Err }

// Is reports whether target is ErrInvalidTarget.
func (e *InvalidTargetError) Is(target error) bool { return target == ErrInvalidTarget }

// schemePrefix matches a URL scheme at the start of a query-mode value. A
// "://" further in, such as in a nested redirect parameter, does not count.
var schemePrefix = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)

// Resolver derives the absolute destination URL from an inbound request.
// It never touches the network.
type Resolver struct {
	mode          string
	param         string
	defaultScheme string
}

// NewResolver creates a Resolver from the [target] config section.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		mode:          cfg.Target.Mode,
		param:         cfg.Target.QueryParam,
		defaultScheme: cfg.Target.DefaultScheme,
	}
}

// Mode returns the configured addressing mode.
func (r *Resolver) Mode() string { return r.mode }

// Resolve returns the destination for req. Errors are either ErrMissingTarget
// or an *InvalidTargetError.
//
// In "both" mode the root path is addressed by query parameter and every
// other path by the embedded URL, so the two encodings never overlap.
func (r *Resolver) Resolve(req *http.Request) (*url.URL, error) {
	raw := req.RequestURI
	if raw == "" {
		raw = req.URL.RequestURI()
	}
	path, _, _ := strings.Cut(raw, "?")
	root := path == "/" || path == ""

	switch r.mode {
	case config.ModeQuery:
		return r.fromQuery(req)
	case config.ModePath:
		if root {
			return nil, ErrMissingTarget
		}
		return r.fromPath(raw)
	default:
		if root {
			return r.fromQuery(req)
		}
		return r.fromPath(raw)
	}
}

// fromPath treats everything after the leading slash as the target, query
// string included. The raw request-URI is used so escapes survive untouched.
func (r *Resolver) fromPath(raw string) (*url.URL, error) {
	candidate := strings.TrimPrefix(raw, "/")
	if candidate == "" {
		return nil, ErrMissingTarget
	}
	return validate(candidate)
}

func (r *Resolver) fromQuery(req *http.Request) (*url.URL, error) {
	candidate := req.URL.Query().Get(r.param)
	if candidate == "" {
		return nil, ErrMissingTarget
	}
	if !schemePrefix.MatchString(candidate) {
		candidate = r.defaultScheme + "://" + candidate
	}
	return validate(candidate)
}

func validate(candidate string) (*url.URL, error) {
	u, err := url.Parse(candidate)
	if err != nil {
		return nil, &InvalidTargetError{Raw: candidate, Reason: "malformed URL", Err: unwrapURLError(err)}
	}
	if !u.IsAbs() {
		return nil, &InvalidTargetError{Raw: candidate, Reason: "absolute http or https URL required"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, &InvalidTargetError{Raw: candidate, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &InvalidTargetError{Raw: candidate, Reason: "host required"}
	}
	return u, nil
}

// unwrapURLError drops the *url.Error wrapper, which would repeat the raw URL.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
