package model

import (
	"fmt"
	"sync"
)

// ExchangeKey is the echo context key under which the request's Exchange is stored.
const ExchangeKey = "proxy.exchange"

// State is a step in the life of one proxied request.
type State int

const (
	Receiving State = iota
	HeadersSent
	StreamingBody
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Receiving:
		return "receiving"
	case HeadersSent:
		return "headers_sent"
	case StreamingBody:
		return "streaming_body"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// Kind classifies how a request ended.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindUpstreamConnect
	KindUpstreamStream
	KindCallerDisconnect
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindValidation:
		return "validation"
	case KindUpstreamConnect:
		return "upstream_connect"
	case KindUpstreamStream:
		return "upstream_stream"
	case KindCallerDisconnect:
		return "caller_disconnect"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fault reports whether the kind counts as a proxy fault. Rejected input and
// callers hanging up are not faults.
func (k Kind) Fault() bool {
	switch k {
	case KindUpstreamConnect, KindUpstreamStream, KindInternal:
		return true
	}
	return false
}

// Outcome is the single result reported for a request.
type Outcome struct {
	State    State
	Kind     Kind
	Status   int
	BytesIn  int64
	BytesOut int64
	Target   string
	Err      error
}

// Exchange tracks one request through
// Receiving -> HeadersSent -> StreamingBody -> Completed, with Failed
// reachable from any non-terminal state. Transitions only move forward and
// the first terminal state wins.
type Exchange struct {
	mu      sync.Mutex
	outcome Outcome
}

// NewExchange returns an Exchange in the Receiving state.
func NewExchange() *Exchange {
	return &Exchange{}
}

// SetTarget records the resolved destination for logging.
func (e *Exchange) SetTarget(target string) {
	e.mu.Lock()
	e.outcome.Target = target
	e.mu.Unlock()
}

// SetBytesIn records how many request body bytes were read from the caller.
func (e *Exchange) SetBytesIn(n int64) {
	e.mu.Lock()
	e.outcome.BytesIn = n
	e.mu.Unlock()
}

// HeadersSent marks the final status line as written to the caller.
func (e *Exchange) HeadersSent(status int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.advance(HeadersSent) {
		return false
	}
	e.outcome.Status = status
	return true
}

// Streaming marks the start of the response body relay.
func (e *Exchange) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advance(StreamingBody)
}

// Complete ends the exchange successfully. Completing before any body
// streaming is allowed for locally served responses.
func (e *Exchange) Complete(status int, bytesOut int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.advance(Completed) {
		return false
	}
	if e.outcome.Status == 0 {
		e.outcome.Status = status
	}
	e.outcome.BytesOut = bytesOut
	return true
}

// Fail ends the exchange with the given kind. bytesOut is whatever reached
// the caller before the failure.
func (e *Exchange) Fail(kind Kind, status int, bytesOut int64, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.advance(Failed) {
		return false
	}
	e.outcome.Kind = kind
	if e.outcome.Status == 0 {
		e.outcome.Status = status
	}
	e.outcome.BytesOut = bytesOut
	e.outcome.Err = err
	return true
}

// State returns the current state.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome.State
}

// Outcome returns a snapshot of the outcome.
func (e *Exchange) Outcome() Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

// advance moves to the next state if the transition is legal. mu must be held.
func (e *Exchange) advance(to State) bool {
	from := e.outcome.State
	if from.Terminal() {
		return false
	}
	if !to.Terminal() && to <= from {
		return false
	}
	e.outcome.State = to
	return true
}
