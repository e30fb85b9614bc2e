package model

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExchange_HappyPath(t *testing.T) {
	e := NewExchange()
	assert.Equal(t, Receiving, e.State())

	e.SetTarget("https://example.com/")
	assert.True(t, e.HeadersSent(http.StatusCreated))
	assert.True(t, e.Streaming())
	e.SetBytesIn(7)
	assert.True(t, e.Complete(http.StatusOK, 42))

	out := e.Outcome()
	assert.Equal(t, Completed, out.State)
	assert.Equal(t, KindNone, out.Kind)
	assert.Equal(t, http.StatusCreated, out.Status, "status from HeadersSent is kept")
	assert.Equal(t, int64(7), out.BytesIn)
	assert.Equal(t, int64(42), out.BytesOut)
	assert.Equal(t, "https://example.com/", out.Target)
	assert.NoError(t, out.Err)
}

func TestExchange_CompleteWithoutRelay(t *testing.T) {
	e := NewExchange()
	assert.True(t, e.Complete(http.StatusOK, 0))
	assert.Equal(t, http.StatusOK, e.Outcome().Status)
}

func TestExchange_SingleTerminalState(t *testing.T) {
	e := NewExchange()
	cause := errors.New("boom")

	assert.True(t, e.HeadersSent(http.StatusOK))
	assert.True(t, e.Fail(KindUpstreamStream, 0, 10, cause))

	assert.False(t, e.Complete(http.StatusOK, 100), "completed after failure")
	assert.False(t, e.Fail(KindInternal, http.StatusInternalServerError, 0, nil), "second failure")
	assert.False(t, e.Streaming(), "streaming after failure")

	out := e.Outcome()
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, KindUpstreamStream, out.Kind)
	assert.Equal(t, http.StatusOK, out.Status, "status already sent is never changed")
	assert.Equal(t, int64(10), out.BytesOut)
	assert.ErrorIs(t, out.Err, cause)
}

func TestExchange_NoBackwardTransitions(t *testing.T) {
	e := NewExchange()
	assert.True(t, e.HeadersSent(http.StatusOK))
	assert.True(t, e.Streaming())
	assert.False(t, e.HeadersSent(http.StatusTeapot))
	assert.False(t, e.Streaming())
	assert.Equal(t, StreamingBody, e.State())
	assert.Equal(t, http.StatusOK, e.Outcome().Status)
}

func TestExchange_FailBeforeHeaders(t *testing.T) {
	e := NewExchange()
	assert.True(t, e.Fail(KindUpstreamConnect, http.StatusBadGateway, 0, errors.New("refused")))
	assert.Equal(t, http.StatusBadGateway, e.Outcome().Status)
}

func TestKind_Fault(t *testing.T) {
	tests := []struct {
		kind  Kind
		fault bool
		name  string
	}{
		{KindNone, false, "ok"},
		{KindValidation, false, "validation"},
		{KindUpstreamConnect, true, "upstream_connect"},
		{KindUpstreamStream, true, "upstream_stream"},
		{KindCallerDisconnect, false, "caller_disconnect"},
		{KindInternal, true, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fault, tt.kind.Fault())
			assert.Equal(t, tt.name, tt.kind.String())
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "receiving", Receiving.String())
	assert.Equal(t, "streaming_body", StreamingBody.String())
	assert.Equal(t, "state(99)", State(99).String())
	assert.True(t, Failed.Terminal())
	assert.False(t, HeadersSent.Terminal())
}
