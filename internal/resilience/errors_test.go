package resilience

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_TransientError(t *testing.T) {
	err := NewTransientError(errors.New("upstream 503"), 503)
	assert.True(t, IsTransient(err))
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("timeout"), 0)
	wrapped := fmt.Errorf("fetch shifts: %w", inner)
	assert.True(t, IsTransient(wrapped))
}

func TestIsTransient_PermanentError(t *testing.T) {
	err := NewPermanentError(errors.New("invalid api key"), 401)
	assert.False(t, IsTransient(err))
}

func TestIsTransient_PermanentWinsOverPattern(t *testing.T) {
	// Message looks transient but the provider rejected the request.
	err := NewPermanentError(errors.New("i/o timeout while validating plan"), 402)
	assert.False(t, IsTransient(err))
}

func TestIsTransient_Patterns(t *testing.T) {
	cases := []string{
		"read tcp: connection reset by peer",
		"write: broken pipe",
		"dial tcp: lookup api.shiftbase.com: no such host",
		"net/http: TLS handshake timeout",
		"read: i/o timeout",
	}
	for _, msg := range cases {
		t.Run(msg, func(t *testing.T) {
			assert.True(t, IsTransient(errors.New(msg)))
		})
	}
}

func TestIsTransient_PlainError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("malformed payload")))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "code %d", code)
	}
	for _, code := range []int{200, 204, 301, 400, 401, 402, 403, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "code %d", code)
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, 503, StatusCode(NewTransientError(errors.New("x"), 503)))
	assert.Equal(t, 402, StatusCode(NewPermanentError(errors.New("x"), 402)))
	assert.Equal(t, 0, StatusCode(errors.New("x")))
	assert.Equal(t, 429, StatusCode(fmt.Errorf("wrapped: %w", NewTransientError(errors.New("x"), 429))))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	assert.ErrorIs(t, NewTransientError(inner, 500), inner)
	assert.ErrorIs(t, NewPermanentError(inner, 400), inner)
}
