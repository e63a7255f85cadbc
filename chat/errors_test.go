package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
)

func restErr(code int) error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: code, Status: http.StatusText(code)}}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"rate limited", restErr(http.StatusTooManyRequests), ErrorClassRetryable},
		{"server error", restErr(http.StatusBadGateway), ErrorClassRetryable},
		{"forbidden", restErr(http.StatusForbidden), ErrorClassFatal},
		{"unknown object", restErr(http.StatusNotFound), ErrorClassFatal},
		{"bad request", restErr(http.StatusBadRequest), ErrorClassFatal},
		{"wrapped forbidden", fmt.Errorf("create channel: %w", restErr(http.StatusForbidden)), ErrorClassFatal},
		{"auth", &AuthError{Err: errors.New("401")}, ErrorClassFatal},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorClassRetryable},
		{"missing permissions text", errors.New("Missing Permissions"), ErrorClassFatal},
		{"connection reset", errors.New("read: connection reset by peer"), ErrorClassRetryable},
		{"unrecognised", errors.New("something odd"), ErrorClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(restErr(http.StatusForbidden)))
	assert.False(t, IsFatal(restErr(http.StatusServiceUnavailable)))
}

func TestAuthErrorUnwrap(t *testing.T) {
	inner := errors.New("bad token")
	err := fmt.Errorf("connect: %w", &AuthError{Err: inner})

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "bad token")
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "retryable", ErrorClassRetryable.String())
	assert.Equal(t, "fatal", ErrorClassFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
