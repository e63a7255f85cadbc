package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrGuildNotFound means the configured guild is not visible to the bot (or it sees none).
	ErrGuildNotFound = errors.New("managed guild not visible to bot")
	// ErrAmbiguousGuild means no guild id was configured and the bot sees more than one.
	ErrAmbiguousGuild = errors.New("bot sees multiple guilds; set DISCORD_GUILD_ID")
)

// AuthError is returned by Connect when the session cannot authenticate.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("discord auth failed: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

// ErrorClass represents whether a remote failure should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure (network, 5xx, rate limit).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates retrying cannot help (missing permission, unknown object).
	ErrorClassFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify labels a remote failure. REST status codes win over message
// patterns; anything unrecognised is treated as retryable so reconciliation
// does not give up too early.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return ErrorClassFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassRetryable
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return classifyStatus(restErr.Response.StatusCode)
	}

	lower := strings.ToLower(err.Error())
	for _, p := range []string{"missing permissions", "missing access", "unknown role", "unknown channel", "unknown member", "unauthorized"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests, code >= 500:
		return ErrorClassRetryable
	case code == http.StatusBadRequest, code == http.StatusUnauthorized,
		code == http.StatusForbidden, code == http.StatusNotFound:
		return ErrorClassFatal
	default:
		return ErrorClassRetryable
	}
}

// IsFatal reports whether err should not be retried.
func IsFatal(err error) bool { return err != nil && Classify(err) == ErrorClassFatal }

// isNotFound reports a 404 from the REST API (unknown role/member/channel).
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
