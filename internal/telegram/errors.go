package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"
)

// Class partitions Telegram failures by how the orchestrator must react.
type Class string

const (
	// ClassTransport covers dropped or dead connections. The client
	// manager evicts the handle and retries exactly once.
	ClassTransport Class = "transport_disconnected"
	// ClassFloodWait is Telegram's cool-down. Surfaced with the seconds,
	// never retried here.
	ClassFloodWait Class = "flood_wait"
	// ClassCodeInvalid means the login code was wrong.
	ClassCodeInvalid Class = "code_invalid"
	// ClassCodeExpired means the login code aged out.
	ClassCodeExpired Class = "code_expired"
	// ClassNeeds2FA means the account has a cloud password.
	ClassNeeds2FA Class = "needs_2fa"
	// ClassPasswordInvalid means the 2FA password was wrong.
	ClassPasswordInvalid Class = "password_invalid"
	// ClassAuthorizationLost means Telegram revoked the session. The
	// stored blob must be cleared.
	ClassAuthorizationLost Class = "authorization_lost"
	// ClassCredentialsInvalid means the api_id/api_hash pair was rejected.
	ClassCredentialsInvalid Class = "credentials_invalid"
	// ClassTelegramError is everything else Telegram reports.
	ClassTelegramError Class = "telegram_error"
)

// ClassifiedError wraps a Telegram failure with its recovery class.
type ClassifiedError struct {
	Class      Class
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Seconds returns the flood-wait duration in whole seconds.
func (e *ClassifiedError) Seconds() int {
	return int(e.RetryAfter / time.Second)
}

// IsClass reports whether err carries the given class.
func IsClass(err error, class Class) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Class == class
}

// AsClassified extracts the classification from err, if any.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	ok := errors.As(err, &ce)
	return ce, ok
}

func classified(class Class, message string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Message: message, Err: err}
}

// RPC error types that revoke the stored authorization.
var authLostTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// RPC error types that reject the API credential pair.
var credentialTypes = []string{
	"API_ID_INVALID",
	"API_ID_PUBLISHED_FLOOD",
	"API_HASH_INVALID",
}

// Classify maps any Telegram-layer failure to its recovery class. Already
// classified errors pass through unchanged.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &ClassifiedError{
			Class:      ClassFloodWait,
			Message:    "telegram rate limit",
			RetryAfter: wait,
			Err:        err,
		}
	}

	var rpc *tgerr.Error
	if errors.As(err, &rpc) {
		switch {
		case rpc.IsType("PHONE_CODE_INVALID"):
			return classified(ClassCodeInvalid, "login code invalid", err)
		case rpc.IsType("PHONE_CODE_EXPIRED"), rpc.IsType("PHONE_CODE_EMPTY"):
			return classified(ClassCodeExpired, "login code expired", err)
		case rpc.IsType("SESSION_PASSWORD_NEEDED"):
			return classified(ClassNeeds2FA, "two-factor password required", err)
		case rpc.IsType("PASSWORD_HASH_INVALID"), rpc.IsType("PASSWORD_EMPTY"):
			return classified(ClassPasswordInvalid, "two-factor password invalid", err)
		case rpc.IsOneOf(authLostTypes...):
			return classified(ClassAuthorizationLost, "telegram authorization revoked", err)
		case rpc.IsOneOf(credentialTypes...):
			return classified(ClassCredentialsInvalid, "telegram api credentials rejected", err)
		default:
			return classified(ClassTelegramError, rpc.Type, err)
		}
	}

	if isTransport(err) {
		return classified(ClassTransport, "telegram connection lost", err)
	}

	return classified(ClassTelegramError, err.Error(), err)
}

// isTransport recognizes dead-connection failures from the MTProto engine
// and the network stack underneath it.
func isTransport(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection dead",
		"engine was closed",
		"client is closed",
		"connection reset",
		"broken pipe",
		"cannot send while disconnected",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
