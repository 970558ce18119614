package kite

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is assigned once, at the point the remote API error is first
// observed. Downstream retry logic switches on the kind, never on message
// text.
type ErrorKind string

const (
	// KindTokenExpired: the access token was rejected as expired or
	// invalidated. Recovering requires a fresh request token from the
	// login flow, so this is never retried automatically.
	KindTokenExpired ErrorKind = "token_expired"
	// KindAuth: credential-shaped failures other than token expiry
	// (bad api key, bad checksum, permission denied).
	KindAuth ErrorKind = "auth"
	KindOther ErrorKind = "other"
)

// Error is the classified failure returned for every non-success API
// response.
type Error struct {
	Kind      ErrorKind
	Status    int
	ErrorType string
	Message   string
}

func (e *Error) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("kite: %s: %s (status %d)", e.ErrorType, e.Message, e.Status)
	}
	return fmt.Sprintf("kite: %s (status %d)", e.Message, e.Status)
}

func classify(status int, errorType string) ErrorKind {
	if errorType == "TokenException" {
		return KindTokenExpired
	}
	switch errorType {
	case "UserException", "PermissionException":
		return KindAuth
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return KindAuth
	}
	return KindOther
}

// KindOf reports the classification of err. Anything that is not a *Error
// (network failures, decode failures, store errors) is KindOther.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

func IsTokenExpired(err error) bool { return KindOf(err) == KindTokenExpired }

func IsAuth(err error) bool { return KindOf(err) == KindAuth }
