package calendar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

type ErrorKind string

const (
	KindCredentialExpired ErrorKind = "credential_expired"
	KindTransient         ErrorKind = "transient"
	KindUnknown           ErrorKind = "unknown"
)

// ErrCredentialExpired matches any ServiceError of kind KindCredentialExpired.
var ErrCredentialExpired = errors.New("calendar credential expired or revoked, reconnect required")

// ServiceError is a classified failure of a calendar call.
type ServiceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("calendar %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return target == ErrCredentialExpired && e.Kind == KindCredentialExpired
}

// Classify wraps err in a ServiceError for op. Already classified errors
// are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	return &ServiceError{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf reports the failure kind of err.
func KindOf(err error) ErrorKind {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_grant":
			return KindCredentialExpired
		case re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized:
			return KindCredentialExpired
		case re.Response != nil && re.Response.StatusCode >= 500:
			return KindTransient
		}
		return KindUnknown
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == http.StatusUnauthorized:
			return KindCredentialExpired
		case ge.Code == http.StatusTooManyRequests, ge.Code >= 500:
			return KindTransient
		case ge.Code == http.StatusForbidden && rateLimited(ge):
			return KindTransient
		}
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}

	// token errors that lost their type on the way up
	if strings.Contains(err.Error(), "invalid_grant") {
		return KindCredentialExpired
	}
	return KindUnknown
}

func rateLimited(ge *googleapi.Error) bool {
	for _, item := range ge.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
