package fusionsolar

import (
	"fmt"
	"time"
)

// Distinguished application failure codes of the /thirdData API.
const (
	// FailCodeInvalidCredentials is returned for a wrong user or
	// systemCode. Hard failure, never retried.
	FailCodeInvalidCredentials = 20400

	// FailCodeRateLimited signals call-quota exhaustion. The service
	// admits a fixed number of calls per rolling window; the caller
	// decides between waiting out the window and aborting.
	FailCodeRateLimited = 407

	// FailCodeTokenExpired signals that the session token is no longer
	// accepted and a re-login is required.
	FailCodeTokenExpired = 305
)

// AuthError is a credential rejection. It is a hard failure: retrying
// with the same credentials cannot succeed.
type AuthError struct {
	FailCode int
	Message  string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication rejected (failCode %d)", e.FailCode)
	}
	return fmt.Sprintf("authentication rejected (failCode %d): %s", e.FailCode, e.Message)
}

// RateLimitError is a quota rejection, distinct from a credential
// failure. RetryAfter advises how long to wait before the quota window
// has certainly rolled over.
type RateLimitError struct {
	FailCode   int
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("call quota exhausted (failCode %d), retry after %s", e.FailCode, e.RetryAfter)
}

// APIError is any other server-reported failure, carrying the service's
// failure code and message.
type APIError struct {
	Endpoint string
	FailCode int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed (failCode %d): %s", e.Endpoint, e.FailCode, e.Message)
}

// classifyFailure converts a non-success envelope into the matching
// typed error.
func classifyFailure(endpoint string, env *envelope) error {
	switch env.FailCode {
	case FailCodeInvalidCredentials:
		return &AuthError{FailCode: env.FailCode, Message: env.Message}
	case FailCodeRateLimited:
		return &RateLimitError{
			FailCode:   env.FailCode,
			Message:    env.Message,
			RetryAfter: QuotaWindow,
		}
	default:
		return &APIError{Endpoint: endpoint, FailCode: env.FailCode, Message: env.Message}
	}
}
