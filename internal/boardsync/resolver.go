package boardsync

import (
	"errors"
	"net/http"
	"strings"
)

type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeAuthExpired      Outcome = "auth_expired"
	OutcomeVersionConflict  Outcome = "version_conflict"
	OutcomePermissionDenied Outcome = "permission_denied"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeServerError      Outcome = "server_error"
	OutcomeNetworkError     Outcome = "network_error"
	OutcomeValidation       Outcome = "validation_error"
)

type Directive int

const (
	DirectiveCommit Directive = iota
	DirectiveRetry
	DirectiveRefreshThenRetry
	DirectiveFail
	DirectiveConflict
)

func (d Directive) String() string {
	switch d {
	case DirectiveCommit:
		return "commit"
	case DirectiveRetry:
		return "retry"
	case DirectiveRefreshThenRetry:
		return "refresh_then_retry"
	case DirectiveConflict:
		return "conflict"
	default:
		return "fail"
	}
}

// MaxAttempts bounds the requests issued for one logical mutation.
const MaxAttempts = 2

const defaultConflictMessage = "This item was changed by someone else. Reload it and reapply your change."

// Resolver maps request outcomes to the next step of a mutation. It holds no
// state; the attempt counter lives on the pending mutation.
type Resolver struct {
	MaxAttempts int
}

func NewResolver() Resolver {
	return Resolver{MaxAttempts: MaxAttempts}
}

// maxAttempts never exceeds MaxAttempts; a larger configured value is
// clamped.
func (r Resolver) maxAttempts() int {
	if r.MaxAttempts <= 0 || r.MaxAttempts > MaxAttempts {
		return MaxAttempts
	}
	return r.MaxAttempts
}

// Classify inspects only the status code and machine-readable code of err.
func (r Resolver) Classify(err error) Outcome {
	return Classify(err)
}

func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var mutationErr *MutationError
	if errors.As(err, &mutationErr) && mutationErr.Outcome != "" {
		return mutationErr.Outcome
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		// Timeouts, cancellation and transport failures all read as offline.
		return OutcomeNetworkError
	}
	switch strings.ToLower(strings.TrimSpace(httpErr.Code)) {
	case "version_conflict", "revision_conflict":
		return OutcomeVersionConflict
	case "token_expired":
		return OutcomeAuthExpired
	}
	switch {
	case httpErr.StatusCode == http.StatusUnauthorized:
		return OutcomeAuthExpired
	case httpErr.StatusCode == http.StatusForbidden:
		return OutcomePermissionDenied
	case httpErr.StatusCode == http.StatusNotFound:
		return OutcomeNotFound
	case httpErr.StatusCode == http.StatusConflict, httpErr.StatusCode == http.StatusPreconditionFailed:
		return OutcomeVersionConflict
	case httpErr.StatusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case httpErr.StatusCode == http.StatusBadRequest, httpErr.StatusCode == http.StatusUnprocessableEntity:
		return OutcomeValidation
	case httpErr.StatusCode >= 500:
		return OutcomeServerError
	case httpErr.StatusCode >= 200 && httpErr.StatusCode < 300:
		return OutcomeSuccess
	default:
		return OutcomeServerError
	}
}

// Decide returns the directive for outcome on the given 1-based attempt.
func (r Resolver) Decide(attempt int, outcome Outcome) Directive {
	canRetry := attempt < r.maxAttempts()
	switch outcome {
	case OutcomeSuccess:
		return DirectiveCommit
	case OutcomeAuthExpired:
		if canRetry {
			return DirectiveRefreshThenRetry
		}
		return DirectiveFail
	case OutcomeVersionConflict:
		if canRetry {
			return DirectiveRetry
		}
		return DirectiveConflict
	default:
		return DirectiveFail
	}
}

// Message is the user-facing text for a terminal, non-conflict outcome.
func Message(outcome Outcome, err error) string {
	switch outcome {
	case OutcomeAuthExpired:
		return "Your session has expired. Sign in again to continue."
	case OutcomePermissionDenied:
		return "You do not have permission to change this item."
	case OutcomeNotFound:
		return "This item no longer exists."
	case OutcomeRateLimited:
		return "Too many changes in a short time. Wait a moment and try again."
	case OutcomeNetworkError:
		return "Could not reach the server. Check your connection and try again."
	case OutcomeValidation:
		if detail := errorDetail(err); detail != "" {
			return "The change was rejected: " + detail
		}
		return "The change was rejected as invalid."
	case OutcomeVersionConflict:
		return defaultConflictMessage
	default:
		return "The server could not save your change. Try again later."
	}
}

// ConflictMessages normalizes whatever conflict detail the server sent into a
// non-empty list of messages.
func ConflictMessages(err error) []string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		out := make([]string, 0, len(httpErr.Messages))
		for _, msg := range httpErr.Messages {
			if msg = strings.TrimSpace(msg); msg != "" {
				out = append(out, msg)
			}
		}
		if len(out) > 0 {
			return out
		}
		if msg := strings.TrimSpace(httpErr.Message); msg != "" {
			return []string{msg}
		}
	}
	return []string{defaultConflictMessage}
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return strings.TrimSpace(httpErr.Message)
	}
	return strings.TrimSpace(err.Error())
}
