package subscription

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every *ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is matched by every *NotFoundError
	ErrNotFound = errors.New("not found")

	// ErrConflict is matched by every *ConflictError
	ErrConflict = errors.New("conflict")

	// ErrUpstream is matched by every *UpstreamError
	ErrUpstream = errors.New("payment provider error")

	// ErrInvalidSignature is matched by every *SignatureError
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrSubscriptionNotFound is returned by stores when the user has no subscription
	ErrSubscriptionNotFound error = &NotFoundError{Resource: "subscription"}

	// ErrUnknownPlan is returned for a plan that is not in the catalog
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrInvalidEvent is returned for webhook events missing id or type
	ErrInvalidEvent = errors.New("invalid event")

	// ErrGatewayNotConfigured is returned when no gateway is registered for a provider
	ErrGatewayNotConfigured = errors.New("payment gateway not configured")

	// ErrStoreUnavailable is returned when a required store is missing
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Kind classifies an error for transport layers
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
	KindSignature
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindSignature:
		return "signature"
	default:
		return "internal"
	}
}

// KindOf returns the Kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidSignature):
		return KindSignature
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnknownPlan), errors.Is(err, ErrInvalidEvent):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	default:
		return KindInternal
	}
}

// ValidationError reports bad input
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports a missing subscription or user
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return t.Resource == e.Resource && (t.ID == "" || t.ID == e.ID)
}

// ConflictError reports a status transition outside the allowed edge set
type ConflictError struct {
	From   Status
	To     Status
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// UpstreamError wraps a failed payment gateway call
type UpstreamError struct {
	Provider string
	Op       string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// SignatureError reports a webhook that failed verification
type SignatureError struct {
	Provider string
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s webhook signature rejected: %s", e.Provider, e.Reason)
}

func (e *SignatureError) Is(target error) bool {
	return target == ErrInvalidSignature
}
