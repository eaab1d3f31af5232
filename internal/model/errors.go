package model

import "errors"

// Category classifies engine errors for transport mapping and retry policy.
type Category int

const (
	CategoryValidation Category = iota + 1
	CategoryPolicy
	CategoryConflict
	CategoryNotFound
	CategoryStore
	CategoryIntegrity
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "validation"
	case CategoryPolicy:
		return "policy_reject"
	case CategoryConflict:
		return "conflict"
	case CategoryNotFound:
		return "not_found"
	case CategoryStore:
		return "store"
	case CategoryIntegrity:
		return "integrity_violation"
	}
	return "unknown"
}

// Error is the engine's typed error. Code is a stable machine-readable reason;
// Message is safe to show to the actor.
type Error struct {
	Category Category
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return e.Category.String() + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Reject builds a PolicyReject.
func Reject(code, message string) *Error {
	return &Error{Category: CategoryPolicy, Code: code, Message: message}
}

// NotFound builds a NotFoundError.
func NotFound(code, message string) *Error {
	return &Error{Category: CategoryNotFound, Code: code, Message: message}
}

// Conflict builds a ConflictError; the caller may retry once.
func Conflict(code string, err error) *Error {
	return &Error{Category: CategoryConflict, Code: code, Message: "concurrent update, retry", Err: err}
}

// StoreFailure wraps a transient store error.
func StoreFailure(op string, err error) *Error {
	return &Error{Category: CategoryStore, Code: "store_unavailable", Message: op, Err: err}
}

// Integrity builds an IntegrityViolation.
func Integrity(code, message string) *Error {
	return &Error{Category: CategoryIntegrity, Code: code, Message: message}
}

// Invalid builds a single-field validation error.
func Invalid(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// CategoryOf returns the category of err. Unclassified errors count as store
// errors so they are never mistaken for success.
func CategoryOf(err error) Category {
	if err == nil {
		return 0
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CategoryValidation
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryStore
}

// CodeOf returns the stable reason code for err, if it carries one.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "invalid_input"
	}
	return ""
}

// IsRejection reports whether err is an expected business rejection.
func IsRejection(err error) bool { return CategoryOf(err) == CategoryPolicy }

// IsRetryable reports whether the operation may succeed if repeated.
func IsRetryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryConflict, CategoryStore:
		return true
	}
	return false
}

// Reason strings shared by gate, ledger and referral rejections.
const (
	ReasonCooldown         = "cooldown"
	ReasonWeeklyCap        = "weekly_cap"
	ReasonSeasonClosed     = "season_closed"
	ReasonAccountSuspended = "account_suspended"
	ReasonRateLimit        = "rate_limit"
	ReasonContentQuality   = "content_quality"
	ReasonPoCRequired      = "poc_required"
	ReasonDuplicate        = "duplicate"
	ReasonTargetCooldown   = "target_cooldown"
	ReasonInvalidCode      = "invalid_code"
	ReasonSelfReferral     = "self_referral"
	ReasonCircularReferral = "circular_referral"
	ReasonAlreadyReferred  = "already_referred"
	ReasonReferralBlocked  = "referral_not_accepted"
	ReasonJobRunning       = "job_running"
	ReasonUnknownActor     = "unknown_actor"
)

// MessageNotAccepted is the only detail shown to actors rejected on
// fraud or quality grounds.
const MessageNotAccepted = "submission not accepted"
