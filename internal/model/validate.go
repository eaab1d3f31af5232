package model

import (
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

const (
	maxActorIDLen  = 128
	maxMetadataLen = 32
)

// ValidateActorID checks an actor identifier.
func ValidateActorID(field, id string) error {
	var ve ValidationError
	validateActor(&ve, field, id)
	return ve.orNil()
}

func validateActor(ve *ValidationError, field, id string) {
	switch {
	case strings.TrimSpace(id) == "":
		ve.add(field, "is required")
	case len(id) > maxActorIDLen:
		ve.add(field, "must be %d characters or fewer", maxActorIDLen)
	case strings.ContainsAny(id, " \t\r\n"):
		ve.add(field, "must not contain whitespace")
	}
}

// ValidateEmit checks an externally submitted event and resolves its kind.
// Internal kinds are engine-generated and cannot be emitted by callers.
func ValidateEmit(actorID, kindName string, metadata map[string]string) (EventKind, error) {
	var ve ValidationError
	validateActor(&ve, "actor_id", actorID)

	kind, err := ParseEventKind(kindName)
	if err != nil {
		ve.add("event_kind", "invalid value %q", kindName)
	} else if kind.Spec().Internal {
		ve.add("event_kind", "%q is generated by the engine", kindName)
	}

	if len(metadata) > maxMetadataLen {
		ve.add("metadata", "must have %d entries or fewer", maxMetadataLen)
	}
	return kind, ve.orNil()
}

// ValidateSubmission checks the shape of a gate candidate. Content-quality
// rules are policy, not validation, and live in the gate.
func ValidateSubmission(s *Submission) error {
	var ve ValidationError
	validateActor(&ve, "actor_id", s.ActorID)
	if strings.TrimSpace(s.Target) == "" {
		ve.add("target", "is required")
	}
	if strings.TrimSpace(s.Title) == "" {
		ve.add("title", "is required")
	}
	if !s.Severity.IsValid() {
		ve.add("severity", "invalid value %q", s.Severity)
	}
	return ve.orNil()
}

// ValidateParticipant checks registration signals.
func ValidateParticipant(p *Participant) error {
	var ve ValidationError
	validateActor(&ve, "actor_id", p.ActorID)
	if len(p.IPAddress) > 64 {
		ve.add("ip_address", "must be 64 characters or fewer")
	}
	return ve.orNil()
}

// ValidateSeason checks a season number.
func ValidateSeason(season int) error {
	if season < 1 {
		return Invalid("season", fmt.Sprintf("must be positive, got %d", season))
	}
	return nil
}
