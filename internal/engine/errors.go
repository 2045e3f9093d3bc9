package engine

import (
	"errors"
	"fmt"

	"stageline/internal/template"
)

// Kind classifies workflow errors for callers and transports.
type Kind string

const (
	KindConfiguration          Kind = "ConfigurationError"
	KindInvalidCurrentStage    Kind = "InvalidCurrentStage"
	KindInvalidTargetStage     Kind = "InvalidTargetStage"
	KindIllegalTransition      Kind = "IllegalTransition"
	KindGateNotApproved        Kind = "GateNotApproved"
	KindGateNotRequired        Kind = "GateNotRequired"
	KindReasonTooShort         Kind = "ReasonTooShort"
	KindGateNotFound           Kind = "GateNotFound"
	KindContactInactiveMissing Kind = "ContactInactiveOrMissing"
	KindDuplicateAssignment    Kind = "DuplicateAssignment"
	KindGateDependenciesUnmet  Kind = "GateDependenciesUnmet"
	KindGateSequenceViolation  Kind = "GateSequenceViolation"
	KindGateAlreadyApproved    Kind = "GateAlreadyApproved"
	KindProjectNotFound        Kind = "ProjectNotFound"
	KindConcurrentModification Kind = "ConcurrentModification"
	KindInvalidInput           Kind = "InvalidInput"
)

type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, details map[string]any, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Details: details}
}

// KindOf returns the kind of a workflow error, or "" for anything else.
// Template validation failures report KindConfiguration.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var cfgErr *template.ConfigError
	if errors.As(err, &cfgErr) {
		return KindConfiguration
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// resultLabel is the metrics label for an operation outcome.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if k := KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}
