package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
)

// ErrStaleVersion means the CAR changed between load and save.
var ErrStaleVersion = models.ErrStaleVersion

// ValidationError reports missing or malformed fields, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func newValidationError(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// PreconditionError is a transition refused because of status or role.
type PreconditionError struct {
	Transition string
	Reason     string
	// Forbidden is set when the actor's role, not the CAR's status, blocked the transition.
	Forbidden bool
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Transition, e.Reason)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return utils.ErrorRecordNotFound }

// CollaboratorError wraps a failure in persistence or another collaborator.
// Nothing from the attempted operation was committed.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func collaboratorErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return err
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return err
	}
	return &CollaboratorError{Op: op, Err: err}
}
