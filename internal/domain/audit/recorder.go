package audit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// Sink is the only audit surface the kernel consumes.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// InvariantViolationError reports an event that is missing mandatory
// fields. Nothing is written when it is returned.
type InvariantViolationError struct {
	Fields []string
}

func (e *InvariantViolationError) Error() string {
	return "audit event invariant violated: invalid " + strings.Join(e.Fields, ", ")
}

// WriteError reports that the underlying store rejected or failed to
// accept an event.
type WriteError struct {
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write failed: %v", e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// Recorder is the validating front door of the ledger. It exposes only
// Record; there is no enumeration, update or delete.
type Recorder struct {
	next     Appender
	validate *validator.Validate
}

// NewRecorder creates a Recorder that appends to next.
func NewRecorder(next Appender) *Recorder {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.ToLower(f.Name)
	})
	return &Recorder{next: next, validate: v}
}

// Record validates event, redacts sensitive details and appends it.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.next == nil {
		return &WriteError{Cause: errors.New("audit recorder not initialised")}
	}
	if err := r.Validate(event); err != nil {
		return err
	}
	event.Timestamp = event.Timestamp.UTC()
	event.Details = RedactDetails(event.Details)
	if err := r.next.Append(ctx, event); err != nil {
		return &WriteError{Cause: err}
	}
	return nil
}

// Validate checks the mandatory fields of event.
func (r *Recorder) Validate(event Event) error {
	err := r.validate.Struct(event)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			fields = append(fields, fe.Field())
		}
		return &InvariantViolationError{Fields: fields}
	}
	return &InvariantViolationError{Fields: []string{err.Error()}}
}

// Compile-time interface verification.
var _ Sink = (*Recorder)(nil)
