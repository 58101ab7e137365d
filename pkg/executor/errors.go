package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/maestro-run/maestro/pkg/cancel"
	"github.com/maestro-run/maestro/pkg/models"
)

// TimeoutReason is the abort reason used when a task's own timeout fires.
const TimeoutReason = "Task timeout exceeded"

// Error is an execution failure with a UI-visible classification.
type Error struct {
	Kind models.ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func validationErr(format string, args ...any) *Error {
	return &Error{Kind: models.ErrKindValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFoundErr(format string, args ...any) *Error {
	return &Error{Kind: models.ErrKindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an execution error onto the error kind taxonomy. Aborts
// caused by a task timeout classify as TIMEOUT, user aborts as ABORTED.
func Classify(err error) models.ErrorKind {
	if err == nil {
		return ""
	}
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Kind
	}
	var abortErr *cancel.AbortError
	if errors.As(err, &abortErr) {
		if abortErr.Reason == TimeoutReason {
			return models.ErrKindTimeout
		}
		return models.ErrKindAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindTimeout
	}
	return models.ErrKindExecution
}
