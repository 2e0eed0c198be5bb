package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/SilentHawker/AML-platform/internal/ledger"
	"github.com/SilentHawker/AML-platform/internal/review"
	"github.com/SilentHawker/AML-platform/internal/session"
	"github.com/SilentHawker/AML-platform/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var unresolved *ledger.UnresolvedReviewError
	if errors.As(err, &unresolved) {
		return http.StatusConflict, "REVIEW_UNRESOLVED", "All changes must be accepted, rejected or modified before finalizing",
			map[string]any{"pending": unresolved.Pending}
	}
	var empty *review.EmptyReplacementError
	if errors.As(err, &empty) {
		return http.StatusUnprocessableEntity, "EMPTY_REPLACEMENT", "Modified text must not be empty",
			map[string]any{"changeId": empty.ChangeID}
	}
	var transition *review.TransitionError
	if errors.As(err, &transition) {
		return http.StatusConflict, "INVALID_TRANSITION", transition.Message,
			map[string]any{"from": transition.From, "to": transition.To}
	}

	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrVersionNotFound),
		errors.Is(err, review.ErrChangeNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, session.ErrLocked):
		return http.StatusLocked, "REVIEW_LOCKED", "Another review session holds this policy", nil
	case errors.Is(err, ledger.ErrReviewInProgress):
		return http.StatusConflict, "REVIEW_IN_PROGRESS", "A review is already pending for this policy", nil
	case errors.Is(err, ledger.ErrNoPendingReview):
		return http.StatusConflict, "NO_PENDING_REVIEW", "No review is pending for this policy", nil
	case errors.Is(err, ledger.ErrStaleReview), errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, review.ErrUnknownAction),
		errors.Is(err, review.ErrMissingOriginal),
		errors.Is(err, review.ErrInvalidStatus),
		errors.Is(err, review.ErrModifiedTextState),
		errors.Is(err, review.ErrDuplicateID):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
