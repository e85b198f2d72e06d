package lending

import (
	"errors"
	"log"
)

// Kind classifies a lending failure so the HTTP layer can pick a status code
// without parsing messages.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindConflict
	KindAuthorization
	KindInternal
)

// Error carries a kind plus a human-readable, per-cause message. Every
// lifecycle operation returns either nil or an *Error; nothing else crosses
// the package boundary.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrUnauthenticated = &Error{KindAuthorization, "authentication required"}
	ErrForbidden       = &Error{KindAuthorization, "insufficient role for this action"}

	ErrTitleNotFound        = &Error{KindNotFound, "book title not found"}
	ErrRequestNotFound      = &Error{KindNotFound, "loan request not found"}
	ErrNotificationNotFound = &Error{KindNotFound, "notification not found"}

	ErrBookUnavailable = &Error{KindConflict, "book is not available, out of stock"}
	ErrAlreadyHeld     = &Error{KindConflict, "user already holds or has already requested this book"}
	ErrNoAvailableCopy = &Error{KindConflict, "no copy of this book is currently available"}
	ErrNotIssued       = &Error{KindConflict, "no issued loan found for this user and book"}
	ErrRequestDecided  = &Error{KindConflict, "loan request has already been decided"}
	ErrRequestMismatch = &Error{KindConflict, "loan request does not belong to this user and book"}

	ErrInvalidRating = &Error{KindValidation, "rating must be between 1 and 5"}
	ErrMissingInput  = &Error{KindValidation, "missing required input"}

	errDepositUpdate = &Error{KindInternal, "security deposit could not be deactivated"}
	errRequestUpdate = &Error{KindInternal, "loan request could not be updated"}
)

// convert passes through lending errors and collapses anything else (driver
// faults, context timeouts) into a generic internal error so storage details
// never leak to callers. The cause is logged here.
func convert(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	log.Printf("lending: internal error: %v", err)
	return &Error{KindInternal, "internal storage error"}
}
