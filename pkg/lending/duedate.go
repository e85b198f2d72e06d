package lending

import (
	"math"
	"time"

	"library-lending/pkg/models"
)

// Loan standings produced by DaysRemaining. "due" carries a day count, the
// other two do not.
const (
	StandingReturned = "returned"
	StandingOverdue  = "overdue"
	StandingDue      = "due"
)

// DaysRemaining classifies a loan at read time. It is pure: the reference
// instant is an explicit argument, so the classification is deterministic
// and testable without a datastore. No overdue state is ever stored.
func DaysRemaining(now, loanDate, returnDate time.Time, status models.LoanStatus) (standing string, days int) {
	if status == models.LoanInStock {
		return StandingReturned, 0
	}
	if returnDate.Before(now) {
		return StandingOverdue, 0
	}
	remaining := returnDate.Sub(now)
	return StandingDue, int(math.Ceil(remaining.Hours() / 24))
}
