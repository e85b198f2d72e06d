package lending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"library-lending/pkg/models"
)

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name       string
		loanDate   time.Time
		returnDate time.Time
		status     models.LoanStatus
		standing   string
		days       int
	}{
		{
			name:       "returned loan has no countdown",
			loanDate:   now.Add(-10 * day),
			returnDate: now.Add(-2 * day),
			status:     models.LoanInStock,
			standing:   StandingReturned,
		},
		{
			name:       "past due date is overdue",
			loanDate:   now.Add(-10 * day),
			returnDate: now.Add(-1 * day),
			status:     models.LoanIssued,
			standing:   StandingOverdue,
		},
		{
			name:       "five full days left",
			loanDate:   now.Add(-1 * day),
			returnDate: now.Add(5 * day),
			status:     models.LoanIssued,
			standing:   StandingDue,
			days:       5,
		},
		{
			name:       "partial day rounds up",
			loanDate:   now.Add(-1 * day),
			returnDate: now.Add(4*day + time.Hour),
			status:     models.LoanIssued,
			standing:   StandingDue,
			days:       5,
		},
		{
			name:       "due this instant",
			loanDate:   now.Add(-20 * day),
			returnDate: now,
			status:     models.LoanIssued,
			standing:   StandingDue,
			days:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			standing, days := DaysRemaining(now, tt.loanDate, tt.returnDate, tt.status)
			assert.Equal(t, tt.standing, standing)
			assert.Equal(t, tt.days, days)
		})
	}
}
