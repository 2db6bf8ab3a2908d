package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoanEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	returned := now.AddDate(0, 0, -2)

	tests := []struct {
		name     string
		loan     Loan
		expected LoanStatus
	}{
		{
			"active before due date",
			Loan{Status: LoanActive, DueDate: now.AddDate(0, 0, 5)},
			LoanActive,
		},
		{
			"active at the due date",
			Loan{Status: LoanActive, DueDate: now},
			LoanActive,
		},
		{
			"overdue past due date",
			Loan{Status: LoanActive, DueDate: now.AddDate(0, 0, -1)},
			LoanOverdue,
		},
		{
			"returned stays returned even past due date",
			Loan{Status: LoanReturned, DueDate: now.AddDate(0, 0, -10), ReturnDate: &returned},
			LoanReturned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.loan.EffectiveStatus(now))
		})
	}
}

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"member", "librarian", "admin"} {
		role, err := ParseRole(valid)
		assert.NoError(t, err)
		assert.Equal(t, Role(valid), role)
	}

	_, err := ParseRole("superuser")
	assert.Error(t, err)
}
