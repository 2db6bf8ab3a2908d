package models

import "time"

// LoanStatus is the stored loan state. Only two values are ever persisted;
// "overdue" is a read-time classification, never written to the database.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"

	// LoanOverdue appears only in effective-status responses and list
	// filters.
	LoanOverdue LoanStatus = "overdue"
)

// LoanDurationDays is the fixed loan period added to the loan date.
const LoanDurationDays = 14

// MaxActiveLoans is the per-user cap on concurrently active loans.
const MaxActiveLoans = 3

type Loan struct {
	ID         int        `json:"id" db:"id" example:"1"`              // Loan ID
	BookID     int        `json:"book_id" db:"book_id" example:"1"`    // Borrowed book
	UserID     int        `json:"user_id" db:"user_id" example:"1"`    // Borrowing user
	LoanDate   time.Time  `json:"loan_date" db:"loan_date"`            // Set at creation
	DueDate    time.Time  `json:"due_date" db:"due_date"`              // loan_date + 14 days
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"` // Set exactly once, at return
	Status     LoanStatus `json:"status" db:"status" example:"active"` // active or returned
}

// EffectiveStatus derives the read-time classification: a returned loan is
// returned, an active loan past its due date is overdue, anything else is
// active. The stored status is never changed by the passage of time.
func (l *Loan) EffectiveStatus(now time.Time) LoanStatus {
	if l.Status == LoanReturned {
		return LoanReturned
	}
	if l.DueDate.Before(now) {
		return LoanOverdue
	}
	return LoanActive
}
