package services

import (
	"database/sql"
	"time"
)

// checkEligibility applies the per-user borrowing rules inside the borrow
// transaction: fewer than maxActive stored-active loans and no overdue
// loans. It must run after lockUser so that two concurrent borrows by the
// same user cannot both read the same loan count.
func checkEligibility(tx *sql.Tx, userID int, maxActive int, now time.Time) error {
	active, err := activeLoanCount(tx, userID)
	if err != nil {
		return err
	}
	if active >= maxActive {
		return ErrExceedsLoanLimit
	}

	overdue, err := hasOverdueLoans(tx, userID, now)
	if err != nil {
		return err
	}
	if overdue {
		return ErrHasOverdueLoans
	}

	return nil
}

// lockUser serializes borrows per user by locking the user's row for the
// duration of the transaction. It is always acquired before the book row
// lock; the fixed user-then-book order prevents deadlocks between
// concurrent borrows.
func lockUser(tx *sql.Tx, userID int) error {
	var id int
	err := tx.QueryRow(`SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}
