package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/biblioteca/backend/internal/models"
)

// InventoryService owns each book's copy counts. Every mutation runs against
// a row locked with FOR UPDATE and commits through an optimistic version
// check, so operations on the same book serialize while different books
// proceed in parallel.
type InventoryService struct {
	db *sql.DB
}

func NewInventoryService(db *sql.DB) *InventoryService {
	return &InventoryService{db: db}
}

// ReserveCopy atomically takes one available copy of the book, opening its
// own transaction. Callers already inside a borrow transaction use
// ReserveCopyTx instead.
func (s *InventoryService) ReserveCopy(bookID int) (*models.Book, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	book, err := s.ReserveCopyTx(tx, bookID)
	if err != nil {
		return nil, err
	}

	return book, tx.Commit()
}

// ReserveCopyTx locks the book row, verifies a copy is free and decrements
// the available count in the same step. The check and the decrement share
// the row lock, so two concurrent reservations against a book with one
// remaining copy yield exactly one success and one ErrOutOfStock.
func (s *InventoryService) ReserveCopyTx(tx *sql.Tx, bookID int) (*models.Book, error) {
	book, err := s.lockBook(tx, bookID)
	if err != nil {
		return nil, err
	}

	if book.AvailableCopies <= 0 {
		return nil, ErrOutOfStock
	}

	book.AvailableCopies--
	if err := s.updateCopies(tx, book); err != nil {
		return nil, err
	}

	return book, nil
}

// ReleaseCopyTx returns one copy of the book to the shelf. An increment that
// would push available past total means the ledger and the loan table have
// diverged; it fails with ErrInvariantViolation instead of writing.
func (s *InventoryService) ReleaseCopyTx(tx *sql.Tx, bookID int) (*models.Book, error) {
	book, err := s.lockBook(tx, bookID)
	if err != nil {
		return nil, err
	}

	if book.AvailableCopies >= book.TotalCopies {
		return nil, fmt.Errorf("%w: book %d has %d of %d copies available before release",
			ErrInvariantViolation, book.ID, book.AvailableCopies, book.TotalCopies)
	}

	book.AvailableCopies++
	if err := s.updateCopies(tx, book); err != nil {
		return nil, err
	}

	return book, nil
}

func (s *InventoryService) lockBook(tx *sql.Tx, bookID int) (*models.Book, error) {
	var book models.Book
	err := tx.QueryRow(`
		SELECT id, total_copies, available_copies, version
		FROM books
		WHERE id = $1
		FOR UPDATE`, bookID).
		Scan(&book.ID, &book.TotalCopies, &book.AvailableCopies, &book.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &book, nil
}

func (s *InventoryService) updateCopies(tx *sql.Tx, book *models.Book) error {
	result, err := tx.Exec(`
		UPDATE books
		SET available_copies = $1, version = version + 1
		WHERE id = $2 AND version = $3`,
		book.AvailableCopies, book.ID, book.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for book %d", book.ID)
	}

	book.Version++
	return nil
}

// activeLoanCount counts the user's stored-active loans inside the borrow
// transaction.
func activeLoanCount(tx *sql.Tx, userID int) (int, error) {
	var count int
	err := tx.QueryRow(`
		SELECT COUNT(id) FROM loans
		WHERE user_id = $1 AND status = $2`,
		userID, models.LoanActive).Scan(&count)
	return count, err
}

// hasOverdueLoans reports whether any of the user's active loans is past its
// due date. Overdue is derived here, never read from a stored column.
func hasOverdueLoans(tx *sql.Tx, userID int, now time.Time) (bool, error) {
	var count int
	err := tx.QueryRow(`
		SELECT COUNT(id) FROM loans
		WHERE user_id = $1 AND status = $2 AND due_date < $3`,
		userID, models.LoanActive, now).Scan(&count)
	return count > 0, err
}
