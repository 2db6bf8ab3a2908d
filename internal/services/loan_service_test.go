package services

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/biblioteca/backend/internal/middleware"
	"github.com/biblioteca/backend/internal/models"
)

func TestLoanService_Borrow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLoanService(db)
	member := models.Actor{ID: 7, Role: models.RoleMember}

	t.Run("successful borrow", func(t *testing.T) {
		mock.ExpectBegin()

		// User lock first, then eligibility, then the book lock.
		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans").
			WithArgs(7, models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans").
			WithArgs(7, models.LoanActive, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		mock.ExpectQuery("SELECT id, total_copies, available_copies, version").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"id", "total_copies", "available_copies", "version"}).
				AddRow(3, 2, 2, 1))

		mock.ExpectExec("UPDATE books").
			WithArgs(1, 3, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("INSERT INTO loans").
			WithArgs(3, 7, sqlmock.AnyArg(), sqlmock.AnyArg(), models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		mock.ExpectCommit()

		loan, err := service.Borrow(member, 3)
		assert.NoError(t, err)
		assert.Equal(t, 42, loan.ID)
		assert.Equal(t, models.LoanActive, loan.Status)
		assert.Nil(t, loan.ReturnDate)
		assert.Equal(t, loan.LoanDate.AddDate(0, 0, models.LoanDurationDays), loan.DueDate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loan limit reached regardless of availability", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans").
			WithArgs(7, models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		// The book is never even looked at.
		mock.ExpectRollback()

		_, err := service.Borrow(member, 3)
		assert.ErrorIs(t, err, ErrExceedsLoanLimit)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overdue loans block borrowing", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans").
			WithArgs(7, models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans").
			WithArgs(7, models.LoanActive, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		mock.ExpectRollback()

		_, err := service.Borrow(member, 3)
		assert.ErrorIs(t, err, ErrHasOverdueLoans)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no copies available", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans").
			WithArgs(7, models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans").
			WithArgs(7, models.LoanActive, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		mock.ExpectQuery("SELECT id, total_copies, available_copies, version").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"id", "total_copies", "available_copies", "version"}).
				AddRow(3, 2, 0, 4))

		mock.ExpectRollback()

		_, err := service.Borrow(member, 3)
		assert.ErrorIs(t, err, ErrOutOfStock)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		mock.ExpectRollback()

		_, err := service.Borrow(member, 3)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoanService_Return(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLoanService(db)
	owner := models.Actor{ID: 7, Role: models.RoleMember}
	librarian := models.Actor{ID: 9, Role: models.RoleLibrarian}
	loanDate := time.Now().UTC().AddDate(0, 0, -3)
	dueDate := loanDate.AddDate(0, 0, models.LoanDurationDays)

	activeLoanRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "book_id", "user_id", "loan_date", "due_date", "return_date", "status"}).
			AddRow(42, 3, 7, loanDate, dueDate, nil, models.LoanActive)
	}

	t.Run("successful return by owner", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, book_id, user_id, loan_date, due_date, return_date, status").
			WithArgs(42).
			WillReturnRows(activeLoanRows())

		mock.ExpectExec("UPDATE loans").
			WithArgs(models.LoanReturned, sqlmock.AnyArg(), 42, models.LoanActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("SELECT id, total_copies, available_copies, version").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"id", "total_copies", "available_copies", "version"}).
				AddRow(3, 2, 1, 6))

		mock.ExpectExec("UPDATE books").
			WithArgs(2, 3, 6).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		loan, err := service.Return(owner, 42)
		assert.NoError(t, err)
		assert.Equal(t, models.LoanReturned, loan.Status)
		assert.NotNil(t, loan.ReturnDate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("librarian returns another user's loan", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, book_id, user_id, loan_date, due_date, return_date, status").
			WithArgs(42).
			WillReturnRows(activeLoanRows())

		mock.ExpectExec("UPDATE loans").
			WithArgs(models.LoanReturned, sqlmock.AnyArg(), 42, models.LoanActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectQuery("SELECT id, total_copies, available_copies, version").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"id", "total_copies", "available_copies", "version"}).
				AddRow(3, 2, 1, 8))

		mock.ExpectExec("UPDATE books").
			WithArgs(2, 3, 8).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		loan, err := service.Return(librarian, 42)
		assert.NoError(t, err)
		assert.Equal(t, models.LoanReturned, loan.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("member cannot return another user's loan", func(t *testing.T) {
		stranger := models.Actor{ID: 8, Role: models.RoleMember}

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, book_id, user_id, loan_date, due_date, return_date, status").
			WithArgs(42).
			WillReturnRows(activeLoanRows())

		mock.ExpectRollback()

		_, err := service.Return(stranger, 42)
		assert.ErrorIs(t, err, ErrForbidden)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("double return releases the copy only once", func(t *testing.T) {
		returnDate := time.Now().UTC()

		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, book_id, user_id, loan_date, due_date, return_date, status").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"id", "book_id", "user_id", "loan_date", "due_date", "return_date", "status"}).
				AddRow(42, 3, 7, loanDate, dueDate, returnDate, models.LoanReturned))

		// No UPDATE on loans or books: the copy was already released.
		mock.ExpectRollback()

		_, err := service.Return(owner, 42)
		assert.ErrorIs(t, err, ErrAlreadyReturned)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loan not found", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT id, book_id, user_id, loan_date, due_date, return_date, status").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"id", "book_id", "user_id", "loan_date", "due_date", "return_date", "status"}))

		mock.ExpectRollback()

		_, err := service.Return(owner, 99)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLoanService_GetLoanStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLoanService(db)

	t.Run("overdue is derived, stored status stays active", func(t *testing.T) {
		loanDate := time.Now().UTC().AddDate(0, 0, -20)
		dueDate := loanDate.AddDate(0, 0, models.LoanDurationDays)

		mock.ExpectQuery("SELECT id, book_id, user_id, loan_date, due_date, return_date, status").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"id", "book_id", "user_id", "loan_date", "due_date", "return_date", "status"}).
				AddRow(42, 3, 7, loanDate, dueDate, nil, models.LoanActive))

		r := chi.NewRouter()
		r.Get("/loans/{loanID}/status", service.GetLoanStatus)

		req := httptest.NewRequest("GET", "/loans/42/status", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response LoanStatusResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, models.LoanActive, response.Status)
		assert.Equal(t, models.LoanOverdue, response.EffectiveStatus)
		assert.Nil(t, response.ReturnDate)
	})

	t.Run("loan not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, book_id, user_id, loan_date, due_date, return_date, status").
			WithArgs(99).
			WillReturnError(sql.ErrNoRows)

		r := chi.NewRouter()
		r.Get("/loans/{loanID}/status", service.GetLoanStatus)

		req := httptest.NewRequest("GET", "/loans/99/status", nil)
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestLoanService_CreateLoanHandler(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLoanService(db)

	t.Run("rejects invalid body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/loans", nil)
		req = req.WithContext(middleware.WithActor(req.Context(),
			models.Actor{ID: 7, Role: models.RoleMember}))
		w := httptest.NewRecorder()

		service.CreateLoan(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects unauthenticated request", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/loans", nil)
		w := httptest.NewRecorder()

		service.CreateLoan(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
