package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/biblioteca/backend/internal/middleware"
	"github.com/biblioteca/backend/internal/models"
)

func bookRouter(service *BookService) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/books", service.CreateBook)
	r.Put("/books/{bookID}", service.UpdateBook)
	r.Delete("/books/{bookID}", service.DeleteBook)
	return r
}

func bookRows(total, available int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "isbn", "title", "author", "publisher", "year",
		"category_id", "total_copies", "available_copies", "created_at"}).
		AddRow(3, "9780441172719", "Dune", "Frank Herbert", "Ace", 1965, 1, total, available, time.Now())
}

func TestBookService_CreateBook(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewBookService(db)
	r := bookRouter(service)
	librarian := models.Actor{ID: 2, Role: models.RoleLibrarian}

	createReq := BookCreateRequest{
		ISBN:        "9780441172719",
		Title:       "Dune",
		Author:      "Frank Herbert",
		Publisher:   "Ace",
		Year:        1965,
		CategoryID:  1,
		TotalCopies: 3,
	}

	t.Run("available copies start equal to total", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO books").
			WithArgs("9780441172719", "Dune", "Frank Herbert", "Ace", 1965, 1, 3).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

		mock.ExpectQuery("total_copies, available_copies, created_at").
			WithArgs(3).
			WillReturnRows(bookRows(3, 3))

		req := httptest.NewRequest("POST", "/books", jsonBody(t, createReq))
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var book models.Book
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
		assert.Equal(t, 3, book.TotalCopies)
		assert.Equal(t, 3, book.AvailableCopies)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate ISBN", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO books").
			WithArgs("9780441172719", "Dune", "Frank Herbert", "Ace", 1965, 1, 3).
			WillReturnError(&pq.Error{Code: "23505"})

		req := httptest.NewRequest("POST", "/books", jsonBody(t, createReq))
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("member cannot create books", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/books", jsonBody(t, createReq))
		req = req.WithContext(middleware.WithActor(req.Context(),
			models.Actor{ID: 7, Role: models.RoleMember}))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/books",
			jsonBody(t, map[string]any{"isbn": "9780441172719", "title": "Dune",
				"author": "Frank Herbert", "category_id": 1, "total_copies": 3,
				"available_copies": 99}))
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestBookService_UpdateBook(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewBookService(db)
	r := bookRouter(service)
	librarian := models.Actor{ID: 2, Role: models.RoleLibrarian}

	lockedRows := func(total, available, version int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "isbn", "title", "author", "publisher", "year",
			"category_id", "total_copies", "available_copies", "version"}).
			AddRow(3, "9780441172719", "Dune", "Frank Herbert", "Ace", 1965, 1, total, available, version)
	}

	t.Run("raising total raises available by the delta", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("FOR UPDATE").
			WithArgs(3).
			WillReturnRows(lockedRows(3, 1, 4))

		mock.ExpectExec("UPDATE books").
			WithArgs("Dune", "Frank Herbert", "Ace", 1965, 1, 5, 3, 3, 4).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		mock.ExpectQuery("total_copies, available_copies, created_at").
			WithArgs(3).
			WillReturnRows(bookRows(5, 3))

		five := 5
		req := httptest.NewRequest("PUT", "/books/3", jsonBody(t, BookUpdateRequest{TotalCopies: &five}))
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var book models.Book
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
		assert.Equal(t, 5, book.TotalCopies)
		assert.Equal(t, 3, book.AvailableCopies)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("dropping total below outstanding loans clamps available at zero", func(t *testing.T) {
		// 5 total, 1 available: 4 copies out on loan. Dropping to 2 leaves
		// available at 0, not -2.
		mock.ExpectBegin()

		mock.ExpectQuery("FOR UPDATE").
			WithArgs(3).
			WillReturnRows(lockedRows(5, 1, 9))

		mock.ExpectExec("UPDATE books").
			WithArgs("Dune", "Frank Herbert", "Ace", 1965, 1, 2, 0, 3, 9).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		mock.ExpectQuery("total_copies, available_copies, created_at").
			WithArgs(3).
			WillReturnRows(bookRows(2, 0))

		two := 2
		req := httptest.NewRequest("PUT", "/books/3", jsonBody(t, BookUpdateRequest{TotalCopies: &two}))
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("book not found", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("FOR UPDATE").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"id", "isbn", "title", "author", "publisher",
				"year", "category_id", "total_copies", "available_copies", "version"}))

		mock.ExpectRollback()

		title := "Dune Messiah"
		req := httptest.NewRequest("PUT", "/books/99", jsonBody(t, BookUpdateRequest{Title: &title}))
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("member cannot update books", func(t *testing.T) {
		title := "Dune Messiah"
		req := httptest.NewRequest("PUT", "/books/3", jsonBody(t, BookUpdateRequest{Title: &title}))
		req = req.WithContext(middleware.WithActor(req.Context(),
			models.Actor{ID: 7, Role: models.RoleMember}))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestBookService_DeleteBook(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewBookService(db)
	r := bookRouter(service)
	librarian := models.Actor{ID: 2, Role: models.RoleLibrarian}

	t.Run("successful delete", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans WHERE book_id").
			WithArgs(3, models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		mock.ExpectExec("DELETE FROM books").
			WithArgs(3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := httptest.NewRequest("DELETE", "/books/3", nil)
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected while loans are active", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans WHERE book_id").
			WithArgs(3, models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		// No DELETE may be issued.
		req := httptest.NewRequest("DELETE", "/books/3", nil)
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("book not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(id\\) FROM loans WHERE book_id").
			WithArgs(99, models.LoanActive).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		mock.ExpectExec("DELETE FROM books").
			WithArgs(99).
			WillReturnResult(sqlmock.NewResult(0, 0))

		req := httptest.NewRequest("DELETE", "/books/99", nil)
		req = req.WithContext(middleware.WithActor(req.Context(), librarian))
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
