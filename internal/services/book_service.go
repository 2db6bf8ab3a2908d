package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	"github.com/biblioteca/backend/internal/middleware"
	"github.com/biblioteca/backend/internal/models"
)

// BookService owns catalog management. Copy counts are initialized here
// (available = total on creation) but afterwards only the inventory ledger
// writes available_copies, except for the total_copies edit below.
type BookService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// BookCreateRequest is the catalog creation payload.
// @Description Book creation structure
type BookCreateRequest struct {
	ISBN        string `json:"isbn" validate:"required,min=10,max=13" example:"9780441172719"`
	Title       string `json:"title" validate:"required,max=255" example:"Dune"`
	Author      string `json:"author" validate:"required,max=255" example:"Frank Herbert"`
	Publisher   string `json:"publisher,omitempty" validate:"max=255"`
	Year        int    `json:"year,omitempty" validate:"omitempty,gte=1000,lte=9999"`
	CategoryID  int    `json:"category_id" validate:"required,gt=0"`
	TotalCopies int    `json:"total_copies" validate:"required,gte=0" example:"3"`
}

// BookUpdateRequest is the catalog update payload. available_copies is not
// accepted: it is owned by the loan engine.
// @Description Book update structure
type BookUpdateRequest struct {
	Title       *string `json:"title,omitempty" validate:"omitempty,min=1,max=255"`
	Author      *string `json:"author,omitempty" validate:"omitempty,min=1,max=255"`
	Publisher   *string `json:"publisher,omitempty" validate:"omitempty,max=255"`
	Year        *int    `json:"year,omitempty" validate:"omitempty,gte=1000,lte=9999"`
	CategoryID  *int    `json:"category_id,omitempty" validate:"omitempty,gt=0"`
	TotalCopies *int    `json:"total_copies,omitempty" validate:"omitempty,gte=0"`
}

// BookListResponse is a paginated book list.
// @Description Paginated book list
type BookListResponse struct {
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
	Books []models.Book `json:"books"`
}

func NewBookService(db *sql.DB) *BookService {
	return &BookService{db: db, validator: NewValidationHelper()}
}

// ListBooks lists the catalog
// @Summary List books
// @Description Paginated catalog with search and availability filters
// @Tags books
// @Produce json
// @Param search query string false "Match against title, author or ISBN"
// @Param category_id query int false "Filter by category"
// @Param available query bool false "true = has available copies"
// @Param page query int false "Page number"
// @Param limit query int false "Items per page"
// @Success 200 {object} BookListResponse
// @Router /books [get]
func (bs *BookService) ListBooks(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 10)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 10
	}

	where := ""
	args := []any{}
	appendCond := func(expr string, arg any) {
		args = append(args, arg)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(expr, len(args))
	}

	if v := r.URL.Query().Get("search"); v != "" {
		appendCond("(title ILIKE $%[1]d OR author ILIKE $%[1]d OR isbn ILIKE $%[1]d)", "%"+v+"%")
	}
	if v := r.URL.Query().Get("category_id"); v != "" {
		categoryID, err := strconv.Atoi(v)
		if err != nil {
			SendErrorResponse(w, "Invalid category_id filter", http.StatusBadRequest, nil)
			return
		}
		appendCond("category_id = $%d", categoryID)
	}
	if v := r.URL.Query().Get("available"); v != "" {
		switch v {
		case "true":
			where += cond(where) + "available_copies > 0"
		case "false":
			where += cond(where) + "available_copies = 0"
		default:
			SendErrorResponse(w, "Invalid available filter", http.StatusBadRequest, nil)
			return
		}
	}

	var total int
	if err := bs.db.QueryRow("SELECT COUNT(id) FROM books"+where, args...).Scan(&total); err != nil {
		WriteEngineError(w, err)
		return
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := bs.db.Query(fmt.Sprintf(`
		SELECT id, isbn, title, author, publisher, year, category_id,
		       total_copies, available_copies, created_at
		FROM books`+where+`
		ORDER BY title
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	defer rows.Close()

	books := []models.Book{}
	for rows.Next() {
		var b models.Book
		if err := rows.Scan(&b.ID, &b.ISBN, &b.Title, &b.Author, &b.Publisher, &b.Year,
			&b.CategoryID, &b.TotalCopies, &b.AvailableCopies, &b.CreatedAt); err != nil {
			WriteEngineError(w, err)
			return
		}
		books = append(books, b)
	}
	if err := rows.Err(); err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, BookListResponse{Total: total, Page: page, Limit: limit, Books: books})
}

func cond(where string) string {
	if where == "" {
		return " WHERE "
	}
	return " AND "
}

// GetBook fetches one book
// @Summary Get book details
// @Tags books
// @Produce json
// @Param bookID path int true "Book ID"
// @Success 200 {object} models.Book
// @Failure 404 {object} ErrorResponse "Book not found"
// @Router /books/{bookID} [get]
func (bs *BookService) GetBook(w http.ResponseWriter, r *http.Request) {
	bookID, err := strconv.Atoi(chi.URLParam(r, "bookID"))
	if err != nil {
		SendErrorResponse(w, "Invalid book ID", http.StatusBadRequest, nil)
		return
	}

	book, err := bs.fetchBook(bookID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, book)
}

// CreateBook adds a book to the catalog
// @Summary Create book
// @Description Librarian/admin only; available copies start equal to total
// @Tags books
// @Accept json
// @Produce json
// @Param request body BookCreateRequest true "Book data"
// @Success 201 {object} models.Book
// @Failure 403 {object} ErrorResponse "Catalog management required"
// @Failure 409 {object} ErrorResponse "ISBN already exists"
// @Router /books [post]
func (bs *BookService) CreateBook(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionManageCatalog, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req BookCreateRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := bs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var bookID int
	err := bs.db.QueryRow(`
		INSERT INTO books (isbn, title, author, publisher, year, category_id,
		                   total_copies, available_copies, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
		RETURNING id`,
		req.ISBN, req.Title, req.Author, req.Publisher, req.Year, req.CategoryID,
		req.TotalCopies).Scan(&bookID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			SendErrorResponse(w, "ISBN already exists", http.StatusConflict, nil)
			return
		}
		WriteEngineError(w, err)
		return
	}

	log.Printf("[BOOK] Book %d created by %d: %s (%s), %d copies", bookID, actor.ID, req.Title, req.ISBN, req.TotalCopies)

	book, err := bs.fetchBook(bookID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, book)
}

// UpdateBook edits catalog fields
// @Summary Update book
// @Description Librarian/admin only. A total_copies change shifts
// @Description available_copies by the same delta, clamped at zero; the
// @Description deficit recovers as outstanding loans are returned.
// @Tags books
// @Accept json
// @Produce json
// @Param bookID path int true "Book ID"
// @Param request body BookUpdateRequest true "Fields to update"
// @Success 200 {object} models.Book
// @Failure 403 {object} ErrorResponse "Catalog management required"
// @Failure 404 {object} ErrorResponse "Book not found"
// @Router /books/{bookID} [put]
func (bs *BookService) UpdateBook(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionManageCatalog, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	bookID, err := strconv.Atoi(chi.URLParam(r, "bookID"))
	if err != nil {
		SendErrorResponse(w, "Invalid book ID", http.StatusBadRequest, nil)
		return
	}

	// available_copies is not an accepted field; unknown keys fail the decode
	// so a client cannot try to write it directly.
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req BookUpdateRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := bs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := bs.db.Begin()
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	defer tx.Rollback()

	// The copy-count edit shares the book row lock with the loan engine so
	// it cannot interleave with a reservation.
	var book models.Book
	err = tx.QueryRow(`
		SELECT id, isbn, title, author, publisher, year, category_id,
		       total_copies, available_copies, version
		FROM books
		WHERE id = $1
		FOR UPDATE`, bookID).
		Scan(&book.ID, &book.ISBN, &book.Title, &book.Author, &book.Publisher, &book.Year,
			&book.CategoryID, &book.TotalCopies, &book.AvailableCopies, &book.Version)
	if err == sql.ErrNoRows {
		WriteEngineError(w, ErrNotFound)
		return
	}
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	if req.Title != nil {
		book.Title = *req.Title
	}
	if req.Author != nil {
		book.Author = *req.Author
	}
	if req.Publisher != nil {
		book.Publisher = *req.Publisher
	}
	if req.Year != nil {
		book.Year = *req.Year
	}
	if req.CategoryID != nil {
		book.CategoryID = *req.CategoryID
	}
	if req.TotalCopies != nil && *req.TotalCopies != book.TotalCopies {
		// Shift available by the delta, clamped at zero. Dropping total
		// below the active-loan count leaves available at zero until
		// enough loans come back.
		delta := *req.TotalCopies - book.TotalCopies
		book.AvailableCopies += delta
		if book.AvailableCopies < 0 {
			book.AvailableCopies = 0
		}
		if book.AvailableCopies > *req.TotalCopies {
			book.AvailableCopies = *req.TotalCopies
		}
		book.TotalCopies = *req.TotalCopies
	}

	result, err := tx.Exec(`
		UPDATE books
		SET title = $1, author = $2, publisher = $3, year = $4, category_id = $5,
		    total_copies = $6, available_copies = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		book.Title, book.Author, book.Publisher, book.Year, book.CategoryID,
		book.TotalCopies, book.AvailableCopies, book.ID, book.Version)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	if rowsAffected == 0 {
		WriteEngineError(w, fmt.Errorf("optimistic lock failed for book %d", book.ID))
		return
	}

	if err := tx.Commit(); err != nil {
		WriteEngineError(w, err)
		return
	}

	log.Printf("[BOOK] Book %d updated by %d", book.ID, actor.ID)

	updated, err := bs.fetchBook(bookID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, updated)
}

// DeleteBook removes a book from the catalog
// @Summary Delete book
// @Description Librarian/admin only; rejected while loans are active
// @Tags books
// @Produce json
// @Param bookID path int true "Book ID"
// @Success 200 {object} map[string]string
// @Failure 403 {object} ErrorResponse "Catalog management required"
// @Failure 404 {object} ErrorResponse "Book not found"
// @Failure 409 {object} ErrorResponse "Book has active loans"
// @Router /books/{bookID} [delete]
func (bs *BookService) DeleteBook(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionManageCatalog, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	bookID, err := strconv.Atoi(chi.URLParam(r, "bookID"))
	if err != nil {
		SendErrorResponse(w, "Invalid book ID", http.StatusBadRequest, nil)
		return
	}

	var activeLoans int
	err = bs.db.QueryRow(
		"SELECT COUNT(id) FROM loans WHERE book_id = $1 AND status = $2",
		bookID, models.LoanActive).Scan(&activeLoans)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	if activeLoans > 0 {
		SendErrorResponse(w, "Book has active loans", http.StatusConflict, nil)
		return
	}

	result, err := bs.db.Exec("DELETE FROM books WHERE id = $1", bookID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	if rowsAffected == 0 {
		WriteEngineError(w, ErrNotFound)
		return
	}

	log.Printf("[BOOK] Book %d deleted by %d", bookID, actor.ID)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "Book deleted"})
}

func (bs *BookService) fetchBook(bookID int) (*models.Book, error) {
	var book models.Book
	err := bs.db.QueryRow(`
		SELECT id, isbn, title, author, publisher, year, category_id,
		       total_copies, available_copies, created_at
		FROM books
		WHERE id = $1`, bookID).
		Scan(&book.ID, &book.ISBN, &book.Title, &book.Author, &book.Publisher, &book.Year,
			&book.CategoryID, &book.TotalCopies, &book.AvailableCopies, &book.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &book, nil
}
