package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/biblioteca/backend/internal/middleware"
	"github.com/biblioteca/backend/internal/models"
)

// LoanService drives the loan lifecycle. Every borrow and return runs as one
// database transaction covering the loan row and the book's copy counts, so
// no reader ever observes a decremented count without a matching loan row.
type LoanService struct {
	db        *sql.DB
	inventory *InventoryService
	validator *ValidationHelper
	maxActive int
	loanDays  int
}

// LoanCreateRequest is the borrow request payload.
// @Description Borrow request structure
type LoanCreateRequest struct {
	BookID int `json:"book_id" validate:"required,gt=0" example:"1"` // Book to borrow
}

// LoanWithDetails is a loan row joined with book and user display fields.
// @Description Loan with book and user details
type LoanWithDetails struct {
	models.Loan
	BookTitle       string            `json:"book_title" example:"Dune"`
	BookAuthor      string            `json:"book_author" example:"Frank Herbert"`
	Username        string            `json:"username" example:"jdoe"`
	EffectiveStatus models.LoanStatus `json:"effective_status" example:"active"`
}

// LoanListResponse is a paginated loan list.
// @Description Paginated loan list
type LoanListResponse struct {
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
	Loans []LoanWithDetails `json:"loans"`
}

// LoanStatusResponse reports the stored and derived state of one loan.
// @Description Loan status snapshot
type LoanStatusResponse struct {
	Status          models.LoanStatus `json:"status" example:"active"`
	EffectiveStatus models.LoanStatus `json:"effective_status" example:"overdue"`
	DueDate         time.Time         `json:"due_date"`
	ReturnDate      *time.Time        `json:"return_date,omitempty"`
}

func NewLoanService(db *sql.DB) *LoanService {
	maxActive := models.MaxActiveLoans
	loanDays := models.LoanDurationDays
	if env := os.Getenv("LOAN_MAX_ACTIVE"); env != "" {
		if val, err := strconv.Atoi(env); err == nil && val > 0 {
			maxActive = val
		}
	}
	if env := os.Getenv("LOAN_DURATION_DAYS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil && val > 0 {
			loanDays = val
		}
	}
	return &LoanService{
		db:        db,
		inventory: NewInventoryService(db),
		validator: NewValidationHelper(),
		maxActive: maxActive,
		loanDays:  loanDays,
	}
}

// Borrow runs the full borrow flow for the actor: authorization,
// eligibility, reservation and loan creation in one transaction. The user
// row lock is taken first and the book row lock second; both are held until
// commit or rollback.
func (ls *LoanService) Borrow(actor models.Actor, bookID int) (*models.Loan, error) {
	if err := Authorize(actor, ActionBorrow, actor.ID); err != nil {
		return nil, err
	}

	tx, err := ls.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := lockUser(tx, actor.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := checkEligibility(tx, actor.ID, ls.maxActive, now); err != nil {
		return nil, err
	}

	if _, err := ls.inventory.ReserveCopyTx(tx, bookID); err != nil {
		return nil, err
	}

	loan := &models.Loan{
		BookID:   bookID,
		UserID:   actor.ID,
		LoanDate: now,
		DueDate:  now.AddDate(0, 0, ls.loanDays),
		Status:   models.LoanActive,
	}
	err = tx.QueryRow(`
		INSERT INTO loans (book_id, user_id, loan_date, due_date, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		loan.BookID, loan.UserID, loan.LoanDate, loan.DueDate, loan.Status).
		Scan(&loan.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[LOAN] Loan %d created: user %d borrowed book %d, due %s",
		loan.ID, loan.UserID, loan.BookID, loan.DueDate.Format(time.RFC3339))
	return loan, nil
}

// Return marks the loan returned and releases its copy in one transaction.
// A loan already in the returned state fails with ErrAlreadyReturned and
// must not release a second copy.
func (ls *LoanService) Return(actor models.Actor, loanID int) (*models.Loan, error) {
	tx, err := ls.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	loan, err := lockLoan(tx, loanID)
	if err != nil {
		return nil, err
	}

	if err := Authorize(actor, ActionBorrow, loan.UserID); err != nil {
		return nil, err
	}

	if loan.Status == models.LoanReturned {
		return nil, ErrAlreadyReturned
	}

	now := time.Now().UTC()
	result, err := tx.Exec(`
		UPDATE loans
		SET status = $1, return_date = $2
		WHERE id = $3 AND status = $4`,
		models.LoanReturned, now, loan.ID, models.LoanActive)
	if err != nil {
		return nil, err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, ErrAlreadyReturned
	}

	if _, err := ls.inventory.ReleaseCopyTx(tx, loan.BookID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	loan.Status = models.LoanReturned
	loan.ReturnDate = &now
	log.Printf("[LOAN] Loan %d returned by actor %d (borrower %d, book %d)",
		loan.ID, actor.ID, loan.UserID, loan.BookID)
	return loan, nil
}

func lockLoan(tx *sql.Tx, loanID int) (*models.Loan, error) {
	var loan models.Loan
	err := tx.QueryRow(`
		SELECT id, book_id, user_id, loan_date, due_date, return_date, status
		FROM loans
		WHERE id = $1
		FOR UPDATE`, loanID).
		Scan(&loan.ID, &loan.BookID, &loan.UserID, &loan.LoanDate, &loan.DueDate,
			&loan.ReturnDate, &loan.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// CreateLoan handles borrow requests
// @Summary Borrow a book
// @Description Create a loan for the authenticated user
// @Tags loans
// @Accept json
// @Produce json
// @Param request body LoanCreateRequest true "Borrow request"
// @Success 201 {object} models.Loan
// @Failure 400 {object} ErrorResponse "Out of stock, loan limit or overdue loans"
// @Failure 404 {object} ErrorResponse "Book not found"
// @Router /loans [post]
func (ls *LoanService) CreateLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req LoanCreateRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := ls.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	loan, err := ls.Borrow(actor, req.BookID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, loan)
}

// ReturnLoan handles returns
// @Summary Return a borrowed book
// @Description Mark a loan returned and release the copy
// @Tags loans
// @Produce json
// @Param loanID path int true "Loan ID"
// @Success 200 {object} models.Loan
// @Failure 403 {object} ErrorResponse "Not the borrower"
// @Failure 404 {object} ErrorResponse "Loan not found"
// @Failure 409 {object} ErrorResponse "Already returned"
// @Router /loans/{loanID}/return [put]
func (ls *LoanService) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	loanID, err := strconv.Atoi(chi.URLParam(r, "loanID"))
	if err != nil {
		SendErrorResponse(w, "Invalid loan ID", http.StatusBadRequest, nil)
		return
	}

	loan, err := ls.Return(actor, loanID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, loan)
}

// GetLoanStatus reports a loan's stored and derived state
// @Summary Get loan status
// @Description Stored status, derived effective status, due and return dates
// @Tags loans
// @Produce json
// @Param loanID path int true "Loan ID"
// @Success 200 {object} LoanStatusResponse
// @Failure 404 {object} ErrorResponse "Loan not found"
// @Router /loans/{loanID}/status [get]
func (ls *LoanService) GetLoanStatus(w http.ResponseWriter, r *http.Request) {
	loanID, err := strconv.Atoi(chi.URLParam(r, "loanID"))
	if err != nil {
		SendErrorResponse(w, "Invalid loan ID", http.StatusBadRequest, nil)
		return
	}

	var loan models.Loan
	err = ls.db.QueryRow(`
		SELECT id, book_id, user_id, loan_date, due_date, return_date, status
		FROM loans
		WHERE id = $1`, loanID).
		Scan(&loan.ID, &loan.BookID, &loan.UserID, &loan.LoanDate, &loan.DueDate,
			&loan.ReturnDate, &loan.Status)
	if err == sql.ErrNoRows {
		WriteEngineError(w, ErrNotFound)
		return
	}
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, LoanStatusResponse{
		Status:          loan.Status,
		EffectiveStatus: loan.EffectiveStatus(time.Now().UTC()),
		DueDate:         loan.DueDate,
		ReturnDate:      loan.ReturnDate,
	})
}

// ListLoans lists loans with filters and pagination
// @Summary List loans
// @Description Members see their own loans; librarians and admins see all
// @Tags loans
// @Produce json
// @Param status query string false "Filter: active, returned or overdue"
// @Param user_id query int false "Filter by user (librarian/admin only)"
// @Param book_id query int false "Filter by book"
// @Param page query int false "Page number"
// @Param limit query int false "Items per page"
// @Success 200 {object} LoanListResponse
// @Failure 403 {object} ErrorResponse "Member filtering by another user"
// @Router /loans [get]
func (ls *LoanService) ListLoans(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filter := loanFilter{
		status: r.URL.Query().Get("status"),
		page:   queryInt(r, "page", 1),
		limit:  queryInt(r, "limit", 10),
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		userID, err := strconv.Atoi(v)
		if err != nil {
			SendErrorResponse(w, "Invalid user_id filter", http.StatusBadRequest, nil)
			return
		}
		filter.userID = userID
	}
	if v := r.URL.Query().Get("book_id"); v != "" {
		bookID, err := strconv.Atoi(v)
		if err != nil {
			SendErrorResponse(w, "Invalid book_id filter", http.StatusBadRequest, nil)
			return
		}
		filter.bookID = bookID
	}

	// Members only ever see their own loans.
	if Authorize(actor, ActionManageLoans, actor.ID) != nil {
		if filter.userID != 0 && filter.userID != actor.ID {
			WriteEngineError(w, ErrForbidden)
			return
		}
		filter.userID = actor.ID
	}

	ls.respondLoanList(w, filter)
}

// GetMyLoans lists the authenticated user's loans
// @Summary List own loans
// @Tags loans
// @Produce json
// @Param page query int false "Page number"
// @Param limit query int false "Items per page"
// @Success 200 {object} LoanListResponse
// @Router /loans/my-loans [get]
func (ls *LoanService) GetMyLoans(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ls.respondLoanList(w, loanFilter{
		userID: actor.ID,
		page:   queryInt(r, "page", 1),
		limit:  queryInt(r, "limit", 10),
	})
}

// ListOverdueLoans lists all overdue loans
// @Summary List overdue loans
// @Description Active loans past their due date; librarian/admin only
// @Tags loans
// @Produce json
// @Param page query int false "Page number"
// @Param limit query int false "Items per page"
// @Success 200 {object} LoanListResponse
// @Failure 403 {object} ErrorResponse "Member access"
// @Router /loans/overdue [get]
func (ls *LoanService) ListOverdueLoans(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := Authorize(actor, ActionManageLoans, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	ls.respondLoanList(w, loanFilter{
		status: string(models.LoanOverdue),
		page:   queryInt(r, "page", 1),
		limit:  queryInt(r, "limit", 10),
	})
}

type loanFilter struct {
	status string
	userID int
	bookID int
	page   int
	limit  int
}

func (ls *LoanService) respondLoanList(w http.ResponseWriter, filter loanFilter) {
	if filter.page < 1 {
		filter.page = 1
	}
	if filter.limit < 1 || filter.limit > 100 {
		filter.limit = 10
	}

	where := ""
	args := []any{}
	appendCond := func(cond string, arg any) {
		args = append(args, arg)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(cond, len(args))
	}

	now := time.Now().UTC()
	switch filter.status {
	case "":
	case string(models.LoanActive), string(models.LoanReturned):
		appendCond("l.status = $%d", filter.status)
	case string(models.LoanOverdue):
		// Overdue is derived: stored-active and past due.
		appendCond("l.status = $%d", models.LoanActive)
		appendCond("l.due_date < $%d", now)
	default:
		SendErrorResponse(w, "Invalid status filter. Use: active, returned, or overdue", http.StatusBadRequest, nil)
		return
	}
	if filter.userID != 0 {
		appendCond("l.user_id = $%d", filter.userID)
	}
	if filter.bookID != 0 {
		appendCond("l.book_id = $%d", filter.bookID)
	}

	var total int
	err := ls.db.QueryRow("SELECT COUNT(l.id) FROM loans l"+where, args...).Scan(&total)
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	offset := (filter.page - 1) * filter.limit
	args = append(args, filter.limit, offset)
	rows, err := ls.db.Query(fmt.Sprintf(`
		SELECT l.id, l.book_id, l.user_id, l.loan_date, l.due_date, l.return_date, l.status,
		       b.title, b.author, u.username
		FROM loans l
		JOIN books b ON l.book_id = b.id
		JOIN users u ON l.user_id = u.id`+where+`
		ORDER BY l.loan_date DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	defer rows.Close()

	loans := []LoanWithDetails{}
	for rows.Next() {
		var l LoanWithDetails
		if err := rows.Scan(&l.ID, &l.BookID, &l.UserID, &l.LoanDate, &l.DueDate,
			&l.ReturnDate, &l.Status, &l.BookTitle, &l.BookAuthor, &l.Username); err != nil {
			WriteEngineError(w, err)
			return
		}
		l.EffectiveStatus = l.Loan.EffectiveStatus(now)
		loans = append(loans, l)
	}
	if err := rows.Err(); err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, LoanListResponse{
		Total: total,
		Page:  filter.page,
		Limit: filter.limit,
		Loans: loans,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return def
}
