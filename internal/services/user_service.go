package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/biblioteca/backend/internal/middleware"
	"github.com/biblioteca/backend/internal/models"
)

type UserService struct {
	db        *sql.DB
	validator *ValidationHelper
	maxActive int
}

// RoleUpdateRequest is the role-change payload.
// @Description Role update structure
type RoleUpdateRequest struct {
	Role string `json:"role" validate:"required" example:"librarian"` // member, librarian or admin
}

// UserListResponse is a paginated user list.
// @Description Paginated user list
type UserListResponse struct {
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
	Users []models.User `json:"users"`
}

// UserStatsResponse reports a user's loan counters and borrowing
// eligibility.
// @Description User loan statistics
type UserStatsResponse struct {
	ActiveLoans  int  `json:"active_loans" example:"2"`
	TotalLoans   int  `json:"total_loans" example:"7"`
	OverdueLoans int  `json:"overdue_loans" example:"0"`
	CanBorrow    bool `json:"can_borrow" example:"true"`
}

func NewUserService(db *sql.DB, loans *LoanService) *UserService {
	return &UserService{
		db:        db,
		validator: NewValidationHelper(),
		maxActive: loans.maxActive,
	}
}

// ListUsers lists all users
// @Summary List users
// @Description Paginated user list with optional role filter; admin only
// @Tags users
// @Produce json
// @Param role query string false "Filter by role"
// @Param page query int false "Page number"
// @Param limit query int false "Items per page"
// @Success 200 {object} UserListResponse
// @Failure 403 {object} ErrorResponse "Admin access required"
// @Router /users [get]
func (us *UserService) ListUsers(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionListUsers, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

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
	if v := r.URL.Query().Get("role"); v != "" {
		role, err := models.ParseRole(v)
		if err != nil {
			SendErrorResponse(w, "Invalid role filter", http.StatusBadRequest, nil)
			return
		}
		where = " WHERE role = $1"
		args = append(args, role)
	}

	var total int
	if err := us.db.QueryRow("SELECT COUNT(id) FROM users"+where, args...).Scan(&total); err != nil {
		WriteEngineError(w, err)
		return
	}

	args = append(args, limit, (page-1)*limit)
	rows, err := us.db.Query(
		"SELECT id, username, email, role, created_at FROM users"+where+
			" ORDER BY id LIMIT $"+strconv.Itoa(len(args)-1)+" OFFSET $"+strconv.Itoa(len(args)),
		args...)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &u.CreatedAt); err != nil {
			WriteEngineError(w, err)
			return
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, UserListResponse{Total: total, Page: page, Limit: limit, Users: users})
}

// GetUser fetches one user's profile
// @Summary Get user details
// @Description Users see their own profile; admins see any
// @Tags users
// @Produce json
// @Param userID path int true "User ID"
// @Success 200 {object} models.User
// @Failure 403 {object} ErrorResponse "Not your profile"
// @Failure 404 {object} ErrorResponse "User not found"
// @Router /users/{userID} [get]
func (us *UserService) GetUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		SendErrorResponse(w, "Invalid user ID", http.StatusBadRequest, nil)
		return
	}

	if actor.ID != userID {
		if err := Authorize(actor, ActionListUsers, actor.ID); err != nil {
			WriteEngineError(w, err)
			return
		}
	}

	user, err := us.fetchUser(userID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, user)
}

// UpdateRole changes a user's role
// @Summary Update user role
// @Description Admin only
// @Tags users
// @Accept json
// @Produce json
// @Param userID path int true "User ID"
// @Param request body RoleUpdateRequest true "New role"
// @Success 200 {object} models.User
// @Failure 403 {object} ErrorResponse "Admin access required"
// @Failure 404 {object} ErrorResponse "User not found"
// @Router /users/{userID}/role [put]
func (us *UserService) UpdateRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionManageRoles, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	userID, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		SendErrorResponse(w, "Invalid user ID", http.StatusBadRequest, nil)
		return
	}

	var req RoleUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := us.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		SendErrorResponse(w, "Invalid role", http.StatusBadRequest, nil)
		return
	}

	result, err := us.db.Exec("UPDATE users SET role = $1 WHERE id = $2", role, userID)
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

	log.Printf("[USER] Role of user %d changed to %s by admin %d", userID, role, actor.ID)

	user, err := us.fetchUser(userID)
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// GetUserStats reports loan counters and eligibility
// @Summary Get user loan statistics
// @Description Members see their own stats; librarians and admins see any
// @Tags users
// @Produce json
// @Param userID path int true "User ID"
// @Success 200 {object} UserStatsResponse
// @Failure 403 {object} ErrorResponse "Not your statistics"
// @Failure 404 {object} ErrorResponse "User not found"
// @Router /users/{userID}/stats [get]
func (us *UserService) GetUserStats(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil {
		SendErrorResponse(w, "Invalid user ID", http.StatusBadRequest, nil)
		return
	}

	if err := AuthorizeSelf(actor, userID); err != nil {
		WriteEngineError(w, err)
		return
	}

	if _, err := us.fetchUser(userID); err != nil {
		WriteEngineError(w, err)
		return
	}

	now := time.Now().UTC()
	var stats UserStatsResponse
	err = us.db.QueryRow(`
		SELECT
			COUNT(id) FILTER (WHERE status = $2),
			COUNT(id),
			COUNT(id) FILTER (WHERE status = $2 AND due_date < $3)
		FROM loans
		WHERE user_id = $1`,
		userID, models.LoanActive, now).
		Scan(&stats.ActiveLoans, &stats.TotalLoans, &stats.OverdueLoans)
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	stats.CanBorrow = stats.OverdueLoans == 0 && stats.ActiveLoans < us.maxActive

	WriteJSON(w, http.StatusOK, stats)
}

func (us *UserService) fetchUser(userID int) (*models.User, error) {
	var user models.User
	err := us.db.QueryRow(
		"SELECT id, username, email, role, created_at FROM users WHERE id = $1", userID).
		Scan(&user.ID, &user.Username, &user.Email, &user.Role, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
