package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	"github.com/biblioteca/backend/internal/middleware"
	"github.com/biblioteca/backend/internal/models"
)

type CategoryService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// CategoryRequest is the category create/update payload.
// @Description Category structure
type CategoryRequest struct {
	Name        string `json:"name" validate:"required,min=1,max=100" example:"Science Fiction"`
	Description string `json:"description,omitempty" validate:"max=500"`
}

func NewCategoryService(db *sql.DB) *CategoryService {
	return &CategoryService{db: db, validator: NewValidationHelper()}
}

// ListCategories lists all categories
// @Summary List categories
// @Tags categories
// @Produce json
// @Success 200 {array} models.Category
// @Router /categories [get]
func (cs *CategoryService) ListCategories(w http.ResponseWriter, r *http.Request) {
	rows, err := cs.db.Query("SELECT id, name, description FROM categories ORDER BY name")
	if err != nil {
		WriteEngineError(w, err)
		return
	}
	defer rows.Close()

	categories := []models.Category{}
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			WriteEngineError(w, err)
			return
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, categories)
}

// GetCategory fetches one category
// @Summary Get category
// @Tags categories
// @Produce json
// @Param categoryID path int true "Category ID"
// @Success 200 {object} models.Category
// @Failure 404 {object} ErrorResponse "Category not found"
// @Router /categories/{categoryID} [get]
func (cs *CategoryService) GetCategory(w http.ResponseWriter, r *http.Request) {
	categoryID, err := strconv.Atoi(chi.URLParam(r, "categoryID"))
	if err != nil {
		SendErrorResponse(w, "Invalid category ID", http.StatusBadRequest, nil)
		return
	}

	var c models.Category
	err = cs.db.QueryRow("SELECT id, name, description FROM categories WHERE id = $1", categoryID).
		Scan(&c.ID, &c.Name, &c.Description)
	if err == sql.ErrNoRows {
		WriteEngineError(w, ErrNotFound)
		return
	}
	if err != nil {
		WriteEngineError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, c)
}

// CreateCategory adds a category
// @Summary Create category
// @Description Librarian/admin only
// @Tags categories
// @Accept json
// @Produce json
// @Param request body CategoryRequest true "Category data"
// @Success 201 {object} models.Category
// @Failure 403 {object} ErrorResponse "Catalog management required"
// @Failure 409 {object} ErrorResponse "Name already exists"
// @Router /categories [post]
func (cs *CategoryService) CreateCategory(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionManageCatalog, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	var req CategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var c models.Category
	err := cs.db.QueryRow(
		"INSERT INTO categories (name, description) VALUES ($1, $2) RETURNING id",
		req.Name, req.Description).Scan(&c.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			SendErrorResponse(w, "Category name already exists", http.StatusConflict, nil)
			return
		}
		WriteEngineError(w, err)
		return
	}

	c.Name = req.Name
	c.Description = req.Description
	log.Printf("[CATEGORY] Category %d created by %d: %s", c.ID, actor.ID, c.Name)
	WriteJSON(w, http.StatusCreated, c)
}

// UpdateCategory edits a category
// @Summary Update category
// @Description Librarian/admin only
// @Tags categories
// @Accept json
// @Produce json
// @Param categoryID path int true "Category ID"
// @Param request body CategoryRequest true "Category data"
// @Success 200 {object} models.Category
// @Failure 403 {object} ErrorResponse "Catalog management required"
// @Failure 404 {object} ErrorResponse "Category not found"
// @Router /categories/{categoryID} [put]
func (cs *CategoryService) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionManageCatalog, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	categoryID, err := strconv.Atoi(chi.URLParam(r, "categoryID"))
	if err != nil {
		SendErrorResponse(w, "Invalid category ID", http.StatusBadRequest, nil)
		return
	}

	var req CategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := cs.db.Exec(
		"UPDATE categories SET name = $1, description = $2 WHERE id = $3",
		req.Name, req.Description, categoryID)
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

	WriteJSON(w, http.StatusOK, models.Category{ID: categoryID, Name: req.Name, Description: req.Description})
}

// DeleteCategory removes a category
// @Summary Delete category
// @Description Librarian/admin only; rejected while books reference it
// @Tags categories
// @Produce json
// @Param categoryID path int true "Category ID"
// @Success 200 {object} map[string]string
// @Failure 403 {object} ErrorResponse "Catalog management required"
// @Failure 404 {object} ErrorResponse "Category not found"
// @Failure 409 {object} ErrorResponse "Category still referenced"
// @Router /categories/{categoryID} [delete]
func (cs *CategoryService) DeleteCategory(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := Authorize(actor, ActionManageCatalog, actor.ID); err != nil {
		WriteEngineError(w, err)
		return
	}

	categoryID, err := strconv.Atoi(chi.URLParam(r, "categoryID"))
	if err != nil {
		SendErrorResponse(w, "Invalid category ID", http.StatusBadRequest, nil)
		return
	}

	var books int
	if err := cs.db.QueryRow(
		"SELECT COUNT(id) FROM books WHERE category_id = $1", categoryID).Scan(&books); err != nil {
		WriteEngineError(w, err)
		return
	}
	if books > 0 {
		SendErrorResponse(w, "Category still has books", http.StatusConflict, nil)
		return
	}

	result, err := cs.db.Exec("DELETE FROM categories WHERE id = $1", categoryID)
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

	log.Printf("[CATEGORY] Category %d deleted by %d", categoryID, actor.ID)
	WriteJSON(w, http.StatusOK, map[string]string{"message": "Category deleted"})
}
