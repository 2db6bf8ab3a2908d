package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/biblioteca/backend/internal/middleware"
	"github.com/biblioteca/backend/internal/services"
)

type SlipHandler struct {
	slips     *services.SlipService
	loans     *services.LoanService
	validator *services.ValidationHelper
}

func NewSlipHandler(slips *services.SlipService, loans *services.LoanService) *SlipHandler {
	return &SlipHandler{
		slips:     slips,
		loans:     loans,
		validator: services.NewValidationHelper(),
	}
}

// GenerateLabel renders a QR checkout slip for a book
// @Summary Generate book checkout label
// @Description One-time QR slip pointing at the book; expires after 10 minutes
// @Tags books
// @Produce json
// @Security BearerAuth
// @Param bookID path int true "Book ID"
// @Success 200 {object} object{reference=string,qrImage=string}
// @Failure 404 {object} services.ErrorResponse "Book not found"
// @Router /books/{bookID}/label [get]
func (h *SlipHandler) GenerateLabel(w http.ResponseWriter, r *http.Request) {
	bookID, err := strconv.Atoi(chi.URLParam(r, "bookID"))
	if err != nil {
		services.SendErrorResponse(w, "Invalid book ID", http.StatusBadRequest, nil)
		return
	}

	reference, qrImage, err := h.slips.GenerateSlip(r.Context(), bookID)
	if err != nil {
		services.WriteEngineError(w, err)
		return
	}

	services.WriteJSON(w, http.StatusOK, map[string]any{
		"reference": reference,
		"qrImage":   qrImage,
	})
}

// ScanSlip borrows a book via a scanned checkout slip
// @Summary Borrow by scanned slip
// @Description Redeem a slip reference and create a loan for the caller
// @Tags loans
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{reference=string} true "Slip reference"
// @Success 201 {object} models.Loan
// @Failure 400 {object} services.ErrorResponse "Out of stock, loan limit or overdue loans"
// @Failure 404 {object} services.ErrorResponse "Invalid or expired slip"
// @Router /loans/scan [post]
func (h *SlipHandler) ScanSlip(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Reference string `json:"reference" validate:"required,uuid4"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	bookID, err := h.slips.RedeemSlip(r.Context(), req.Reference)
	if err != nil {
		services.WriteEngineError(w, err)
		return
	}

	loan, err := h.loans.Borrow(actor, bookID)
	if err != nil {
		services.WriteEngineError(w, err)
		return
	}

	services.WriteJSON(w, http.StatusCreated, loan)
}
