package handler

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"offer-redemption-engine/internal/apperr"
	"offer-redemption-engine/internal/feed"
	"offer-redemption-engine/internal/models"
	"offer-redemption-engine/internal/service"
	"offer-redemption-engine/internal/validation"
)

const defaultTransactionLimit = 50

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	feed        *feed.Hub
	maxBodySize int64
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	// Feed serves the per-student WebSocket stream. Without it the feed
	// route answers 404.
	Feed *feed.Hub
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:     svc,
		feed:        opts.Feed,
		maxBodySize: opts.MaxBodySize,
	}
}

// Routes registers every API route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/offers", func(r chi.Router) {
		r.Post("/", h.CreateOffer)
		r.Get("/{offer_id}", h.GetOffer)
		r.Post("/{offer_id}/quote", h.QuoteOffer)
	})

	r.Route("/students", func(r chi.Router) {
		r.Post("/", h.UpsertStudent)
		r.Get("/{student_id}", h.GetStudent)
		r.Get("/{student_id}/transactions", h.ListTransactions)
		r.Get("/{student_id}/offers/{offer_id}/eligibility", h.CheckEligibility)
		r.Get("/{student_id}/feed", h.StudentFeed)
	})

	r.Route("/merchants", func(r chi.Router) {
		r.Post("/", h.UpsertMerchant)
		r.Get("/{merchant_id}/offers", h.ListMerchantOffers)
	})

	r.Post("/redemptions", h.CommitRedemption)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.OpenSession)
		r.Get("/{session_id}", h.GetSession)
		r.Post("/{session_id}/{action}", h.SessionAction)
		r.Delete("/{session_id}", h.CloseSession)
	})
}

// decode reads a JSON body into v, answering the request itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	// Limit request body size to prevent abuse
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if err == io.EOF {
			h.respondError(w, r, apperr.New(apperr.Validation, "request body is required"))
			return false
		}
		h.respondError(w, r, apperr.New(apperr.Validation, "invalid JSON in request body"))
		return false
	}
	return true
}

func param(r *http.Request, name string) string {
	return validation.SanitizeString(chi.URLParam(r, name))
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var req models.Offer
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = validation.SanitizeString(req.ID)
	req.MerchantID = validation.SanitizeString(req.MerchantID)
	req.Title = validation.SanitizeString(req.Title)

	offer, err := h.service.CreateOffer(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, offer)
}

// GetOffer handles GET /offers/{offer_id}
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.service.GetOffer(r.Context(), param(r, "offer_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, offer)
}

// QuoteOffer handles POST /offers/{offer_id}/quote
func (h *Handler) QuoteOffer(w http.ResponseWriter, r *http.Request) {
	var req models.QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	quote, err := h.service.Quote(r.Context(), param(r, "offer_id"), req.BillAmount)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, quote)
}

// UpsertStudent handles POST /students
func (h *Handler) UpsertStudent(w http.ResponseWriter, r *http.Request) {
	var req models.Student
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = validation.SanitizeString(req.ID)
	req.PublicID = validation.SanitizeString(req.PublicID)
	req.Name = validation.SanitizeString(req.Name)

	student, err := h.service.UpsertStudent(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, student)
}

// GetStudent handles GET /students/{student_id}
func (h *Handler) GetStudent(w http.ResponseWriter, r *http.Request) {
	student, err := h.service.GetStudent(r.Context(), param(r, "student_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, student)
}

// ListTransactions handles GET /students/{student_id}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := validation.ValidateLimit(r.URL.Query().Get("limit"), defaultTransactionLimit)
	if err != nil {
		h.respondError(w, r, apperr.Wrap(err, apperr.Validation, err.Error()))
		return
	}
	txns, err := h.service.ListTransactions(r.Context(), param(r, "student_id"), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	h.respondJSON(w, http.StatusOK, txns)
}

// CheckEligibility handles GET /students/{student_id}/offers/{offer_id}/eligibility
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.CheckEligibility(r.Context(), param(r, "student_id"), param(r, "offer_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// StudentFeed handles GET /students/{student_id}/feed (WebSocket)
func (h *Handler) StudentFeed(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		h.respondError(w, r, apperr.New(apperr.NotFound, "change feed is disabled"))
		return
	}
	studentID := param(r, "student_id")
	if _, err := h.service.GetStudent(r.Context(), studentID); err != nil {
		h.respondError(w, r, err)
		return
	}
	// The upgrader has already answered the request when Serve fails.
	if err := h.feed.Serve(w, r, studentID); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("student_id", studentID).Msg("feed connection failed")
	}
}

// UpsertMerchant handles POST /merchants
func (h *Handler) UpsertMerchant(w http.ResponseWriter, r *http.Request) {
	var req models.Merchant
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = validation.SanitizeString(req.ID)
	req.PublicID = validation.SanitizeString(req.PublicID)
	req.Name = validation.SanitizeString(req.Name)

	merchant, err := h.service.UpsertMerchant(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, merchant)
}

// ListMerchantOffers handles GET /merchants/{merchant_id}/offers
func (h *Handler) ListMerchantOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.service.ListMerchantOffers(r.Context(), param(r, "merchant_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, offers)
}

// CommitRedemption handles POST /redemptions
func (h *Handler) CommitRedemption(w http.ResponseWriter, r *http.Request) {
	var req models.CommitRedemptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ID = validation.SanitizeString(req.ID)
	req.StudentID = validation.SanitizeString(req.StudentID)
	req.MerchantID = validation.SanitizeString(req.MerchantID)
	req.OfferID = validation.SanitizeString(req.OfferID)

	txn, err := h.service.CommitRedemption(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, txn)
}

// OpenSession handles POST /sessions
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req models.OpenSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.service.OpenSession(r.Context(), validation.SanitizeString(req.MerchantID))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, view)
}

// GetSession handles GET /sessions/{session_id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetSession(param(r, "session_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// SessionAction handles POST /sessions/{session_id}/{action}. Actions
// without input accept an empty body.
func (h *Handler) SessionAction(w http.ResponseWriter, r *http.Request) {
	var req models.SessionActionRequest
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			h.respondError(w, r, apperr.New(apperr.Validation, "invalid JSON in request body"))
			return
		}
	}
	req.Code = validation.SanitizeString(req.Code)
	req.OfferID = validation.SanitizeString(req.OfferID)
	req.BillAmount = validation.SanitizeString(req.BillAmount)

	view, err := h.service.Act(r.Context(), param(r, "session_id"), param(r, "action"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, view)
}

// CloseSession handles DELETE /sessions/{session_id}
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.CloseSession(param(r, "session_id")); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError renders err as {kind, message}. Internal causes are logged,
// never sent.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	status := apperr.HTTPStatus(e.Kind)

	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("kind", string(e.Kind)).Msg("request failed")
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	h.respondJSON(w, status, models.ErrorResponse{Kind: string(e.Kind), Message: e.Message})
}
