package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nvallett/cardops/internal/domain"
	"github.com/nvallett/cardops/internal/ledger"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cardops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	ledger ledger.Ledger
	logger *slog.Logger
}

func NewHandler(l ledger.Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: l, logger: logger}
}

// Register mounts every endpoint under /api/v1 plus /health.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/users", h.ProvisionUser).Methods("POST")
	v1.HandleFunc("/users/{id}", h.GetUser).Methods("GET")
	v1.HandleFunc("/users/{id}/contacts", h.AddContact).Methods("POST")
	v1.HandleFunc("/users/{id}/contacts", h.GetContacts).Methods("GET")
	v1.HandleFunc("/accounts/{id}", h.GetAccount).Methods("GET")
	v1.HandleFunc("/cards/{id}", h.GetCard).Methods("GET")
	v1.HandleFunc("/cards/{id}/lock", h.ToggleLock).Methods("POST")
	v1.HandleFunc("/cards/{id}/transactions", h.RecordTransaction).Methods("POST")
	v1.HandleFunc("/cards/{id}/transactions", h.GetHistory).Methods("GET")
	v1.HandleFunc("/transfers", h.SendMoney).Methods("POST")
	v1.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	v1.HandleFunc("/transactions/{id}/status", h.UpdateTransactionStatus).Methods("PATCH")
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ProvisionUser(w http.ResponseWriter, r *http.Request) {
	var in ledger.ProvisionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.fail(w, r, "/users", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if in.ExternalID == "" || in.Email == "" {
		h.fail(w, r, "/users", http.StatusUnprocessableEntity, "external_id and email are required")
		return
	}

	res, err := h.ledger.Provision(r.Context(), in)
	if err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			h.fail(w, r, "/users", http.StatusConflict, "User already provisioned")
			return
		}
		h.serverError(w, r, "/users", err)
		return
	}
	h.ok(w, r, "/users", http.StatusCreated, res)
}

// SendMoney is the send-money relay: a balance transfer plus a history entry
// for each party, executed as one unit by the backing store.
func (h *Handler) SendMoney(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.fail(w, r, endpoint, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, r, endpoint, http.StatusInternalServerError, "Stream read error")
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	hash := sha256.Sum256(bodyBytes)
	reqHash := hex.EncodeToString(hash[:])

	var req ledger.SendMoneyRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		h.fail(w, r, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.SenderCardID == "" || req.RecipientCardID == "" {
		h.fail(w, r, endpoint, http.StatusUnprocessableEntity, "Both card ids are required")
		return
	}
	if req.SenderCardID == req.RecipientCardID {
		h.fail(w, r, endpoint, http.StatusUnprocessableEntity, "Self-transfer not allowed")
		return
	}

	res, existing, err := h.ledger.SendMoney(r.Context(), req, idemKey, reqHash)
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}

	if existing != nil {
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.ResponseStatus)
		w.Write(existing.ResponseBody)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", res.SenderTransactionID))
	h.ok(w, r, endpoint, http.StatusCreated, res)
}

type toggleLockRequest struct {
	Expected bool `json:"expected"`
}

type toggleLockResponse struct {
	CardID   string `json:"card_id"`
	IsLocked bool   `json:"is_locked"`
}

func (h *Handler) ToggleLock(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cards/{id}/lock"
	cardID := mux.Vars(r)["id"]

	var req toggleLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	newStatus, err := h.ledger.ToggleLock(r.Context(), cardID, req.Expected)
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, toggleLockResponse{CardID: cardID, IsLocked: newStatus})
}

func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cards/{id}/transactions"
	cardID := mux.Vars(r)["id"]

	var details domain.TransactionDetails
	if err := json.NewDecoder(r.Body).Decode(&details); err != nil {
		h.fail(w, r, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	id, err := h.ledger.RecordTransaction(r.Context(), cardID, details)
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusCreated, map[string]string{"transaction_id": id})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cards/{id}/transactions"
	history, err := h.ledger.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, history)
}

type statusUpdateRequest struct {
	Status domain.TransactionStatus `json:"status"`
}

func (h *Handler) UpdateTransactionStatus(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/{id}/status"
	id := mux.Vars(r)["id"]

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := h.ledger.UpdateTransactionStatus(r.Context(), id, req.Status); err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, map[string]string{"transaction_id": id, "status": string(req.Status)})
}

func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/cards/{id}"
	card, err := h.ledger.GetCard(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, card)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}"
	account, err := h.ledger.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, account)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}"
	id := mux.Vars(r)["id"]

	var user *domain.User
	var err error
	if r.URL.Query().Get("by") == "external_id" {
		user, err = h.ledger.GetUserByExternalID(r.Context(), id)
	} else {
		user, err = h.ledger.GetUser(r.Context(), id)
	}
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, user)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/{id}"
	txn, err := h.ledger.GetTransaction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, txn)
}

func (h *Handler) AddContact(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}/contacts"
	userID := mux.Vars(r)["id"]

	var contact domain.Contact
	if err := json.NewDecoder(r.Body).Decode(&contact); err != nil {
		h.fail(w, r, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if contact.UserID == "" {
		h.fail(w, r, endpoint, http.StatusUnprocessableEntity, "contact user_id is required")
		return
	}
	if err := h.ledger.AddContact(r.Context(), userID, contact); err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusCreated, contact)
}

func (h *Handler) GetContacts(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users/{id}/contacts"
	contacts, err := h.ledger.Contacts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeLedgerError(w, r, endpoint, err)
		return
	}
	h.ok(w, r, endpoint, http.StatusOK, contacts)
}

// writeLedgerError maps the error taxonomy onto HTTP status codes. Not-found
// is 404, validation failures are 422, optimistic-concurrency and idempotency
// conflicts are 409.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var notFound *domain.CardNotFoundError
	var conflict *domain.StatusConflictError
	switch {
	case errors.As(err, &notFound):
		h.fail(w, r, endpoint, http.StatusNotFound, notFound.Error())
	case errors.Is(err, domain.ErrRecordNotFound):
		h.fail(w, r, endpoint, http.StatusNotFound, "Record not found")
	case errors.As(err, &conflict):
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, "409").Inc()
		respondWithJSON(w, http.StatusConflict, map[string]any{
			"error":    "Lock status conflict",
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
		})
	case errors.Is(err, domain.ErrIdempotencyConflict):
		h.fail(w, r, endpoint, http.StatusConflict, "Request processing in progress")
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		h.fail(w, r, endpoint, http.StatusUnprocessableEntity, "Key reuse with mismatched payload")
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrSameCard),
		errors.Is(err, domain.ErrInvalidTransactionType),
		errors.Is(err, domain.ErrInvalidTransactionStatus),
		errors.Is(err, domain.ErrInsufficientFunds):
		h.fail(w, r, endpoint, http.StatusUnprocessableEntity, capitalizeError(err))
	case errors.Is(err, domain.ErrInvalidTransition):
		h.fail(w, r, endpoint, http.StatusConflict, err.Error())
	default:
		h.serverError(w, r, endpoint, err)
	}
}

func capitalizeError(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return "Positive amount required"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "Insufficient funds"
	case errors.Is(err, domain.ErrSameCard):
		return "Self-transfer not allowed"
	default:
		return err.Error()
	}
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request, endpoint string, code int, payload any) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, fmt.Sprintf("%d", code)).Inc()
	respondWithJSON(w, code, payload)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint string, code int, message string) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, fmt.Sprintf("%d", code)).Inc()
	respondWithError(w, code, message)
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	h.logger.Error("request failed", "endpoint", endpoint, "error", err, "request_id", GetRequestID(r.Context()))
	h.fail(w, r, endpoint, http.StatusInternalServerError, "Internal Server Error")
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
