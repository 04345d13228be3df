// Package httpapi exposes the escrow engine over REST. Handlers stay
// thin: decode, delegate to a service, map the typed error taxonomy to
// a status code.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	app "github.com/trademesh/escrow/internal/app"
	ledgerdom "github.com/trademesh/escrow/internal/app/domain/ledger"
	"github.com/trademesh/escrow/internal/app/domain/market"
	"github.com/trademesh/escrow/internal/app/storage"
	"github.com/trademesh/escrow/internal/middleware"
)

// handler bundles HTTP endpoints for the escrow services.
type handler struct {
	app *app.Application
}

// NewHandler returns a router exposing the escrow REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	r.HandleFunc("/accounts", h.createAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/deposits", h.deposit).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}/entries", h.listEntries).Methods(http.MethodGet)

	r.HandleFunc("/applications", h.createApplication).Methods(http.MethodPost)
	r.HandleFunc("/applications", h.listApplications).Methods(http.MethodGet)
	r.HandleFunc("/applications/{id}", h.getApplication).Methods(http.MethodGet)
	r.HandleFunc("/applications/{id}/participations", h.participate).Methods(http.MethodPost)
	r.HandleFunc("/applications/{id}/slots/{index}/fulfill", h.fulfillSlot).Methods(http.MethodPost)
	r.HandleFunc("/applications/{id}/slots/{index}/confirm", h.confirmSlot).Methods(http.MethodPost)
	r.HandleFunc("/applications/{id}/slots/{index}/reject", h.rejectSlot).Methods(http.MethodPost)
	r.HandleFunc("/applications/{id}/reject", h.rejectApplication).Methods(http.MethodPost)
	r.HandleFunc("/applications/{id}/settle", h.settle).Methods(http.MethodPost)

	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Accounts ---------------------------------------------------------------

func (h *handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID      string `json:"id"`
		OwnerID string `json:"owner_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := h.app.Ledger.EnsureAccount(r.Context(), payload.ID, payload.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.app.Ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := h.app.Ledger.Deposit(r.Context(), mux.Vars(r)["id"], payload.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) listEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.app.Ledger.Entries(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Applications -----------------------------------------------------------

func (h *handler) createApplication(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OwnerRole      string `json:"owner_role"`
		ItemType       string `json:"item_type"`
		Status         string `json:"status"`
		UnitPrice      int64  `json:"unit_price"`
		AltUnitPrice   int64  `json:"alt_unit_price"`
		TotalQuantity  int    `json:"total_quantity"`
		EscrowFundedBy string `json:"escrow_funded_by"`
		FeeRecipient   string `json:"fee_recipient"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.app.Participation.CreateApplication(r.Context(), market.Application{
		OwnerID:        middleware.CallerID(r.Context()),
		OwnerRole:      market.Role(payload.OwnerRole),
		ItemType:       payload.ItemType,
		Status:         payload.Status,
		UnitPrice:      payload.UnitPrice,
		AltUnitPrice:   payload.AltUnitPrice,
		TotalQuantity:  payload.TotalQuantity,
		EscrowFundedBy: market.FundedBy(payload.EscrowFundedBy),
		FeeRecipient:   market.FeeRecipient(payload.FeeRecipient),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listApplications(w http.ResponseWriter, r *http.Request) {
	filter := storage.ApplicationFilter{
		ItemType: r.URL.Query().Get("item_type"),
		OwnerID:  r.URL.Query().Get("owner_id"),
		OpenOnly: r.URL.Query().Get("open") == "true",
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filter.States = []market.State{market.State(state)}
	}
	apps, err := h.app.Participation.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (h *handler) getApplication(w http.ResponseWriter, r *http.Request) {
	application, err := h.app.Participation.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application)
}

func (h *handler) participate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	application, err := h.app.Participation.Participate(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()), payload.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application)
}

func (h *handler) fulfillSlot(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Label string `json:"label"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := slotIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	application, err := h.app.Confirmation.Fulfill(r.Context(), mux.Vars(r)["id"], index, payload.Label)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application)
}

func (h *handler) confirmSlot(w http.ResponseWriter, r *http.Request) {
	index, err := slotIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	application, err := h.app.Confirmation.Confirm(r.Context(), mux.Vars(r)["id"], index)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application)
}

func (h *handler) rejectSlot(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := slotIndex(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	application, err := h.app.Confirmation.Reject(r.Context(), mux.Vars(r)["id"], index, payload.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application)
}

func (h *handler) rejectApplication(w http.ResponseWriter, r *http.Request) {
	application, err := h.app.Settlement.RejectApplication(r.Context(), mux.Vars(r)["id"], middleware.CallerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application)
}

func (h *handler) settle(w http.ResponseWriter, r *http.Request) {
	summary, err := h.app.Settlement.Settle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Helpers ----------------------------------------------------------------

func slotIndex(r *http.Request) (int, error) {
	raw := mux.Vars(r)["index"]
	index, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid slot index %q", raw)
	}
	return index, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeServiceError maps the engine's error taxonomy onto HTTP status
// codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ledgerdom.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, market.ErrQuantityExceeded):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, market.ErrAlreadySettled):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, market.ErrInvalidStateTransition), errors.Is(err, market.ErrSlotNotResolved):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, market.ErrInvalidRejectionReason):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, storage.ErrConflictRetryExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
