package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/core/view"
)

// ActorHeader carries the identity of the caller, as asserted by the
// identity provider in front of this service.
const ActorHeader = "X-Actor-ID"

const dayLayout = "2006-01-02"

type HTTPHandler struct {
	inventory *service.InventoryService
}

type ProductHTTPResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Image          []byte    `json:"image,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastUpdated    time.Time `json:"last_updated"`
	QuantityOnHand int64     `json:"quantity_on_hand"`
	QuantitySold   *int64    `json:"quantity_sold,omitempty"`
}

type ProductHTTPRequest struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	Image           []byte `json:"image"`
	InitialQuantity int64  `json:"initial_quantity"`
}

type TransactionHTTPRequest struct {
	RequestID string `json:"request_id"`
	Amount    int64  `json:"amount"`
}

type TransactionHTTPResponse struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	ActorID   string    `json:"actor_id"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type QuantityHTTPRequest struct {
	Quantity int64 `json:"quantity"`
}

type PersonHTTPMessage struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	FullName  string    `json:"full_name,omitempty"`
	Avatar    []byte    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	Changed   []string  `json:"changed,omitempty"`
}

type ErrorHTTPResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHTTPHandler(inventory *service.InventoryService) *HTTPHandler {
	return &HTTPHandler{inventory: inventory}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("POST /api/products", h.CreateProduct)
	mux.HandleFunc("GET /api/products/{id}", h.GetProduct)
	mux.HandleFunc("PUT /api/products/{id}", h.UpsertProduct)
	mux.HandleFunc("POST /api/products/{id}/transactions", h.AppendTransaction)
	mux.HandleFunc("GET /api/products/{id}/transactions", h.ListTransactions)
	mux.HandleFunc("PUT /api/products/{id}/quantity", h.SetInitialQuantity)
	mux.HandleFunc("POST /api/products/{id}/verify", h.VerifyQuantity)
	mux.HandleFunc("GET /api/products/{id}/history", h.History)
	mux.HandleFunc("GET /api/people/{id}", h.GetPerson)
	mux.HandleFunc("PUT /api/people/{id}", h.UpdatePerson)
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListProducts evaluates the product view once: ?sort=name|last_updated|quantity&order=asc|desc&q=.
func (h *HTTPHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	c, err := criteriaFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.inventory.ListProducts(r.Context(), c)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ProductHTTPResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, productResponse(row.Product, row.QuantityOnHand, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := h.inventory.CreateProduct(r.Context(), domain.Product{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
	}, req.InitialQuantity, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeProduct(w, r, http.StatusCreated, p.ID)
}

func (h *HTTPHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	h.writeProduct(w, r, http.StatusOK, r.PathValue("id"))
}

func (h *HTTPHandler) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.inventory.UpsertProduct(r.Context(), r.PathValue("id"), domain.Product{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Image:       req.Image,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeProduct(w, r, http.StatusOK, p.ID)
}

func (h *HTTPHandler) AppendTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tx, err := h.inventory.AppendTransaction(r.Context(), req.RequestID, r.PathValue("id"), actor, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionResponse(tx))
}

// ListTransactions returns the product's log in ledger order; ?limit=N keeps the most recent N.
func (h *HTTPHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, domain.NewError(domain.CodeInvalidArgument, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	txs, err := h.inventory.Transactions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]TransactionHTTPResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, transactionResponse(tx))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) SetInitialQuantity(w http.ResponseWriter, r *http.Request) {
	var req QuantityHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.inventory.SetInitialQuantity(r.Context(), r.PathValue("id"), req.Quantity, actor); err != nil {
		writeError(w, err)
		return
	}
	h.writeProduct(w, r, http.StatusOK, r.PathValue("id"))
}

func (h *HTTPHandler) VerifyQuantity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	consistent, err := h.inventory.VerifyQuantity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	totals, err := h.inventory.Quantity(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consistent":       consistent,
		"quantity_on_hand": totals.QuantityOnHand(),
		"quantity_sold":    totals.QuantitySold(),
	})
}

// History buckets the product's movements per UTC day: ?from=YYYY-MM-DD&to=YYYY-MM-DD.
// from defaults to 30 days before to, to defaults to today.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	to, err := parseDay(q.Get("to"), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	from, err := parseDay(q.Get("from"), to.AddDate(0, 0, -30))
	if err != nil {
		writeError(w, err)
		return
	}
	days, err := h.inventory.History(r.Context(), r.PathValue("id"), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	type dayJSON struct {
		Day         string `json:"day"`
		Sold        int64  `json:"sold"`
		Replenished int64  `json:"replenished"`
	}
	out := make([]dayJSON, 0, len(days))
	for _, d := range days {
		out = append(out, dayJSON{Day: d.Day.Format(dayLayout), Sold: d.Sold, Replenished: d.Replenished})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) GetPerson(w http.ResponseWriter, r *http.Request) {
	p, err := h.inventory.GetPerson(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, personResponse(p, nil))
}

func (h *HTTPHandler) UpdatePerson(w http.ResponseWriter, r *http.Request) {
	var req PersonHTTPMessage
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if req.ID != "" && req.ID != id {
		writeError(w, domain.NewError(domain.CodeInvalidArgument, "person id in body does not match path"))
		return
	}
	p, changed, err := h.inventory.UpdatePerson(r.Context(), domain.Person{
		ID:        id,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Avatar:    req.Avatar,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, personResponse(p, changed))
}

// actor registers the caller named by ActorHeader and returns its id. An
// absent header yields "", which write operations reject.
func (h *HTTPHandler) actor(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(ActorHeader))
	if id == "" {
		return "", nil
	}
	if _, err := h.inventory.EnsurePerson(r.Context(), id); err != nil {
		return "", err
	}
	return id, nil
}

func (h *HTTPHandler) writeProduct(w http.ResponseWriter, r *http.Request, status int, id string) {
	p, totals, err := h.inventory.GetProduct(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	sold := totals.QuantitySold()
	writeJSON(w, status, productResponse(p, totals.QuantityOnHand(), &sold))
}

func criteriaFromQuery(r *http.Request) (view.Criteria, error) {
	q := r.URL.Query()
	key, err := view.ParseSortKey(q.Get("sort"))
	if err != nil {
		return view.Criteria{}, err
	}
	c := view.Criteria{Key: key, Ascending: true, Query: q.Get("q")}
	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		c.Ascending = false
	default:
		return view.Criteria{}, domain.NewError(domain.CodeInvalidArgument, "order must be asc or desc")
	}
	return c, nil
}

func parseDay(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(dayLayout, raw)
	if err != nil {
		return time.Time{}, domain.WrapError(domain.CodeInvalidArgument, "dates use "+dayLayout, err)
	}
	return t, nil
}

func productResponse(p domain.Product, onHand int64, sold *int64) ProductHTTPResponse {
	return ProductHTTPResponse{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Image:          p.Image,
		CreatedAt:      p.CreatedAt,
		LastUpdated:    p.LastUpdated,
		QuantityOnHand: onHand,
		QuantitySold:   sold,
	}
}

func transactionResponse(tx domain.Transaction) TransactionHTTPResponse {
	return TransactionHTTPResponse{
		ID:        tx.ID,
		ProductID: tx.ProductID,
		ActorID:   tx.ActorID,
		Amount:    tx.Amount,
		Timestamp: tx.Timestamp,
	}
}

func personResponse(p domain.Person, changed []domain.PersonField) PersonHTTPMessage {
	out := PersonHTTPMessage{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		FullName:  p.FullName(),
		Avatar:    p.Avatar,
		CreatedAt: p.CreatedAt,
	}
	for _, f := range changed {
		out.Changed = append(out.Changed, f.String())
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorHTTPResponse{
			Code:    string(domain.CodeInvalidArgument),
			Message: "invalid request body",
		})
		return false
	}
	return true
}

// httpStatus maps service errors onto HTTP status codes.
func httpStatus(err error) int {
	if errors.Is(err, service.ErrDuplicateRequest) {
		return http.StatusConflict
	}
	switch domain.CodeOf(err) {
	case domain.CodeUnknownProduct, domain.CodeUnknownPerson:
		return http.StatusNotFound
	case domain.CodeZeroAmount, domain.CodeInvalidArgument, domain.CodeImmutableFieldViolation:
		return http.StatusBadRequest
	case domain.CodeQuantityLocked, domain.CodeAlreadyExists:
		return http.StatusConflict
	case domain.CodeConcurrentWriteTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	resp := ErrorHTTPResponse{Code: string(domain.CodeOf(err)), Message: err.Error()}
	switch {
	case errors.Is(err, service.ErrDuplicateRequest):
		resp.Code = "DUPLICATE_REQUEST"
		resp.Message = "duplicate request"
	case status == http.StatusInternalServerError:
		resp.Code = "INTERNAL"
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
