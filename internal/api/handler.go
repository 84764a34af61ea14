// Package api serves the platform-facing order sync endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/feastly/possync/internal/domain/order"
	"github.com/feastly/possync/internal/sync"
	"github.com/feastly/possync/internal/transform"
)

// maxRequestBytes caps inbound request size.
const maxRequestBytes = 1 << 20

// Submitter pushes an order through the sync pipeline.
type Submitter interface {
	Submit(ctx context.Context, ord *order.Order, items []order.Item, total order.Total) (sync.Result, error)
}

// Handler serves order submission and status queries.
type Handler struct {
	orders order.Repository
	orch   Submitter
}

// NewHandler creates an API Handler.
func NewHandler(orders order.Repository, orch Submitter) *Handler {
	return &Handler{orders: orders, orch: orch}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders/{id}/sync", h.submitOrder)
	mux.HandleFunc("GET /api/orders/{id}/status", h.orderStatus)
}

type customerRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Address string `json:"address"`
}

type addonRequest struct {
	CatalogID string          `json:"catalog_id"`
	GroupID   string          `json:"group_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

type itemRequest struct {
	ID          string          `json:"id"`
	CatalogID   string          `json:"catalog_id"`
	VariationID string          `json:"variation_id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	Addons      []addonRequest  `json:"addons"`
}

type totalRequest struct {
	Subtotal    decimal.Decimal `json:"subtotal"`
	Charges     decimal.Decimal `json:"charges"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	FinalAmount decimal.Decimal `json:"final_amount"`
}

type submitRequest struct {
	RestaurantID  string          `json:"restaurant_id"`
	OrderType     string          `json:"order_type"`
	PaymentMode   string          `json:"payment_mode"`
	AdvancedOrder bool            `json:"advanced_order"`
	TableNo       string          `json:"table_no"`
	PersonCount   int             `json:"person_count"`
	Customer      customerRequest `json:"customer"`
	Items         []itemRequest   `json:"items"`
	Total         totalRequest    `json:"total"`
}

type submitResponse struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	ExternalRef  string `json:"external_ref,omitempty"`
	Attempts     int    `json:"attempts"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := r.PathValue("id")
	lg := zctx.From(ctx).With(zap.String("order_id", orderID))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	now := time.Now().UTC()
	ord := &order.Order{
		ID:            orderID,
		RestaurantID:  req.RestaurantID,
		Type:          order.Type(req.OrderType),
		PaymentMode:   req.PaymentMode,
		AdvancedOrder: req.AdvancedOrder,
		TableNo:       req.TableNo,
		PersonCount:   req.PersonCount,
		Customer: order.Customer{
			Name:    req.Customer.Name,
			Phone:   req.Customer.Phone,
			Email:   req.Customer.Email,
			Address: req.Customer.Address,
		},
		CreatedAt: now,
	}
	items := make([]order.Item, 0, len(req.Items))
	for _, it := range req.Items {
		addons := make([]order.Addon, 0, len(it.Addons))
		for _, a := range it.Addons {
			addons = append(addons, order.Addon{
				CatalogID: a.CatalogID,
				GroupID:   a.GroupID,
				Name:      a.Name,
				Price:     a.Price,
				Quantity:  a.Quantity,
			})
		}
		items = append(items, order.Item{
			ID:          it.ID,
			OrderID:     orderID,
			CatalogID:   it.CatalogID,
			VariationID: it.VariationID,
			Name:        it.Name,
			Price:       it.Price,
			Quantity:    it.Quantity,
			TaxAmount:   it.TaxAmount,
			Addons:      addons,
		})
	}
	total := order.Total{
		OrderID:     orderID,
		Subtotal:    req.Total.Subtotal,
		Charges:     req.Total.Charges,
		Discount:    req.Total.Discount,
		Tax:         req.Total.Tax,
		FinalAmount: req.Total.FinalAmount,
	}

	res, err := h.orch.Submit(ctx, ord, items, total)
	if err != nil {
		var mapErr *transform.MappingError
		var gwErr *sync.GatewayRejectionError
		switch {
		case errors.As(err, &mapErr):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: mapErr.Error()})
		case errors.As(err, &gwErr):
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: gwErr.Error()})
		case errors.Is(err, sync.ErrOrderTerminal):
			writeJSON(w, http.StatusConflict, errorResponse{Error: "order is in a terminal state"})
		default:
			lg.Error("Order submission failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		OrderID:      res.OrderID,
		Status:       string(res.Status),
		ExternalRef:  res.ExternalRef,
		Attempts:     res.Attempts,
		Deduplicated: res.Deduplicated,
	})
}

type statusChangeResponse struct {
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
}

type statusResponse struct {
	OrderID     string                 `json:"order_id"`
	Status      string                 `json:"status"`
	ExternalRef string                 `json:"external_ref,omitempty"`
	Version     int64                  `json:"version"`
	History     []statusChangeResponse `json:"history"`
}

func (h *Handler) orderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orderID := r.PathValue("id")

	ord, err := h.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "order not found"})
			return
		}
		zctx.From(ctx).Error("Order lookup failed", zap.String("order_id", orderID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	history, err := h.orders.History(ctx, orderID)
	if err != nil {
		zctx.From(ctx).Error("History lookup failed", zap.String("order_id", orderID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	resp := statusResponse{
		OrderID:     ord.ID,
		Status:      string(ord.Status),
		ExternalRef: ord.ExternalRef,
		Version:     ord.Version,
		History:     make([]statusChangeResponse, 0, len(history)),
	}
	for _, sc := range history {
		resp.History = append(resp.History, statusChangeResponse{
			Status:    string(sc.Status),
			Version:   sc.Version,
			ChangedAt: sc.ChangedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
