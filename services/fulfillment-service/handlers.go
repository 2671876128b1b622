package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"erp/sparewo/fulfillment/internal/domain"
	"erp/sparewo/fulfillment/internal/fulfillment"
	"erp/sparewo/fulfillment/internal/store"
)

type createFulfillmentsRequest struct {
	Assignments []domain.Assignment `json:"assignments"`
}

type autoAssignRequest struct {
	PreferQuality *bool `json:"prefer_quality,omitempty"`
}

type updateStatusRequest struct {
	Status       string               `json:"status"`
	VendorNotes  *string              `json:"vendor_notes,omitempty"`
	TrackingInfo *domain.TrackingInfo `json:"tracking_info,omitempty"`
}

type intakeOrderRequest struct {
	Order         domain.Order `json:"order"`
	AutoAssign    bool         `json:"auto_assign"`
	PreferQuality *bool        `json:"prefer_quality,omitempty"`
}

type api struct {
	svc                  *fulfillment.Service
	orders               store.Fulfillments
	module               string
	mode                 string
	defaultPreferQuality bool
	log                  *slog.Logger
}

type routerDeps struct {
	limiter *rateLimiter
	metrics func(http.Handler) http.Handler
	scrape  http.Handler
}

func newRouter(a *api, deps routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if deps.metrics != nil {
		r.Use(deps.metrics)
	}

	r.Get("/healthz", a.health)
	if deps.scrape != nil {
		r.Method(http.MethodGet, "/metrics", deps.scrape)
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.limiter != nil {
			r.Use(deps.limiter.middleware)
		}
		r.Post("/orders", a.intakeOrder)
		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/fulfillments", a.listOrderFulfillments)
			r.Post("/fulfillments", a.createFulfillments)
			r.Post("/auto-assign", a.autoAssign)
		})
		r.Get("/vendors/{vendorID}/fulfillments", a.listVendorFulfillments)
		r.Get("/fulfillments/{fulfillmentID}", a.getFulfillment)
		r.Patch("/fulfillments/{fulfillmentID}/status", a.updateStatus)
		r.Get("/catalog-products/{catalogProductID}/vendors", a.availableVendors)
	})

	return withServerDefaults(r)
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "module": a.module, "service": "fulfillment-service", "mode": a.mode})
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (a *api) intakeOrder(w http.ResponseWriter, r *http.Request) {
	var req intakeOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !req.AutoAssign {
		if err := a.orders.SaveOrder(r.Context(), req.Order); err != nil {
			a.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"order_id": req.Order.ID, "event_topic": "sparewo.order.received"})
		return
	}
	prefer := a.defaultPreferQuality
	if req.PreferQuality != nil {
		prefer = *req.PreferQuality
	}
	res, err := a.svc.HandleOrderCreated(r.Context(), req.Order, prefer)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": req.Order.ID, "fulfillment_ids": res.FulfillmentIDs, "skipped": res.Skipped, "event_topic": "sparewo.fulfillment.auto_assigned"})
}

func (a *api) listOrderFulfillments(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	items, err := a.svc.GetOrderFulfillments(r.Context(), orderID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "event_topic": "sparewo.fulfillment.listed"})
}

func (a *api) createFulfillments(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req createFulfillmentsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ids, err := a.svc.CreateFulfillments(r.Context(), orderID, req.Assignments)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": orderID, "fulfillment_ids": ids, "event_topic": "sparewo.fulfillment.assigned"})
}

func (a *api) autoAssign(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	prefer := a.defaultPreferQuality
	if r.ContentLength != 0 {
		var req autoAssignRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if req.PreferQuality != nil {
			prefer = *req.PreferQuality
		}
	}
	res, err := a.svc.AutoAssignVendorsToOrder(r.Context(), orderID, prefer)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order_id": orderID, "fulfillment_ids": res.FulfillmentIDs, "skipped": res.Skipped, "event_topic": "sparewo.fulfillment.auto_assigned"})
}

// ---------------------------------------------------------------------------
// Fulfillments
// ---------------------------------------------------------------------------

func (a *api) listVendorFulfillments(w http.ResponseWriter, r *http.Request) {
	q := store.VendorQuery{
		VendorID: chi.URLParam(r, "vendorID"),
		Status:   domain.FulfillmentStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Cursor:   strings.TrimSpace(r.URL.Query().Get("cursor")),
		Limit:    intParam(r, "limit", store.DefaultPageSize, 1, store.MaxPageSize),
	}
	page, err := a.svc.GetFulfillmentsByVendor(r.Context(), q)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": page.Items, "next_cursor": page.NextCursor, "cached": page.Cached, "event_topic": "sparewo.fulfillment.listed"})
}

func (a *api) getFulfillment(w http.ResponseWriter, r *http.Request) {
	ff, err := a.svc.GetFulfillment(r.Context(), chi.URLParam(r, "fulfillmentID"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": ff, "event_topic": "sparewo.fulfillment.read"})
}

func (a *api) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	status, err := domain.ParseFulfillmentStatus(req.Status)
	if err != nil {
		a.writeError(w, err)
		return
	}
	ff, err := a.svc.UpdateFulfillmentStatus(r.Context(), chi.URLParam(r, "fulfillmentID"), domain.Transition{
		Status:      status,
		VendorNotes: req.VendorNotes,
		Tracking:    req.TrackingInfo,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": ff, "event_topic": "sparewo.fulfillment.status_changed"})
}

func (a *api) availableVendors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "catalogProductID")
	vendors, err := a.svc.GetAvailableVendorsForProduct(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"catalog_product_id": id, "items": vendors, "event_topic": "sparewo.catalog.vendors.listed"})
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func (a *api) writeError(w http.ResponseWriter, err error) {
	var noVendors *fulfillment.NoVendorsError
	switch {
	case errors.As(err, &noVendors):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": domain.ErrNoVendorsAvailable.Error(), "skipped": noVendors.Skipped})
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrFulfillmentNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrFulfillmentTerminal),
		errors.Is(err, domain.ErrTrackingRequired),
		errors.Is(err, domain.ErrOrderClosed),
		errors.Is(err, domain.ErrAlreadyAssigned):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidAssignment),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrMalformedRecord),
		errors.Is(err, store.ErrInvalidCursor):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		a.log.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
