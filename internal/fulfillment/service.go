// Package fulfillment turns orders into per-vendor fulfillment records,
// moves those records through their lifecycle and rolls the result back up
// into the parent order.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"erp/sparewo/fulfillment/internal/assign"
	"erp/sparewo/fulfillment/internal/domain"
	"erp/sparewo/fulfillment/internal/logging"
	"erp/sparewo/fulfillment/internal/messaging"
	"erp/sparewo/fulfillment/internal/metrics"
	"erp/sparewo/fulfillment/internal/store"
)

// VendorResolver lists the candidates able to supply a catalog product.
type VendorResolver interface {
	ResolveAvailableVendors(ctx context.Context, catalogProductID string) ([]domain.CandidateVendor, error)
}

type Service struct {
	repo      store.Fulfillments
	resolver  VendorResolver
	publisher messaging.Publisher
	metrics   *metrics.FulfillmentMetrics
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func WithMetrics(m *metrics.FulfillmentMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo store.Fulfillments, resolver VendorResolver, publisher messaging.Publisher, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		resolver:  resolver,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = messaging.NewLogPublisher(log)
	}
	return s
}

// ---------------------------------------------------------------------------
// Orchestration
// ---------------------------------------------------------------------------

// CreateFulfillments records one pending fulfillment per assignment and moves
// the order to processing. Either all records and the order change are
// stored or none are. IDs come back in assignment order. Records are added
// next to any the order already has.
func (s *Service) CreateFulfillments(ctx context.Context, orderID string, assignments []domain.Assignment) ([]string, error) {
	return s.createFulfillments(ctx, orderID, assignments, store.Append)
}

func (s *Service) createFulfillments(ctx context.Context, orderID string, assignments []domain.Assignment, mode store.CreateMode) ([]string, error) {
	if len(assignments) == 0 {
		return nil, fmt.Errorf("%w: at least one assignment is required", domain.ErrInvalidAssignment)
	}
	for i, a := range assignments {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("assignment %d: %w", i, err)
		}
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Closed() {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrOrderClosed, orderID, order.Status)
	}

	now := s.now()
	records := make([]domain.OrderFulfillment, 0, len(assignments))
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ff := domain.NewFulfillment(s.newID(), order, a, now)
		records = append(records, ff)
		ids = append(ids, ff.ID)
	}

	update := domain.OrderUpdate{Status: domain.OrderProcessing, Note: domain.NoteFulfillmentsAssigned}
	if err := s.repo.CreateFulfillments(ctx, orderID, records, update, now, mode); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Created.Add(float64(len(records)))
	}
	for _, ff := range records {
		s.log.Info("fulfillment assigned",
			logging.KeyOrderID, orderID,
			logging.KeyFulfillmentID, ff.ID,
			logging.KeyVendorID, ff.VendorID,
		)
		evt := messaging.NewEvent(messaging.TopicFulfillmentAssigned, orderID, ff)
		evt.FulfillmentID = ff.ID
		evt.VendorID = ff.VendorID
		evt.Status = string(ff.Status)
		s.publish(ctx, evt)
	}
	return ids, nil
}

type AutoAssignResult struct {
	FulfillmentIDs []string            `json:"fulfillment_ids"`
	Skipped        []*assign.SkipError `json:"skipped"`
}

// NoVendorsError reports an auto-assignment where no line item could be
// placed. It matches domain.ErrNoVendorsAvailable.
type NoVendorsError struct {
	OrderID string
	Skipped []*assign.SkipError
}

func (e *NoVendorsError) Error() string {
	reasons := make([]string, 0, len(e.Skipped))
	for _, s := range e.Skipped {
		reasons = append(reasons, s.Error())
	}
	return fmt.Sprintf("%s: order %s (%s)", domain.ErrNoVendorsAvailable, e.OrderID, strings.Join(reasons, "; "))
}

func (e *NoVendorsError) Unwrap() error {
	return domain.ErrNoVendorsAvailable
}

// AutoAssignVendorsToOrder picks one vendor listing per line item and creates
// the fulfillments for every item that got one. Items without a usable
// vendor are skipped and reported in the result. An order that already has
// fulfillments fails with domain.ErrAlreadyAssigned.
func (s *Service) AutoAssignVendorsToOrder(ctx context.Context, orderID string, preferQuality bool) (AutoAssignResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return AutoAssignResult{}, err
	}
	if order.Status.Closed() {
		return AutoAssignResult{}, fmt.Errorf("%w: %s is %s", domain.ErrOrderClosed, orderID, order.Status)
	}
	existing, err := s.repo.ListByOrder(ctx, orderID)
	if err != nil {
		return AutoAssignResult{}, err
	}
	if len(existing) > 0 {
		return AutoAssignResult{}, fmt.Errorf("%w: %s", domain.ErrAlreadyAssigned, orderID)
	}

	policy := assign.PolicyFor(preferQuality)
	assignments := make([]domain.Assignment, 0, len(order.Items))
	skipped := make([]*assign.SkipError, 0)
	for _, item := range order.Items {
		candidates, err := s.resolver.ResolveAvailableVendors(ctx, item.CatalogProductID)
		if err != nil {
			return AutoAssignResult{}, err
		}
		a, err := assign.Select(item, candidates, policy)
		var skip *assign.SkipError
		if errors.As(err, &skip) {
			skipped = append(skipped, skip)
			if s.metrics != nil {
				s.metrics.Skips.WithLabelValues(skip.Reason).Inc()
			}
			s.log.Warn("line item skipped",
				logging.KeyOrderID, orderID,
				"catalog_product_id", item.CatalogProductID,
				"quantity", item.Quantity,
				"reason", skip.Reason,
			)
			continue
		}
		if err != nil {
			return AutoAssignResult{}, err
		}
		assignments = append(assignments, a)
	}

	if len(assignments) == 0 {
		return AutoAssignResult{Skipped: skipped}, &NoVendorsError{OrderID: orderID, Skipped: skipped}
	}

	ids, err := s.createFulfillments(ctx, orderID, assignments, store.FirstAssignment)
	if err != nil {
		return AutoAssignResult{}, err
	}
	return AutoAssignResult{FulfillmentIDs: ids, Skipped: skipped}, nil
}

// HandleOrderCreated stores an order coming from intake and auto-assigns it.
// Redelivered or concurrent copies of the same order never assign twice:
// the losers get the fulfillments that are already there.
func (s *Service) HandleOrderCreated(ctx context.Context, order domain.Order, preferQuality bool) (AutoAssignResult, error) {
	if err := s.repo.SaveOrder(ctx, order); err != nil {
		return AutoAssignResult{}, err
	}
	res, err := s.AutoAssignVendorsToOrder(ctx, order.ID, preferQuality)
	if !errors.Is(err, domain.ErrAlreadyAssigned) {
		return res, err
	}

	existing, err := s.repo.ListByOrder(ctx, order.ID)
	if err != nil {
		return AutoAssignResult{}, err
	}
	s.log.Info("order already assigned", logging.KeyOrderID, order.ID, "fulfillments", len(existing))
	ids := make([]string, 0, len(existing))
	for _, ff := range existing {
		ids = append(ids, ff.ID)
	}
	return AutoAssignResult{FulfillmentIDs: ids, Skipped: []*assign.SkipError{}}, nil
}

// OrderHandler adapts HandleOrderCreated to broker consumers.
func (s *Service) OrderHandler(defaultPreferQuality bool) messaging.OrderHandler {
	return func(ctx context.Context, msg messaging.OrderCreated) error {
		prefer := defaultPreferQuality
		if msg.PreferQuality != nil {
			prefer = *msg.PreferQuality
		}
		_, err := s.HandleOrderCreated(ctx, msg.Order, prefer)
		return err
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// UpdateFulfillmentStatus applies one transition and then reconciles the
// parent order. A failed reconciliation is logged and counted; the stored
// transition is still returned.
func (s *Service) UpdateFulfillmentStatus(ctx context.Context, fulfillmentID string, tr domain.Transition) (domain.OrderFulfillment, error) {
	now := s.now()
	ff, err := s.repo.UpdateFulfillment(ctx, fulfillmentID, func(f *domain.OrderFulfillment) error {
		return f.Apply(tr, now)
	})
	if err != nil {
		return domain.OrderFulfillment{}, err
	}

	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(ff.Status)).Inc()
	}
	s.log.Info("fulfillment status changed",
		logging.KeyOrderID, ff.OrderID,
		logging.KeyFulfillmentID, ff.ID,
		logging.KeyVendorID, ff.VendorID,
		logging.KeyStatus, ff.Status,
	)
	evt := messaging.NewEvent(messaging.TopicFulfillmentStatusChanged, ff.OrderID, ff)
	evt.FulfillmentID = ff.ID
	evt.VendorID = ff.VendorID
	evt.Status = string(ff.Status)
	s.publish(ctx, evt)

	if err := s.reconcileOrder(ctx, ff.OrderID); err != nil {
		if s.metrics != nil {
			s.metrics.Reconciled.WithLabelValues("error").Inc()
		}
		s.log.Error("order reconcile failed", logging.KeyOrderID, ff.OrderID, logging.KeyFulfillmentID, ff.ID, "error", err)
	}
	return ff, nil
}

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

// DecideOrderOutcome derives the order status from its fulfillments. Once
// every fulfillment is terminal the order completes if anything was
// delivered and is cancelled otherwise.
func DecideOrderOutcome(fulfillments []domain.OrderFulfillment) (domain.OrderUpdate, bool) {
	if len(fulfillments) == 0 {
		return domain.OrderUpdate{}, false
	}
	delivered := false
	for _, ff := range fulfillments {
		if !ff.Status.Terminal() {
			return domain.OrderUpdate{}, false
		}
		if ff.Status == domain.FulfillmentDelivered {
			delivered = true
		}
	}
	if delivered {
		return domain.OrderUpdate{Status: domain.OrderCompleted, Note: domain.NoteAllDelivered}, true
	}
	return domain.OrderUpdate{Status: domain.OrderCancelled, Note: domain.NoteAllCancelled}, true
}

func (s *Service) reconcileOrder(ctx context.Context, orderID string) error {
	order, changed, err := s.repo.ReconcileOrder(ctx, orderID, s.now(), func(o domain.Order, ffs []domain.OrderFulfillment) (domain.OrderUpdate, bool) {
		update, ok := DecideOrderOutcome(ffs)
		if !ok || o.Status == update.Status {
			return domain.OrderUpdate{}, false
		}
		return update, true
	})
	if err != nil {
		return err
	}

	outcome := "unchanged"
	if changed {
		outcome = string(order.Status)
	}
	if s.metrics != nil {
		s.metrics.Reconciled.WithLabelValues(outcome).Inc()
	}
	if !changed {
		return nil
	}

	s.log.Info("order reconciled", logging.KeyOrderID, orderID, logging.KeyStatus, order.Status)
	topic := messaging.TopicOrderCompleted
	if order.Status == domain.OrderCancelled {
		topic = messaging.TopicOrderCancelled
	}
	evt := messaging.NewEvent(topic, orderID, order)
	evt.Status = string(order.Status)
	s.publish(ctx, evt)
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func (s *Service) GetOrderFulfillments(ctx context.Context, orderID string) ([]domain.OrderFulfillment, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListByOrder(ctx, orderID)
}

func (s *Service) GetFulfillmentsByVendor(ctx context.Context, q store.VendorQuery) (store.Page, error) {
	if q.Status != "" {
		status, err := domain.ParseFulfillmentStatus(string(q.Status))
		if err != nil {
			return store.Page{}, err
		}
		q.Status = status
	}
	return s.repo.ListByVendor(ctx, q)
}

func (s *Service) GetFulfillment(ctx context.Context, fulfillmentID string) (domain.OrderFulfillment, error) {
	return s.repo.GetFulfillment(ctx, fulfillmentID)
}

func (s *Service) GetAvailableVendorsForProduct(ctx context.Context, catalogProductID string) ([]domain.CandidateVendor, error) {
	return s.resolver.ResolveAvailableVendors(ctx, catalogProductID)
}

// publish never fails the operation; the state change is already stored.
func (s *Service) publish(ctx context.Context, evt messaging.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.log.Error("event publish failed", logging.KeyEventID, evt.ID, logging.KeyStep, evt.Type, logging.KeyOrderID, evt.OrderID, "error", err)
	}
}
