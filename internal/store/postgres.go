package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"erp/sparewo/fulfillment/internal/domain"
)

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a pooled connection through the pgx stdlib driver and
// pings it.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("missing DATABASE_URL or DB_HOST")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Postgres stores orders and fulfillments. Multi-record writes run in one
// transaction holding a row lock on the parent order.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
	cache   *listCache
}

func NewPostgres(db *sql.DB, timeout, cacheTTL time.Duration) *Postgres {
	return &Postgres{db: db, timeout: timeout, cache: newListCache(cacheTTL)}
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// ---------------------------------------------------------------------------
// DB / Schema
// ---------------------------------------------------------------------------

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			order_number TEXT NOT NULL DEFAULT '',
			customer_id TEXT NOT NULL DEFAULT '',
			items_json JSONB NOT NULL DEFAULT '[]',
			delivery_address TEXT,
			phone TEXT,
			total NUMERIC(18,4) NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK (status IN ('pending','processing','completed','cancelled')) DEFAULT 'pending',
			admin_notes TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS order_fulfillments (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id),
			order_number TEXT,
			catalog_product_id TEXT NOT NULL,
			vendor_product_id TEXT NOT NULL,
			vendor_id TEXT NOT NULL,
			customer_id TEXT,
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			vendor_price NUMERIC(18,4) NOT NULL,
			total_vendor_amount NUMERIC(18,4) NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','accepted','processing','shipped','delivered','cancelled')) DEFAULT 'pending',
			delivery_address TEXT,
			phone TEXT,
			notes TEXT,
			vendor_notes TEXT,
			tracking_number TEXT,
			carrier TEXT,
			estimated_delivery TIMESTAMPTZ,
			assigned_at TIMESTAMPTZ NOT NULL,
			accepted_at TIMESTAMPTZ,
			shipped_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillments_order_created ON order_fulfillments (order_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillments_vendor_created ON order_fulfillments (vendor_id, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillments_vendor_status ON order_fulfillments (vendor_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

const orderColumns = `id, order_number, customer_id, items_json, delivery_address, phone, total, status, admin_notes, created_at, updated_at, completed_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var items []byte
	var address, phone, notes sql.NullString
	var completedAt, cancelledAt sql.NullTime
	if err := row.Scan(&o.ID, &o.OrderNumber, &o.CustomerID, &items, &address, &phone, &o.Total,
		&o.Status, &notes, &o.CreatedAt, &o.UpdatedAt, &completedAt, &cancelledAt); err != nil {
		return domain.Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return domain.Order{}, fmt.Errorf("%w: order %s items: %v", domain.ErrMalformedRecord, o.ID, err)
	}
	o.DeliveryAddress = address.String
	o.Phone = phone.String
	o.AdminNotes = notes.String
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	return o, nil
}

func (p *Postgres) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	o, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return o, err
}

func (p *Postgres) SaveOrder(ctx context.Context, o domain.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	if o.Status == "" {
		o.Status = domain.OrderPending
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}

	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	_, err = p.db.ExecContext(ctx, `INSERT INTO orders (id, order_number, customer_id, items_json, delivery_address, phone, total, status, admin_notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.OrderNumber, o.CustomerID, items, nilIfEmpty(o.DeliveryAddress), nilIfEmpty(o.Phone),
		o.Total, o.Status, nilIfEmpty(o.AdminNotes), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func applyOrderUpdate(ctx context.Context, tx *sql.Tx, orderID string, u domain.OrderUpdate, now time.Time) error {
	var completedAt, cancelledAt any
	switch u.Status {
	case domain.OrderCompleted:
		completedAt = now
	case domain.OrderCancelled:
		cancelledAt = now
	}
	_, err := tx.ExecContext(ctx, `UPDATE orders SET status=$2, admin_notes=COALESCE($3, admin_notes), updated_at=$4,
		completed_at=COALESCE($5, completed_at), cancelled_at=COALESCE($6, cancelled_at)
		WHERE id=$1`,
		orderID, u.Status, nilIfEmpty(u.Note), now, completedAt, cancelledAt)
	return err
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (domain.Order, error) {
	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return o, err
}

// ---------------------------------------------------------------------------
// Fulfillments - Create
// ---------------------------------------------------------------------------

const fulfillmentColumns = `id, order_id, order_number, catalog_product_id, vendor_product_id, vendor_id, customer_id, quantity,
	vendor_price, total_vendor_amount, status, delivery_address, phone, notes, vendor_notes, tracking_number, carrier,
	estimated_delivery, assigned_at, accepted_at, shipped_at, delivered_at, cancelled_at, created_at, updated_at`

func (p *Postgres) CreateFulfillments(ctx context.Context, orderID string, ffs []domain.OrderFulfillment, update domain.OrderUpdate, now time.Time, mode CreateMode) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.Status.Closed() {
		return fmt.Errorf("%w: %s", domain.ErrOrderClosed, orderID)
	}
	if mode == FirstAssignment {
		var existing int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM order_fulfillments WHERE order_id=$1`, orderID).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyAssigned, orderID)
		}
	}

	q := `INSERT INTO order_fulfillments (` + fulfillmentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`
	for _, ff := range ffs {
		if _, err := tx.ExecContext(ctx, q,
			ff.ID, ff.OrderID, nilIfEmpty(ff.OrderNumber), ff.CatalogProductID, ff.VendorProductID, ff.VendorID,
			nilIfEmpty(ff.CustomerID), ff.Quantity, ff.VendorPrice, ff.TotalVendorAmount, ff.Status,
			nilIfEmpty(ff.DeliveryAddress), nilIfEmpty(ff.Phone), nilIfEmpty(ff.Notes), nilIfEmpty(ff.VendorNotes),
			nilIfEmpty(ff.TrackingNumber), nilIfEmpty(ff.Carrier), ff.EstimatedDelivery, ff.AssignedAt,
			ff.AcceptedAt, ff.ShippedAt, ff.DeliveredAt, ff.CancelledAt, ff.CreatedAt, ff.UpdatedAt,
		); err != nil {
			return err
		}
	}
	if err := applyOrderUpdate(ctx, tx, orderID, update, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, ff := range ffs {
		p.cache.invalidateVendor(ff.VendorID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fulfillments - Read
// ---------------------------------------------------------------------------

func scanFulfillment(row rowScanner) (domain.OrderFulfillment, error) {
	var ff domain.OrderFulfillment
	var orderNumber, customerID, address, phone, notes, vendorNotes, tracking, carrier sql.NullString
	var estimated, acceptedAt, shippedAt, deliveredAt, cancelledAt sql.NullTime
	if err := row.Scan(
		&ff.ID, &ff.OrderID, &orderNumber, &ff.CatalogProductID, &ff.VendorProductID, &ff.VendorID, &customerID,
		&ff.Quantity, &ff.VendorPrice, &ff.TotalVendorAmount, &ff.Status, &address, &phone, &notes, &vendorNotes,
		&tracking, &carrier, &estimated, &ff.AssignedAt, &acceptedAt, &shippedAt, &deliveredAt, &cancelledAt,
		&ff.CreatedAt, &ff.UpdatedAt,
	); err != nil {
		return domain.OrderFulfillment{}, err
	}
	ff.OrderNumber = orderNumber.String
	ff.CustomerID = customerID.String
	ff.DeliveryAddress = address.String
	ff.Phone = phone.String
	ff.Notes = notes.String
	ff.VendorNotes = vendorNotes.String
	ff.TrackingNumber = tracking.String
	ff.Carrier = carrier.String
	ff.EstimatedDelivery = timePtr(estimated)
	ff.AcceptedAt = timePtr(acceptedAt)
	ff.ShippedAt = timePtr(shippedAt)
	ff.DeliveredAt = timePtr(deliveredAt)
	ff.CancelledAt = timePtr(cancelledAt)
	return ff, nil
}

func (p *Postgres) GetFulfillment(ctx context.Context, id string) (domain.OrderFulfillment, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	ff, err := scanFulfillment(p.db.QueryRowContext(ctx, `SELECT `+fulfillmentColumns+` FROM order_fulfillments WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderFulfillment{}, fmt.Errorf("%w: %s", domain.ErrFulfillmentNotFound, id)
	}
	return ff, err
}

func (p *Postgres) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderFulfillment, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	return queryFulfillments(ctx, p.db, `SELECT `+fulfillmentColumns+` FROM order_fulfillments
		WHERE order_id=$1 ORDER BY created_at DESC, id DESC`, orderID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryFulfillments(ctx context.Context, q querier, query string, args ...any) ([]domain.OrderFulfillment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderFulfillment, 0)
	for rows.Next() {
		ff, err := scanFulfillment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ff)
	}
	return items, rows.Err()
}

// ---------------------------------------------------------------------------
// Fulfillments - List by vendor
// ---------------------------------------------------------------------------

func (p *Postgres) ListByVendor(ctx context.Context, vq VendorQuery) (Page, error) {
	vq.Limit = clampLimit(vq.Limit)
	if cached, ok := p.cache.get(vq); ok {
		cached.Cached = true
		return cached, nil
	}

	q, args, err := vendorListQuery(vq)
	if err != nil {
		return Page{}, err
	}

	gen := p.cache.generation(vq.VendorID)
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	items, err := queryFulfillments(ctx, p.db, q, args...)
	if err != nil {
		return Page{}, err
	}

	page := Page{Items: items}
	if len(items) > vq.Limit {
		last := items[vq.Limit-1]
		page.Items = items[:vq.Limit]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	p.cache.set(vq, page, gen)
	return page, nil
}

// vendorListQuery builds the keyset query for one vendor page. It asks for
// one row more than the limit to detect a next page.
func vendorListQuery(vq VendorQuery) (string, []any, error) {
	cursorTime, cursorID, err := parseCursor(vq.Cursor)
	if err != nil {
		return "", nil, err
	}

	args := []any{vq.VendorID}
	where := []string{"vendor_id = $1"}
	nextArg := 2
	if vq.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", nextArg))
		args = append(args, vq.Status)
		nextArg++
	}
	if !cursorTime.IsZero() {
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", nextArg, nextArg+1))
		args = append(args, cursorTime, cursorID)
		nextArg += 2
	}
	args = append(args, vq.Limit+1)
	q := fmt.Sprintf(`
		SELECT %s
		FROM order_fulfillments
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d
	`, fulfillmentColumns, strings.Join(where, " AND "), nextArg)
	return q, args, nil
}

// ---------------------------------------------------------------------------
// Fulfillments - Update
// ---------------------------------------------------------------------------

func (p *Postgres) UpdateFulfillment(ctx context.Context, id string, mutate func(*domain.OrderFulfillment) error) (domain.OrderFulfillment, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.OrderFulfillment{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ff, err := scanFulfillment(tx.QueryRowContext(ctx, `SELECT `+fulfillmentColumns+` FROM order_fulfillments WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OrderFulfillment{}, fmt.Errorf("%w: %s", domain.ErrFulfillmentNotFound, id)
	}
	if err != nil {
		return domain.OrderFulfillment{}, err
	}
	if err := mutate(&ff); err != nil {
		return domain.OrderFulfillment{}, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE order_fulfillments SET
			status=$2, vendor_notes=$3, tracking_number=$4, carrier=$5, estimated_delivery=$6,
			accepted_at=$7, shipped_at=$8, delivered_at=$9, cancelled_at=$10, updated_at=$11
		WHERE id=$1`,
		ff.ID, ff.Status, nilIfEmpty(ff.VendorNotes), nilIfEmpty(ff.TrackingNumber), nilIfEmpty(ff.Carrier),
		ff.EstimatedDelivery, ff.AcceptedAt, ff.ShippedAt, ff.DeliveredAt, ff.CancelledAt, ff.UpdatedAt,
	); err != nil {
		return domain.OrderFulfillment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OrderFulfillment{}, err
	}
	p.cache.invalidateVendor(ff.VendorID)
	return ff, nil
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

func (p *Postgres) ReconcileOrder(ctx context.Context, orderID string, now time.Time, decide DecideFunc) (domain.Order, bool, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	ffs, err := queryFulfillments(ctx, tx, `SELECT `+fulfillmentColumns+` FROM order_fulfillments WHERE order_id=$1`, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}

	update, apply := decide(order, ffs)
	if !apply {
		return order, false, nil
	}
	if err := applyOrderUpdate(ctx, tx, orderID, update, now); err != nil {
		return domain.Order{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, false, err
	}
	order.Apply(update, now)
	return order, true, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
