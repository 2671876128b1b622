package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"erp/sparewo/fulfillment/internal/domain"
)

const (
	mappingsCollection       = "product_mappings"
	vendorProductsCollection = "vendor_products"
	vendorsCollection        = "vendors"
)

type MongoConfig struct {
	URI      string
	Database string
	Username string
	Password string
}

// MongoCatalog reads the catalog collections shared with the vendor and
// admin tools. Documents that cannot be interpreted are skipped with a
// warning instead of failing the whole read.
type MongoCatalog struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	log     *slog.Logger
}

func NewMongoCatalog(ctx context.Context, cfg MongoConfig, timeout time.Duration, logger *slog.Logger) (*MongoCatalog, error) {
	var clientOptions *options.ClientOptions
	if cfg.Username == "" && cfg.Password == "" {
		clientOptions = options.Client().ApplyURI(cfg.URI)
	} else {
		clientOptions = options.Client().ApplyURI(cfg.URI).
			SetAuth(options.Credential{
				AuthSource: cfg.Database,
				Username:   cfg.Username,
				Password:   cfg.Password,
			}).
			SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoCatalog{client: client, db: client.Database(cfg.Database), timeout: timeout, log: logger}, nil
}

func (c *MongoCatalog) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *MongoCatalog) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ---------------------------------------------------------------------------
// Documents
// ---------------------------------------------------------------------------

type mappingDoc struct {
	ID               string    `bson:"_id"`
	CatalogProductID string    `bson:"catalogProductId"`
	VendorID         string    `bson:"vendorId"`
	VendorProductID  string    `bson:"vendorProductId"`
	QualityScore     float64   `bson:"qualityScore"`
	PriceScore       float64   `bson:"priceScore"`
	ReliabilityScore float64   `bson:"reliabilityScore"`
	IsPreferred      bool      `bson:"isPreferred"`
	IsActive         bool      `bson:"isActive"`
	VendorPrice      float64   `bson:"vendorPrice"`
	LastPriceUpdate  time.Time `bson:"lastPriceUpdate"`
}

// vendorProductDoc accepts both field generations. stockQuantity and
// unitPrice are canonical; stock and price are read only when the canonical
// field is absent.
type vendorProductDoc struct {
	ID            string   `bson:"_id"`
	VendorID      string   `bson:"vendorId"`
	StockQuantity *int     `bson:"stockQuantity,omitempty"`
	Stock         *int     `bson:"stock,omitempty"`
	UnitPrice     *float64 `bson:"unitPrice,omitempty"`
	Price         *float64 `bson:"price,omitempty"`
	Status        string   `bson:"status"`
}

type vendorDoc struct {
	ID           string `bson:"_id"`
	BusinessName string `bson:"businessName"`
	Status       string `bson:"status"`
}

func (d mappingDoc) toDomain() (domain.ProductMapping, error) {
	if d.ID == "" || d.VendorID == "" || d.VendorProductID == "" {
		return domain.ProductMapping{}, fmt.Errorf("%w: mapping %q missing vendor references", domain.ErrMalformedRecord, d.ID)
	}
	return domain.ProductMapping{
		ID:               d.ID,
		CatalogProductID: d.CatalogProductID,
		VendorID:         d.VendorID,
		VendorProductID:  d.VendorProductID,
		QualityScore:     d.QualityScore,
		PriceScore:       d.PriceScore,
		ReliabilityScore: d.ReliabilityScore,
		IsPreferred:      d.IsPreferred,
		IsActive:         d.IsActive,
		VendorPrice:      decimal.NewFromFloat(d.VendorPrice),
		LastPriceUpdate:  d.LastPriceUpdate,
	}, nil
}

func (d vendorProductDoc) toDomain() (domain.VendorProduct, error) {
	if d.ID == "" || d.VendorID == "" {
		return domain.VendorProduct{}, fmt.Errorf("%w: vendor product %q missing vendor", domain.ErrMalformedRecord, d.ID)
	}
	vp := domain.VendorProduct{ID: d.ID, VendorID: d.VendorID, Status: d.Status}
	switch {
	case d.StockQuantity != nil:
		vp.StockQuantity = *d.StockQuantity
	case d.Stock != nil:
		vp.StockQuantity = *d.Stock
	}
	switch {
	case d.UnitPrice != nil:
		vp.UnitPrice = decimal.NewFromFloat(*d.UnitPrice)
	case d.Price != nil:
		vp.UnitPrice = decimal.NewFromFloat(*d.Price)
	}
	if vp.UnitPrice.IsNegative() {
		return domain.VendorProduct{}, fmt.Errorf("%w: vendor product %q negative price", domain.ErrMalformedRecord, d.ID)
	}
	return vp, nil
}

func (d vendorDoc) toDomain() (domain.Vendor, error) {
	if d.ID == "" {
		return domain.Vendor{}, fmt.Errorf("%w: vendor without id", domain.ErrMalformedRecord)
	}
	return domain.Vendor{ID: d.ID, BusinessName: d.BusinessName, Status: domain.VendorStatus(d.Status)}, nil
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (c *MongoCatalog) ActiveMappings(ctx context.Context, catalogProductID string) ([]domain.ProductMapping, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.D{
		{Key: "catalogProductId", Value: catalogProductID},
		{Key: "isActive", Value: true},
	}
	opts := options.Find().SetSort(bson.D{{Key: "qualityScore", Value: -1}, {Key: "_id", Value: 1}})
	cursor, err := c.db.Collection(mappingsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find mappings for %s: %w", catalogProductID, err)
	}
	defer cursor.Close(ctx)

	out := make([]domain.ProductMapping, 0)
	for cursor.Next(ctx) {
		var doc mappingDoc
		if err := cursor.Decode(&doc); err != nil {
			c.log.Warn("skipping undecodable mapping", "catalog_product_id", catalogProductID, "error", err)
			continue
		}
		pm, err := doc.toDomain()
		if err != nil {
			c.log.Warn("skipping mapping", "catalog_product_id", catalogProductID, "error", err)
			continue
		}
		out = append(out, pm)
	}
	return out, cursor.Err()
}

func (c *MongoCatalog) VendorProductsByID(ctx context.Context, ids []string) (map[string]domain.VendorProduct, error) {
	out := make(map[string]domain.VendorProduct, len(ids))
	err := c.findByIDs(ctx, vendorProductsCollection, ids, func(cursor *mongo.Cursor) error {
		var doc vendorProductDoc
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		vp, err := doc.toDomain()
		if err != nil {
			return err
		}
		out[vp.ID] = vp
		return nil
	})
	return out, err
}

func (c *MongoCatalog) VendorsByID(ctx context.Context, ids []string) (map[string]domain.Vendor, error) {
	out := make(map[string]domain.Vendor, len(ids))
	err := c.findByIDs(ctx, vendorsCollection, ids, func(cursor *mongo.Cursor) error {
		var doc vendorDoc
		if err := cursor.Decode(&doc); err != nil {
			return err
		}
		v, err := doc.toDomain()
		if err != nil {
			return err
		}
		out[v.ID] = v
		return nil
	})
	return out, err
}

// findByIDs runs one $in query and hands every document to decode. Decode
// failures drop the document and log it.
func (c *MongoCatalog) findByIDs(ctx context.Context, collection string, ids []string, decode func(*mongo.Cursor) error) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cursor, err := c.db.Collection(collection).Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		if err := decode(cursor); err != nil {
			c.log.Warn("skipping catalog record", "collection", collection, "error", err)
		}
	}
	return cursor.Err()
}
