package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/golocal-storefront/internal/apperr"
	"github.com/jogardn/golocal-storefront/internal/cart"
	"github.com/jogardn/golocal-storefront/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	pqForeignKeyViolation = "23503"
	pqUniqueViolation     = "23505"
	pqNumericOutOfRange   = "22003"
)

// Postgres is the relational store behind orders, tracking, carts and products.
type Postgres struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgres(db *sql.DB, logger *logrus.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Connect opens the database and waits until it answers a ping.
func Connect(ctx context.Context, dsn string, attempts int, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			return db, nil
		}
		logger.Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	db.Close()
	return nil, fmt.Errorf("database not reachable: %w", err)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			price BIGINT NOT NULL,
			image TEXT,
			unit VARCHAR(64),
			brand VARCHAR(255),
			category VARCHAR(128) NOT NULL,
			stock_quantity INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			total_amount BIGINT NOT NULL,
			status VARCHAR(50) NOT NULL,
			delivery_address TEXT NOT NULL,
			payment_method VARCHAR(16) NOT NULL,
			payment_status VARCHAR(16) NOT NULL,
			tracking_number VARCHAR(255),
			estimated_delivery TIMESTAMP,
			actual_delivery TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id VARCHAR(255) PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			product_id VARCHAR(255) NOT NULL REFERENCES products(id),
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			unit_price BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_tracking (
			id VARCHAR(255) PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			status VARCHAR(50) NOT NULL,
			location TEXT,
			notes TEXT,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cart_items (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			product_id VARCHAR(255) NOT NULL REFERENCES products(id),
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (user_id, product_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_tracking_order_id ON delivery_tracking(order_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_products_category ON products(category)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	p.logger.Info("Database schema ready")
	return nil
}

// mapError translates driver errors into the application taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqForeignKeyViolation:
			return apperr.Validation("Unknown Product", "product_id")
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w", op, apperr.ErrConflict)
		case pqNumericOutOfRange:
			return apperr.Validation("Invalid Quantity", "quantity")
		}
	}
	return apperr.Persistence(op, err)
}

// CreateOrder inserts the header and its items and empties the user's saved
// cart, all in one transaction.
func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin order transaction", err)
	}
	defer tx.Rollback()

	// Insert order
	query := `
		INSERT INTO orders (id, user_id, total_amount, status, delivery_address, payment_method,
			payment_status, tracking_number, estimated_delivery, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.ExecContext(ctx, query, order.ID, order.UserID, order.TotalAmount, order.Status,
		order.DeliveryAddress, order.PaymentMethod, order.PaymentStatus, nullString(order.TrackingNumber),
		nullTime(order.EstimatedDelivery), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return mapError("insert order", err)
	}

	// Insert order items
	for _, item := range order.Items {
		itemQuery := `
			INSERT INTO order_items (id, order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
		`
		_, err = tx.ExecContext(ctx, itemQuery, item.ID, order.ID, item.ProductID, item.Quantity, item.UnitPrice)
		if err != nil {
			return mapError("insert order items", err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, order.UserID); err != nil {
		return mapError("clear cart", err)
	}

	return mapError("commit order", tx.Commit())
}

const orderColumns = `id, user_id, total_amount, status, delivery_address, payment_method,
	payment_status, tracking_number, estimated_delivery, actual_delivery, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var (
		trackingNumber sql.NullString
		estimated      sql.NullTime
		actual         sql.NullTime
	)
	err := row.Scan(&order.ID, &order.UserID, &order.TotalAmount, &order.Status, &order.DeliveryAddress,
		&order.PaymentMethod, &order.PaymentStatus, &trackingNumber, &estimated, &actual,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if trackingNumber.Valid {
		order.TrackingNumber = &trackingNumber.String
	}
	if estimated.Valid {
		order.EstimatedDelivery = &estimated.Time
	}
	if actual.Valid {
		order.ActualDelivery = &actual.Time
	}
	order.Items = []models.OrderItem{}
	return order, nil
}

// ListOrdersByUser returns the user's orders newest first, with their items.
func (p *Postgres) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, mapError("list orders", err)
	}
	defer rows.Close()

	var orders []models.Order
	index := make(map[string]int)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, mapError("scan order", err)
		}
		index[order.ID] = len(orders)
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list orders", err)
	}
	if len(orders) == 0 {
		return []models.Order{}, nil
	}

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}

	// Get all order items in one round trip
	itemRows, err := p.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = ANY($1) ORDER BY id`,
		pq.Array(ids))
	if err != nil {
		return nil, mapError("list order items", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var item models.OrderItem
		if err := itemRows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, mapError("scan order item", err)
		}
		if i, ok := index[item.OrderID]; ok {
			orders[i].Items = append(orders[i].Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, mapError("list order items", err)
	}

	return orders, nil
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := scanOrder(p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get order", err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, mapError("get order items", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, mapError("scan order item", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("get order items", err)
	}

	return order, nil
}

// UpdateOrderStatus updates the header only if its status is still from, and
// appends the tracking event in the same transaction.
func (p *Postgres) UpdateOrderStatus(ctx context.Context, order *models.Order, from models.OrderStatus, event models.DeliveryTracking) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin status transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = $1, tracking_number = $2, actual_delivery = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, order.Status, nullString(order.TrackingNumber), nullTime(order.ActualDelivery), order.UpdatedAt, order.ID, from)
	if err != nil {
		return mapError("update order status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return mapError("update order status", err)
	}
	if affected == 0 {
		return fmt.Errorf("order %s is no longer %s: %w", order.ID, from, apperr.ErrConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_tracking (id, order_id, status, location, notes, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.OrderID, event.Status, nullString(event.Location), nullString(event.Notes), event.Timestamp)
	if err != nil {
		return mapError("insert tracking event", err)
	}

	return mapError("commit status", tx.Commit())
}

// ListTracking returns an order's tracking events newest first.
func (p *Postgres) ListTracking(ctx context.Context, orderID string) ([]models.DeliveryTracking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, status, location, notes, timestamp
		FROM delivery_tracking WHERE order_id = $1 ORDER BY timestamp DESC
	`, orderID)
	if err != nil {
		return nil, mapError("list tracking", err)
	}
	defer rows.Close()

	events := []models.DeliveryTracking{}
	for rows.Next() {
		var (
			event    models.DeliveryTracking
			location sql.NullString
			notes    sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.OrderID, &event.Status, &location, &notes, &event.Timestamp); err != nil {
			return nil, mapError("scan tracking", err)
		}
		if location.Valid {
			event.Location = &location.String
		}
		if notes.Valid {
			event.Notes = &notes.String
		}
		events = append(events, event)
	}
	return events, mapError("list tracking", rows.Err())
}

const productColumns = `id, name, price, COALESCE(image, ''), COALESCE(unit, ''), COALESCE(brand, ''),
	category, stock_quantity, is_active, created_at`

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Image, &p.Unit, &p.Brand, &p.Category,
		&p.StockQuantity, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// List implements catalog.Source.
func (p *Postgres) List(ctx context.Context, category string) ([]models.Product, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products
		WHERE is_active AND ($1 = '' OR lower(category) = lower($1)) ORDER BY name`, strings.TrimSpace(category))
	if err != nil {
		return nil, mapError("list products", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, mapError("scan product", err)
		}
		products = append(products, *product)
	}
	return products, mapError("list products", rows.Err())
}

// Get implements catalog.Source.
func (p *Postgres) Get(ctx context.Context, id string) (*models.Product, error) {
	product, err := scanProduct(p.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1 AND is_active`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", id, apperr.ErrNotFound)
		}
		return nil, mapError("get product", err)
	}
	return product, nil
}

// SeedProducts inserts products that do not exist yet.
func (p *Postgres) SeedProducts(ctx context.Context, products []models.Product) error {
	for _, product := range products {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO products (id, name, price, image, unit, brand, category, stock_quantity, is_active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING
		`, product.ID, product.Name, product.Price, product.Image, product.Unit, product.Brand,
			product.Category, product.StockQuantity, product.IsActive, product.CreatedAt)
		if err != nil {
			return mapError("seed products", err)
		}
	}
	return nil
}

// CartRemote returns the persisted cart of userID.
func (p *Postgres) CartRemote(userID string) cart.Remote {
	return &pgCart{db: p.db, userID: userID}
}

type pgCart struct {
	db     *sql.DB
	userID string
}

func (c *pgCart) ListItems(ctx context.Context) ([]cart.Item, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT c.id, c.product_id, c.quantity, p.name, p.price, COALESCE(p.image, ''), COALESCE(p.unit, ''), COALESCE(p.brand, '')
		FROM cart_items c JOIN products p ON p.id = c.product_id
		WHERE c.user_id = $1 ORDER BY c.created_at
	`, c.userID)
	if err != nil {
		return nil, mapError("list cart items", err)
	}
	defer rows.Close()

	items := []cart.Item{}
	for rows.Next() {
		var item cart.Item
		if err := rows.Scan(&item.RemoteID, &item.ID, &item.Quantity, &item.Name, &item.Price,
			&item.Image, &item.Unit, &item.Brand); err != nil {
			return nil, mapError("scan cart item", err)
		}
		items = append(items, item)
	}
	return items, mapError("list cart items", rows.Err())
}

// CreateItem upserts on (user_id, product_id) so a retried create never duplicates a line.
func (c *pgCart) CreateItem(ctx context.Context, item cart.Item) (cart.Item, error) {
	now := time.Now()
	err := c.db.QueryRowContext(ctx, `
		INSERT INTO cart_items (id, user_id, product_id, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
		RETURNING id
	`, uuid.New().String(), c.userID, item.ID, item.Quantity, now).Scan(&item.RemoteID)
	if err != nil {
		return cart.Item{}, mapError("create cart item", err)
	}
	return item, nil
}

func (c *pgCart) UpdateItem(ctx context.Context, item cart.Item) (cart.Item, error) {
	result, err := c.db.ExecContext(ctx, `
		UPDATE cart_items SET quantity = $1, updated_at = $2 WHERE id = $3 AND user_id = $4
	`, item.Quantity, time.Now(), item.RemoteID, c.userID)
	if err != nil {
		return cart.Item{}, mapError("update cart item", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return cart.Item{}, mapError("update cart item", err)
	} else if n == 0 {
		return cart.Item{}, apperr.ErrNotFound
	}
	return item, nil
}

func (c *pgCart) DeleteItem(ctx context.Context, item cart.Item) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1 AND user_id = $2`, item.RemoteID, c.userID)
	if err != nil {
		return mapError("delete cart item", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return mapError("delete cart item", err)
	} else if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
