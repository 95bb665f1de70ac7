package orderstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/kedai-pos/billing/internal/bill"
	"github.com/kedai-pos/billing/internal/enum"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// User is a staff account able to operate the cashier workflow.
type User struct {
	ID             uuid.UUID
	OutletID       uuid.UUID
	FullName       string
	Email          string
	HashedPassword string
	Role           string
}

// Store reads orders and users from Postgres and applies order/table status
// transitions. It implements settle.OrderStore and settle.TableRegistry.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetOpenOrders loads a table's open orders with their line items. Settled
// and held quantities are not stored here; the ledger owns settled figures
// and holds live only in the engine's session.
func (s *Store) GetOpenOrders(ctx context.Context, tableID uuid.UUID) ([]*bill.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, table_id, status
		FROM orders
		WHERE table_id = $1 AND status = $2
		ORDER BY created_at`,
		tableID, enum.OrderStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var orders []*bill.Order
	for rows.Next() {
		o := &bill.Order{}
		if err := rows.Scan(&o.ID, &o.TableID, &o.Status); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	for _, o := range orders {
		items, err := s.listOrderItems(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		o.Items = items
	}
	return orders, nil
}

func (s *Store) listOrderItems(ctx context.Context, orderID uuid.UUID) ([]*bill.LineItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, product_name, quantity, unit_price, line_total
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []*bill.LineItem
	for rows.Next() {
		li := &bill.LineItem{}
		var unitPrice, lineTotal pgtype.Numeric
		if err := rows.Scan(&li.ID, &li.ProductName, &li.OrderedQty, &unitPrice, &lineTotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		li.UnitPrice = numericToDecimal(unitPrice)
		if lineTotal.Valid {
			li.ExplicitTotal = numericToDecimal(lineTotal)
			li.ExplicitTotalValid = true
		}
		items = append(items, li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

// SetOrderStatus transitions one order's status.
func (s *Store) SetOrderStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = now()
		WHERE id = $1`,
		orderID, status)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTableStatus transitions one table's occupancy status.
func (s *Store) SetTableStatus(ctx context.Context, tableID uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tables SET status = $2, updated_at = now()
		WHERE id = $1`,
		tableID, status)
	if err != nil {
		return fmt.Errorf("update table status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- User lookups for auth ---

const userColumns = `id, outlet_id, full_name, email, hashed_password, role`

// GetUserByEmail fetches an active user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1 AND is_active`,
		email)
	return scanUser(row)
}

// GetUserByOutletAndPin fetches an active user by outlet and cashier PIN.
func (s *Store) GetUserByOutletAndPin(ctx context.Context, outletID uuid.UUID, pin string) (User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE outlet_id = $1 AND pin = $2 AND is_active`,
		outletID, pin)
	return scanUser(row)
}

// GetUserByID fetches an active user by ID.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1 AND is_active`,
		id)
	return scanUser(row)
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.OutletID, &u.FullName, &u.Email, &u.HashedPassword, &u.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// --- Helpers ---

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(val.(string))
	if err != nil {
		return decimal.Zero
	}
	return d
}
