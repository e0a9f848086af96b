package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
	"github.com/ShashwatGohel/MediStock-sub001/internal/store"
	"github.com/ShashwatGohel/MediStock-sub001/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// querier covers *sql.DB and *sql.Tx so order reads can run inside the same
// transaction that mutated the order.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) CreateMedicine(ctx context.Context, medicine domain.Medicine) (*domain.Medicine, error) {
	if medicine.StoreID == "" || medicine.Name == "" || medicine.PriceCents < 1 || medicine.Quantity < 0 {
		return nil, store.ErrInvalidRequest
	}
	if medicine.ID == "" {
		medicine.ID = xid.New("med")
	}

	now := time.Now().UTC()
	medicine.ReservedQuantity = 0
	medicine.IsAvailable = medicine.Quantity > 0
	medicine.CreatedAt = now
	medicine.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO medicines (
			id, store_id, name, brand, category, price_cents,
			quantity, reserved_quantity, is_available, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, medicine.ID, medicine.StoreID, medicine.Name, medicine.Brand, medicine.Category, medicine.PriceCents,
		medicine.Quantity, medicine.ReservedQuantity, medicine.IsAvailable, medicine.CreatedAt, medicine.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := medicine
	return &created, nil
}

func (s *Store) GetMedicineByID(ctx context.Context, id string) (*domain.Medicine, error) {
	return fetchMedicine(ctx, s.db, id, false)
}

func fetchMedicine(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Medicine, error) {
	query := `
		SELECT id, store_id, name, brand, category, price_cents,
			quantity, reserved_quantity, is_available, created_at, updated_at
		FROM medicines
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var m domain.Medicine
	err := q.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.StoreID, &m.Name, &m.Brand, &m.Category, &m.PriceCents,
		&m.Quantity, &m.ReservedQuantity, &m.IsAvailable, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (s *Store) ListMedicines(ctx context.Context, storeID string) ([]domain.Medicine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, name, brand, category, price_cents,
			quantity, reserved_quantity, is_available, created_at, updated_at
		FROM medicines
		WHERE ($1 = '' OR store_id = $1)
		ORDER BY category, name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	medicines := make([]domain.Medicine, 0, 128)
	for rows.Next() {
		var m domain.Medicine
		if err := rows.Scan(&m.ID, &m.StoreID, &m.Name, &m.Brand, &m.Category, &m.PriceCents,
			&m.Quantity, &m.ReservedQuantity, &m.IsAvailable, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.UpdatedAt = m.UpdatedAt.UTC()
		medicines = append(medicines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return medicines, nil
}

func (s *Store) UpdateMedicine(ctx context.Context, medicine domain.Medicine) (*domain.Medicine, error) {
	if medicine.ID == "" || medicine.Name == "" || medicine.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}

	// Display fields and price only; the counters move through stock
	// operations.
	res, err := s.db.ExecContext(ctx, `
		UPDATE medicines
		SET name = $2, brand = $3, category = $4, price_cents = $5, updated_at = now()
		WHERE id = $1
	`, medicine.ID, medicine.Name, medicine.Brand, medicine.Category, medicine.PriceCents)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return fetchMedicine(ctx, s.db, medicine.ID, false)
}

func (s *Store) AddStock(ctx context.Context, id string, qty int) (*domain.Medicine, error) {
	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE medicines
		SET quantity = quantity + $2, is_available = true, updated_at = now()
		WHERE id = $1
	`, id, qty)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return fetchMedicine(ctx, s.db, id, false)
}

func (s *Store) DeleteMedicine(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	medicine, err := fetchMedicine(ctx, tx, id, true)
	if err != nil {
		return err
	}
	if medicine.ReservedQuantity > 0 {
		return fmt.Errorf("%w: medicine %s has %d units reserved by open orders", store.ErrInvalidTransition, id, medicine.ReservedQuantity)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM medicines WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.CustomerID == "" || order.StoreID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if order.ID == "" {
		order.ID = xid.New("order")
	}

	now := time.Now().UTC()
	order.Status = domain.OrderStatusPending
	order.PreservationExpiresAt = nil
	order.CreatedAt = now
	order.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, store_id, total_cents, status, preservation_expires_at,
			prescription_ref, hidden_for_customer, hidden_for_store, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,NULL,$6,false,false,$7,$8)
	`, order.ID, order.CustomerID, order.StoreID, order.TotalCents, order.Status,
		order.PrescriptionRef, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, medicine_id, name, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, order.ID, item.MedicineID, item.Name, item.Qty, item.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := order
	return &created, nil
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return fetchOrder(ctx, s.db, id, false)
}

func fetchOrder(ctx context.Context, q querier, id string, forUpdate bool) (*domain.Order, error) {
	query := `
		SELECT id, customer_id, store_id, total_cents, status, preservation_expires_at,
			prescription_ref, hidden_for_customer, hidden_for_store, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var o domain.Order
	var expiresAt sql.NullTime
	err := q.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.CustomerID, &o.StoreID, &o.TotalCents, &o.Status, &expiresAt,
		&o.PrescriptionRef, &o.HiddenForCustomer, &o.HiddenForStore, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if expiresAt.Valid {
		at := expiresAt.Time.UTC()
		o.PreservationExpiresAt = &at
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()

	items, err := fetchOrderItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func fetchOrderItems(ctx context.Context, q querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT medicine_id, name, qty, unit_price_cents
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.MedicineID, &item.Name, &item.Qty, &item.UnitPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListOrdersByStore(ctx context.Context, storeID string, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `store_id = $1 AND hidden_for_store = false`, storeID, limit)
}

func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `customer_id = $1 AND hidden_for_customer = false`, customerID, limit)
}

func (s *Store) listOrders(ctx context.Context, where string, arg string, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, store_id, total_cents, status, preservation_expires_at,
			prescription_ref, hidden_for_customer, hidden_for_store, created_at, updated_at
		FROM orders
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2
	`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		var o domain.Order
		var expiresAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.StoreID, &o.TotalCents, &o.Status, &expiresAt,
			&o.PrescriptionRef, &o.HiddenForCustomer, &o.HiddenForStore, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			at := expiresAt.Time.UTC()
			o.PreservationExpiresAt = &at
		}
		o.CreatedAt = o.CreatedAt.UTC()
		o.UpdatedAt = o.UpdatedAt.UTC()
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := fetchOrderItems(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) ApproveOrder(ctx context.Context, orderID string, expiresAt time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := fetchOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", store.ErrInvalidTransition, orderID, order.Status, domain.OrderStatusPending)
	}

	// Lock every line item's medicine, then reserve with a guarded update.
	// A row that no longer has enough stock makes the whole transaction roll
	// back, so no line stays reserved on failure.
	for _, item := range order.Items {
		medicine, err := fetchMedicine(ctx, tx, item.MedicineID, true)
		if err != nil {
			return nil, err
		}
		if medicine.Quantity < item.Qty {
			return nil, fmt.Errorf("%w: %s has %d available, order needs %d", store.ErrInsufficientStock, medicine.Name, medicine.Quantity, item.Qty)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE medicines
			SET quantity = quantity - $2,
				reserved_quantity = reserved_quantity + $2,
				is_available = (quantity - $2) > 0,
				updated_at = now()
			WHERE id = $1 AND quantity >= $2
		`, item.MedicineID, item.Qty)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("%w: %s has %d available, order needs %d", store.ErrInsufficientStock, medicine.Name, medicine.Quantity, item.Qty)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, preservation_expires_at = $3, updated_at = now()
		WHERE id = $1
	`, orderID, domain.OrderStatusApproved, expiresAt.UTC())
	if err != nil {
		return nil, err
	}

	updated, err := fetchOrder(ctx, tx, orderID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ConfirmOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := fetchOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusApproved {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", store.ErrInvalidTransition, orderID, order.Status, domain.OrderStatusApproved)
	}

	// The available pool already dropped at approval; only the reserved
	// counter settles here.
	for _, item := range order.Items {
		_, err := tx.ExecContext(ctx, `
			UPDATE medicines
			SET reserved_quantity = GREATEST(reserved_quantity - $2, 0), updated_at = now()
			WHERE id = $1
		`, item.MedicineID, item.Qty)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, preservation_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, orderID, domain.OrderStatusConfirmed)
	if err != nil {
		return nil, err
	}

	updated, err := fetchOrder(ctx, tx, orderID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := fetchOrder(ctx, tx, orderID, true)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case domain.OrderStatusPending:
		// Nothing was reserved.
	case domain.OrderStatusApproved:
		for _, item := range order.Items {
			_, err := tx.ExecContext(ctx, `
				UPDATE medicines
				SET quantity = quantity + $2,
					reserved_quantity = GREATEST(reserved_quantity - $2, 0),
					is_available = true,
					updated_at = now()
				WHERE id = $1
			`, item.MedicineID, item.Qty)
			if err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%w: order %s is already %s", store.ErrInvalidTransition, orderID, order.Status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, preservation_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, orderID, domain.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}

	updated, err := fetchOrder(ctx, tx, orderID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) HideOrder(ctx context.Context, orderID string, forCustomer bool) (*domain.Order, error) {
	column := "hidden_for_store"
	if forCustomer {
		column = "hidden_for_customer"
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET `+column+` = true, updated_at = now()
		WHERE id = $1 AND status IN ($2, $3)
	`, orderID, domain.OrderStatusConfirmed, domain.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		order, err := fetchOrder(ctx, s.db, orderID, false)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: order %s is %s, only terminal orders can be hidden", store.ErrInvalidTransition, orderID, order.Status)
	}

	return fetchOrder(ctx, s.db, orderID, false)
}

func (s *Store) ListExpiredApprovedOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, store_id, total_cents, status, preservation_expires_at,
			prescription_ref, hidden_for_customer, hidden_for_store, created_at, updated_at
		FROM orders
		WHERE status = $1 AND preservation_expires_at < $2
		ORDER BY preservation_expires_at ASC
		LIMIT $3
	`, domain.OrderStatusApproved, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 16)
	for rows.Next() {
		var o domain.Order
		var expiresAt sql.NullTime
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.StoreID, &o.TotalCents, &o.Status, &expiresAt,
			&o.PrescriptionRef, &o.HiddenForCustomer, &o.HiddenForStore, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			at := expiresAt.Time.UTC()
			o.PreservationExpiresAt = &at
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) CreateBill(ctx context.Context, storeID string, items []domain.BillItemRequest, paymentMethod string, customerName string, customerPhone string) (*domain.Bill, error) {
	if storeID == "" || len(items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	billItems := make([]domain.BillItem, 0, len(items))
	total := int64(0)
	for _, item := range items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidRequest
		}
		medicine, err := fetchMedicine(ctx, tx, item.MedicineID, true)
		if err != nil {
			return nil, err
		}
		if medicine.StoreID != storeID {
			return nil, fmt.Errorf("%w: medicine %s belongs to another store", store.ErrUnauthorized, item.MedicineID)
		}
		if medicine.Quantity < item.Qty {
			return nil, fmt.Errorf("%w: %s has %d available, bill needs %d", store.ErrInsufficientStock, medicine.Name, medicine.Quantity, item.Qty)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE medicines
			SET quantity = quantity - $2,
				is_available = (quantity - $2) > 0,
				updated_at = now()
			WHERE id = $1 AND quantity >= $2
		`, item.MedicineID, item.Qty)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("%w: %s has %d available, bill needs %d", store.ErrInsufficientStock, medicine.Name, medicine.Quantity, item.Qty)
		}

		billItems = append(billItems, domain.BillItem{
			MedicineID:     medicine.ID,
			Name:           medicine.Name,
			Qty:            item.Qty,
			UnitPriceCents: medicine.PriceCents,
		})
		total += int64(item.Qty) * medicine.PriceCents
	}

	now := time.Now().UTC()
	dayCode := now.Format("20060102")

	// The per-(store, day) counter row serializes concurrent bills; the
	// returned seq is gapless because the transaction either commits with
	// the increment or rolls it back entirely.
	var seq int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bill_sequences (store_id, day_code, seq)
		VALUES ($1,$2,1)
		ON CONFLICT (store_id, day_code)
		DO UPDATE SET seq = bill_sequences.seq + 1
		RETURNING seq
	`, storeID, dayCode).Scan(&seq)
	if err != nil {
		return nil, err
	}

	bill := domain.Bill{
		ID:            xid.New("bill"),
		StoreID:       storeID,
		Number:        dayCode + "-" + strconv.Itoa(seq),
		Items:         billItems,
		TotalCents:    total,
		PaymentMethod: paymentMethod,
		CustomerName:  customerName,
		CustomerPhone: customerPhone,
		CreatedAt:     now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bills (
			id, store_id, number, total_cents, payment_method,
			customer_name, customer_phone, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, bill.ID, bill.StoreID, bill.Number, bill.TotalCents, bill.PaymentMethod,
		bill.CustomerName, bill.CustomerPhone, bill.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, item := range bill.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bill_items (bill_id, medicine_id, name, qty, unit_price_cents)
			VALUES ($1,$2,$3,$4,$5)
		`, bill.ID, item.MedicineID, item.Name, item.Qty, item.UnitPriceCents)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &bill, nil
}

func (s *Store) GetBillByID(ctx context.Context, id string) (*domain.Bill, error) {
	var b domain.Bill
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, number, total_cents, payment_method,
			customer_name, customer_phone, created_at
		FROM bills
		WHERE id = $1
	`, id).Scan(&b.ID, &b.StoreID, &b.Number, &b.TotalCents, &b.PaymentMethod,
		&b.CustomerName, &b.CustomerPhone, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()

	items, err := fetchBillItems(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return &b, nil
}

func fetchBillItems(ctx context.Context, q querier, billID string) ([]domain.BillItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT medicine_id, name, qty, unit_price_cents
		FROM bill_items
		WHERE bill_id = $1
		ORDER BY id ASC
	`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.BillItem, 0, 8)
	for rows.Next() {
		var item domain.BillItem
		if err := rows.Scan(&item.MedicineID, &item.Name, &item.Qty, &item.UnitPriceCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListBills(ctx context.Context, storeID string, day string, limit int) ([]domain.Bill, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, number, total_cents, payment_method,
			customer_name, customer_phone, created_at
		FROM bills
		WHERE store_id = $1
			AND ($2 = '' OR to_char(created_at, 'YYYY-MM-DD') = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, storeID, day, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bills := make([]domain.Bill, 0, limit)
	for rows.Next() {
		var b domain.Bill
		if err := rows.Scan(&b.ID, &b.StoreID, &b.Number, &b.TotalCents, &b.PaymentMethod,
			&b.CustomerName, &b.CustomerPhone, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.CreatedAt = b.CreatedAt.UTC()
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range bills {
		items, err := fetchBillItems(ctx, s.db, bills[i].ID)
		if err != nil {
			return nil, err
		}
		bills[i].Items = items
	}
	return bills, nil
}

func (s *Store) IncrementDailyStats(ctx context.Context, storeID string, day string, delta domain.StatsDelta) error {
	if storeID == "" || day == "" {
		return store.ErrInvalidRequest
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_records (
			store_id, day, total_sales_cents, order_count, bill_count,
			visit_count, order_sales_cents, bill_sales_cents, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,now())
		ON CONFLICT (store_id, day)
		DO UPDATE SET
			total_sales_cents = daily_records.total_sales_cents + EXCLUDED.total_sales_cents,
			order_count = daily_records.order_count + EXCLUDED.order_count,
			bill_count = daily_records.bill_count + EXCLUDED.bill_count,
			order_sales_cents = daily_records.order_sales_cents + EXCLUDED.order_sales_cents,
			bill_sales_cents = daily_records.bill_sales_cents + EXCLUDED.bill_sales_cents,
			updated_at = now()
	`, storeID, day, delta.SalesCents, delta.OrderCount, delta.BillCount, delta.OrderSalesCents, delta.BillSalesCents)
	return err
}

func (s *Store) SetVisitCount(ctx context.Context, storeID string, day string, count int64) error {
	if storeID == "" || day == "" || count < 0 {
		return store.ErrInvalidRequest
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_records (
			store_id, day, total_sales_cents, order_count, bill_count,
			visit_count, order_sales_cents, bill_sales_cents, updated_at
		)
		VALUES ($1,$2,0,0,0,$3,0,0,now())
		ON CONFLICT (store_id, day)
		DO UPDATE SET visit_count = EXCLUDED.visit_count, updated_at = now()
	`, storeID, day, count)
	return err
}

func (s *Store) GetDailyStats(ctx context.Context, storeID string, day string) (*domain.DailyRecord, error) {
	var record domain.DailyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, day, total_sales_cents, order_count, bill_count,
			visit_count, order_sales_cents, bill_sales_cents, updated_at
		FROM daily_records
		WHERE store_id = $1 AND day = $2
	`, storeID, day).Scan(&record.StoreID, &record.Day, &record.TotalSalesCents, &record.OrderCount,
		&record.BillCount, &record.VisitCount, &record.OrderSalesCents, &record.BillSalesCents, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.DailyRecord{StoreID: storeID, Day: day}, nil
		}
		return nil, err
	}
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}

func (s *Store) GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error) {
	var settings domain.StoreSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT store_id, preservation_window_minutes, updated_at
		FROM store_settings
		WHERE store_id = $1
	`, storeID).Scan(&settings.StoreID, &settings.PreservationWindowMinutes, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	settings.UpdatedAt = settings.UpdatedAt.UTC()
	return &settings, nil
}

func (s *Store) UpsertStoreSettings(ctx context.Context, settings domain.StoreSettings) (*domain.StoreSettings, error) {
	if settings.StoreID == "" || settings.PreservationWindowMinutes < 1 {
		return nil, store.ErrInvalidRequest
	}

	settings.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO store_settings (store_id, preservation_window_minutes, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (store_id)
		DO UPDATE SET preservation_window_minutes = EXCLUDED.preservation_window_minutes, updated_at = EXCLUDED.updated_at
	`, settings.StoreID, settings.PreservationWindowMinutes, settings.UpdatedAt)
	if err != nil {
		return nil, err
	}
	saved := settings
	return &saved, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, actor_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.ActorID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, actor_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.ActorID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
