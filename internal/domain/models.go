package domain

import "time"

type Medicine struct {
	ID               string    `json:"id"`
	StoreID          string    `json:"store_id"`
	Name             string    `json:"name"`
	Brand            string    `json:"brand"`
	Category         string    `json:"category"`
	PriceCents       int64     `json:"price_cents"`
	Quantity         int       `json:"quantity"`
	ReservedQuantity int       `json:"reserved_quantity"`
	IsAvailable      bool      `json:"is_available"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type MedicineCreateRequest struct {
	StoreID      string `json:"store_id"`
	Name         string `json:"name"`
	Brand        string `json:"brand"`
	Category     string `json:"category"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type MedicineUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Brand      *string `json:"brand,omitempty"`
	Category   *string `json:"category,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
}

type StockAddRequest struct {
	Qty int `json:"qty"`
}

// OrderItem is a line-item snapshot: name and unit price are copied from the
// medicine at order creation and never recomputed afterwards.
type OrderItem struct {
	MedicineID     string `json:"medicine_id"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Order struct {
	ID                    string      `json:"id"`
	CustomerID            string      `json:"customer_id"`
	StoreID               string      `json:"store_id"`
	Items                 []OrderItem `json:"items"`
	TotalCents            int64       `json:"total_cents"`
	Status                string      `json:"status"`
	PreservationExpiresAt *time.Time  `json:"preservation_expires_at,omitempty"`
	PrescriptionRef       string      `json:"prescription_ref,omitempty"`
	HiddenForCustomer     bool        `json:"hidden_for_customer"`
	HiddenForStore        bool        `json:"hidden_for_store"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
}

type OrderItemRequest struct {
	MedicineID string `json:"medicine_id"`
	Qty        int    `json:"qty"`
}

type OrderCreateRequest struct {
	StoreID         string             `json:"store_id"`
	PrescriptionRef string             `json:"prescription_ref,omitempty"`
	Items           []OrderItemRequest `json:"items"`
}

type OrderTransitionRequest struct {
	Status string `json:"status"`
}

type BillItem struct {
	MedicineID     string `json:"medicine_id"`
	Name           string `json:"name"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Bill struct {
	ID            string     `json:"id"`
	StoreID       string     `json:"store_id"`
	Number        string     `json:"number"`
	Items         []BillItem `json:"items"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	CustomerName  string     `json:"customer_name,omitempty"`
	CustomerPhone string     `json:"customer_phone,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type BillItemRequest struct {
	MedicineID string `json:"medicine_id"`
	Qty        int    `json:"qty"`
}

type BillCreateRequest struct {
	StoreID       string            `json:"store_id"`
	PaymentMethod string            `json:"payment_method"`
	CustomerName  string            `json:"customer_name,omitempty"`
	CustomerPhone string            `json:"customer_phone,omitempty"`
	Items         []BillItemRequest `json:"items"`
}

// DailyRecord holds running counters for one store on one calendar day.
// Created lazily on first write; counters only ever move by increments,
// except VisitCount which is set wholesale.
type DailyRecord struct {
	StoreID         string    `json:"store_id"`
	Day             string    `json:"day"`
	TotalSalesCents int64     `json:"total_sales_cents"`
	OrderCount      int64     `json:"order_count"`
	BillCount       int64     `json:"bill_count"`
	VisitCount      int64     `json:"visit_count"`
	OrderSalesCents int64     `json:"order_sales_cents"`
	BillSalesCents  int64     `json:"bill_sales_cents"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StatsDelta is applied atomically to a day's record by the aggregator.
type StatsDelta struct {
	SalesCents      int64
	OrderCount      int64
	BillCount       int64
	OrderSalesCents int64
	BillSalesCents  int64
}

type VisitCountRequest struct {
	Day   string `json:"day"`
	Count int64  `json:"count"`
}

type StoreSettings struct {
	StoreID                   string    `json:"store_id"`
	PreservationWindowMinutes int       `json:"preservation_window_minutes"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

type StoreSettingsUpdateRequest struct {
	PreservationWindowMinutes int `json:"preservation_window_minutes"`
}

type SweepResult struct {
	Scanned   int `json:"scanned"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ActorID     string `json:"actor_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated principal attached to a request context.
// For store accounts ID is the store id; for customers the customer id.
type Actor struct {
	Username string
	ID       string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	ActorID   string
	Active    bool
	CreatedAt time.Time
}

const (
	OrderStatusPending   = "pending"
	OrderStatusApproved  = "approved"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"
)

const (
	RoleStore    = "store"
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
	PaymentMethodUPI  = "upi"
)

// IsTerminalStatus reports whether no further transition may leave status.
func IsTerminalStatus(status string) bool {
	return status == OrderStatusConfirmed || status == OrderStatusCancelled
}
