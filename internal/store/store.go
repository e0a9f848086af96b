package store

import (
	"context"
	"errors"
	"time"

	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidRequest    = errors.New("invalid request")
)

// Repository is the persistence boundary. Every method is atomic: the
// multi-item all-or-nothing scopes (order approval, bill creation) and the
// optimistic status checks of the order transitions live inside the
// implementations, so concurrent callers never observe a half-applied
// mutation.
type Repository interface {
	CreateMedicine(ctx context.Context, medicine domain.Medicine) (*domain.Medicine, error)
	GetMedicineByID(ctx context.Context, id string) (*domain.Medicine, error)
	ListMedicines(ctx context.Context, storeID string) ([]domain.Medicine, error)
	UpdateMedicine(ctx context.Context, medicine domain.Medicine) (*domain.Medicine, error)
	AddStock(ctx context.Context, id string, qty int) (*domain.Medicine, error)
	// DeleteMedicine fails with ErrInvalidTransition while the medicine has
	// outstanding reservations.
	DeleteMedicine(ctx context.Context, id string) error

	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	ListOrdersByStore(ctx context.Context, storeID string, limit int) ([]domain.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
	// ApproveOrder applies pending->approved: reserves every line item
	// all-or-nothing and stamps the preservation deadline.
	ApproveOrder(ctx context.Context, orderID string, expiresAt time.Time) (*domain.Order, error)
	// ConfirmOrder applies approved->confirmed: settles every reservation
	// and clears the preservation deadline.
	ConfirmOrder(ctx context.Context, orderID string) (*domain.Order, error)
	// CancelOrder applies pending->cancelled (no inventory effect) or
	// approved->cancelled (releases every reservation). Terminal states
	// fail with ErrInvalidTransition.
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
	HideOrder(ctx context.Context, orderID string, forCustomer bool) (*domain.Order, error)
	ListExpiredApprovedOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)

	// CreateBill validates ownership and stock for every item, deducts
	// all-or-nothing, snapshots names and prices, and assigns the next
	// per-(store, day) sequence number race-safely.
	CreateBill(ctx context.Context, storeID string, items []domain.BillItemRequest, paymentMethod string, customerName string, customerPhone string) (*domain.Bill, error)
	GetBillByID(ctx context.Context, id string) (*domain.Bill, error)
	ListBills(ctx context.Context, storeID string, day string, limit int) ([]domain.Bill, error)

	IncrementDailyStats(ctx context.Context, storeID string, day string, delta domain.StatsDelta) error
	SetVisitCount(ctx context.Context, storeID string, day string, count int64) error
	GetDailyStats(ctx context.Context, storeID string, day string) (*domain.DailyRecord, error)

	GetStoreSettings(ctx context.Context, storeID string) (*domain.StoreSettings, error)
	UpsertStoreSettings(ctx context.Context, settings domain.StoreSettings) (*domain.StoreSettings, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
