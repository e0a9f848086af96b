package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
	"github.com/ShashwatGohel/MediStock-sub001/internal/ledger"
	"github.com/ShashwatGohel/MediStock-sub001/internal/store"
	"github.com/ShashwatGohel/MediStock-sub001/internal/xid"
)

// Store is the in-memory repository used for dev mode and tests. A single
// RWMutex guards all state, which makes every repository call atomic, the
// same guarantee the postgres implementation gets from transactions and row
// locks.
type Store struct {
	mu              sync.RWMutex
	medicinesByID   map[string]*domain.Medicine
	ordersByID      map[string]*domain.Order
	billsByID       map[string]*domain.Bill
	billSeqByKey    map[string]int
	dailyByKey      map[string]*domain.DailyRecord
	settingsByStore map[string]domain.StoreSettings
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		medicinesByID:   make(map[string]*domain.Medicine),
		ordersByID:      make(map[string]*domain.Order),
		billsByID:       make(map[string]*domain.Bill),
		billSeqByKey:    make(map[string]int),
		dailyByKey:      make(map[string]*domain.DailyRecord),
		settingsByStore: make(map[string]domain.StoreSettings),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_STORE_PASSWORD and SEED_CUSTOMER_PASSWORD;
// hardcoded dev defaults are used with a warning when unset. Production
// deployments use PostgreSQL (DATABASE_URL set) and never hit this path.
func seedUsers() map[string]domain.UserAccount {
	storePwd := envOr("SEED_STORE_PASSWORD", "store123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer123")
	if os.Getenv("SEED_STORE_PASSWORD") == "" || os.Getenv("SEED_CUSTOMER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_STORE_PASSWORD and SEED_CUSTOMER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		actorID  string
	}{
		{"mainstore", storePwd, domain.RoleStore, "store-main"},
		{"customer", customerPwd, domain.RoleCustomer, "cust-demo"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ActorID:   u.actorID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	medicines := []domain.Medicine{
		{ID: "med-paracetamol", StoreID: "store-main", Name: "Paracetamol 500mg", Brand: "Calpol", Category: "analgesic", PriceCents: 2500, Quantity: 120},
		{ID: "med-azithromycin", StoreID: "store-main", Name: "Azithromycin 250mg", Brand: "Azee", Category: "antibiotic", PriceCents: 7200, Quantity: 60},
		{ID: "med-cetirizine", StoreID: "store-main", Name: "Cetirizine 10mg", Brand: "Cetzine", Category: "antihistamine", PriceCents: 1800, Quantity: 90},
		{ID: "med-ibuprofen", StoreID: "store-main", Name: "Ibuprofen 400mg", Brand: "Brufen", Category: "analgesic", PriceCents: 3100, Quantity: 80},
		{ID: "med-ors", StoreID: "store-main", Name: "ORS Sachet", Brand: "Electral", Category: "rehydration", PriceCents: 2100, Quantity: 150},
		{ID: "med-vitamin-c", StoreID: "store-main", Name: "Vitamin C 500mg", Brand: "Limcee", Category: "supplement", PriceCents: 2800, Quantity: 100},
	}
	for i := range medicines {
		m := medicines[i]
		m.IsAvailable = m.Quantity > 0
		m.CreatedAt = now
		m.UpdatedAt = now
		s.medicinesByID[m.ID] = &m
	}
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) CreateMedicine(_ context.Context, medicine domain.Medicine) (*domain.Medicine, error) {
	if medicine.StoreID == "" || medicine.Name == "" || medicine.PriceCents < 1 || medicine.Quantity < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if medicine.ID == "" {
		medicine.ID = xid.New("med")
	}
	if _, exists := s.medicinesByID[medicine.ID]; exists {
		return nil, store.ErrInvalidRequest
	}

	now := time.Now().UTC()
	medicine.ReservedQuantity = 0
	medicine.IsAvailable = medicine.Quantity > 0
	medicine.CreatedAt = now
	medicine.UpdatedAt = now

	stored := medicine
	s.medicinesByID[stored.ID] = &stored
	created := stored
	return &created, nil
}

func (s *Store) GetMedicineByID(_ context.Context, id string) (*domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	medicine, exists := s.medicinesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyMedicine := *medicine
	return &copyMedicine, nil
}

func (s *Store) ListMedicines(_ context.Context, storeID string) ([]domain.Medicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	medicines := make([]domain.Medicine, 0, len(s.medicinesByID))
	for _, m := range s.medicinesByID {
		if storeID != "" && m.StoreID != storeID {
			continue
		}
		medicines = append(medicines, *m)
	}

	slices.SortFunc(medicines, func(a, b domain.Medicine) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})

	return medicines, nil
}

func (s *Store) UpdateMedicine(_ context.Context, medicine domain.Medicine) (*domain.Medicine, error) {
	if medicine.ID == "" || medicine.Name == "" || medicine.PriceCents < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.medicinesByID[medicine.ID]
	if !exists {
		return nil, store.ErrNotFound
	}

	// Display fields and price only; the counters belong to the ledger.
	existing.Name = medicine.Name
	existing.Brand = medicine.Brand
	existing.Category = medicine.Category
	existing.PriceCents = medicine.PriceCents
	existing.UpdatedAt = time.Now().UTC()

	updated := *existing
	return &updated, nil
}

func (s *Store) AddStock(_ context.Context, id string, qty int) (*domain.Medicine, error) {
	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	medicine, exists := s.medicinesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	if err := ledger.Restock(medicine, qty); err != nil {
		return nil, store.ErrInvalidRequest
	}

	updated := *medicine
	return &updated, nil
}

func (s *Store) DeleteMedicine(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	medicine, exists := s.medicinesByID[id]
	if !exists {
		return store.ErrNotFound
	}
	if medicine.ReservedQuantity > 0 {
		return fmt.Errorf("%w: medicine %s has %d units reserved by open orders", store.ErrInvalidTransition, id, medicine.ReservedQuantity)
	}

	delete(s.medicinesByID, id)
	return nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if order.CustomerID == "" || order.StoreID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	now := time.Now().UTC()
	order.Status = domain.OrderStatusPending
	order.PreservationExpiresAt = nil
	order.CreatedAt = now
	order.UpdatedAt = now

	stored := cloneOrder(order)
	s.ordersByID[stored.ID] = &stored
	created := cloneOrder(stored)
	return &created, nil
}

func (s *Store) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyOrder := cloneOrder(*order)
	return &copyOrder, nil
}

func (s *Store) ListOrdersByStore(_ context.Context, storeID string, limit int) ([]domain.Order, error) {
	return s.listOrders(func(o *domain.Order) bool {
		return o.StoreID == storeID && !o.HiddenForStore
	}, limit)
}

func (s *Store) ListOrdersByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	return s.listOrders(func(o *domain.Order) bool {
		return o.CustomerID == customerID && !o.HiddenForCustomer
	}, limit)
}

func (s *Store) listOrders(match func(*domain.Order) bool, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	orders := make([]domain.Order, 0, limit)
	for _, o := range s.ordersByID {
		if match(o) {
			orders = append(orders, cloneOrder(*o))
		}
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) ApproveOrder(_ context.Context, orderID string, expiresAt time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", store.ErrInvalidTransition, orderID, order.Status, domain.OrderStatusPending)
	}

	// Preflight every line item before touching any counter, so a failing
	// item cannot leave earlier items reserved.
	for _, item := range order.Items {
		medicine, ok := s.medicinesByID[item.MedicineID]
		if !ok {
			return nil, fmt.Errorf("%w: medicine %s", store.ErrNotFound, item.MedicineID)
		}
		if medicine.Quantity < item.Qty {
			return nil, fmt.Errorf("%w: %s has %d available, order needs %d", store.ErrInsufficientStock, medicine.Name, medicine.Quantity, item.Qty)
		}
	}
	for _, item := range order.Items {
		if err := ledger.Reserve(s.medicinesByID[item.MedicineID], item.Qty); err != nil {
			// Unreachable after preflight under the lock; roll back anyway.
			s.rollbackReservations(order.Items, item.MedicineID)
			return nil, fmt.Errorf("%w: %v", store.ErrInsufficientStock, err)
		}
	}

	exp := expiresAt.UTC()
	order.Status = domain.OrderStatusApproved
	order.PreservationExpiresAt = &exp
	order.UpdatedAt = time.Now().UTC()

	updated := cloneOrder(*order)
	return &updated, nil
}

func (s *Store) rollbackReservations(items []domain.OrderItem, failedMedicineID string) {
	for _, item := range items {
		if item.MedicineID == failedMedicineID {
			return
		}
		if medicine, ok := s.medicinesByID[item.MedicineID]; ok {
			ledger.Release(medicine, item.Qty)
		}
	}
}

func (s *Store) ConfirmOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusApproved {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", store.ErrInvalidTransition, orderID, order.Status, domain.OrderStatusApproved)
	}

	for _, item := range order.Items {
		if medicine, ok := s.medicinesByID[item.MedicineID]; ok {
			ledger.Settle(medicine, item.Qty)
		} else {
			log.Printf("[memory-store] WARN: settling order %s: medicine %s no longer exists", orderID, item.MedicineID)
		}
	}

	order.Status = domain.OrderStatusConfirmed
	order.PreservationExpiresAt = nil
	order.UpdatedAt = time.Now().UTC()

	updated := cloneOrder(*order)
	return &updated, nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}

	switch order.Status {
	case domain.OrderStatusPending:
		// Nothing was reserved.
	case domain.OrderStatusApproved:
		for _, item := range order.Items {
			if medicine, ok := s.medicinesByID[item.MedicineID]; ok {
				ledger.Release(medicine, item.Qty)
			} else {
				log.Printf("[memory-store] WARN: cancelling order %s: medicine %s no longer exists, reservation dropped", orderID, item.MedicineID)
			}
		}
	default:
		return nil, fmt.Errorf("%w: order %s is already %s", store.ErrInvalidTransition, orderID, order.Status)
	}

	order.Status = domain.OrderStatusCancelled
	order.PreservationExpiresAt = nil
	order.UpdatedAt = time.Now().UTC()

	updated := cloneOrder(*order)
	return &updated, nil
}

func (s *Store) HideOrder(_ context.Context, orderID string, forCustomer bool) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !domain.IsTerminalStatus(order.Status) {
		return nil, fmt.Errorf("%w: order %s is %s, only terminal orders can be hidden", store.ErrInvalidTransition, orderID, order.Status)
	}

	if forCustomer {
		order.HiddenForCustomer = true
	} else {
		order.HiddenForStore = true
	}
	order.UpdatedAt = time.Now().UTC()

	updated := cloneOrder(*order)
	return &updated, nil
}

func (s *Store) ListExpiredApprovedOrders(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 500
	}
	expired := make([]domain.Order, 0, 16)
	for _, o := range s.ordersByID {
		if o.Status != domain.OrderStatusApproved {
			continue
		}
		if o.PreservationExpiresAt == nil || !o.PreservationExpiresAt.Before(now) {
			continue
		}
		expired = append(expired, cloneOrder(*o))
		if len(expired) >= limit {
			break
		}
	}
	return expired, nil
}

func (s *Store) CreateBill(_ context.Context, storeID string, items []domain.BillItemRequest, paymentMethod string, customerName string, customerPhone string) (*domain.Bill, error) {
	if storeID == "" || len(items) == 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Preflight ownership and stock for every item before any deduction.
	billItems := make([]domain.BillItem, 0, len(items))
	total := int64(0)
	for _, item := range items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidRequest
		}
		medicine, ok := s.medicinesByID[item.MedicineID]
		if !ok {
			return nil, fmt.Errorf("%w: medicine %s", store.ErrNotFound, item.MedicineID)
		}
		if medicine.StoreID != storeID {
			return nil, fmt.Errorf("%w: medicine %s belongs to another store", store.ErrUnauthorized, item.MedicineID)
		}
		if medicine.Quantity < item.Qty {
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

	for _, item := range items {
		if err := ledger.DeductDirect(s.medicinesByID[item.MedicineID], item.Qty); err != nil {
			// Unreachable after preflight under the lock.
			return nil, fmt.Errorf("%w: %v", store.ErrInsufficientStock, err)
		}
	}

	now := time.Now().UTC()
	dayCode := now.Format("20060102")
	seqKey := storeID + "|" + dayCode
	s.billSeqByKey[seqKey]++
	seq := s.billSeqByKey[seqKey]

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
	stored := cloneBill(bill)
	s.billsByID[stored.ID] = &stored
	created := cloneBill(stored)
	return &created, nil
}

func (s *Store) GetBillByID(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bill, exists := s.billsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyBill := cloneBill(*bill)
	return &copyBill, nil
}

func (s *Store) ListBills(_ context.Context, storeID string, day string, limit int) ([]domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	bills := make([]domain.Bill, 0, limit)
	for _, b := range s.billsByID {
		if b.StoreID != storeID {
			continue
		}
		if day != "" && b.CreatedAt.Format("2006-01-02") != day {
			continue
		}
		bills = append(bills, cloneBill(*b))
	}
	slices.SortFunc(bills, func(a, b domain.Bill) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.Number, b.Number)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if len(bills) > limit {
		bills = bills[:limit]
	}
	return bills, nil
}

func (s *Store) IncrementDailyStats(_ context.Context, storeID string, day string, delta domain.StatsDelta) error {
	if storeID == "" || day == "" {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.dailyRecordLocked(storeID, day)
	record.TotalSalesCents += delta.SalesCents
	record.OrderCount += delta.OrderCount
	record.BillCount += delta.BillCount
	record.OrderSalesCents += delta.OrderSalesCents
	record.BillSalesCents += delta.BillSalesCents
	record.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetVisitCount(_ context.Context, storeID string, day string, count int64) error {
	if storeID == "" || day == "" || count < 0 {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.dailyRecordLocked(storeID, day)
	record.VisitCount = count
	record.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) dailyRecordLocked(storeID string, day string) *domain.DailyRecord {
	key := storeID + "|" + day
	record, exists := s.dailyByKey[key]
	if !exists {
		record = &domain.DailyRecord{StoreID: storeID, Day: day}
		s.dailyByKey[key] = record
	}
	return record
}

func (s *Store) GetDailyStats(_ context.Context, storeID string, day string) (*domain.DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.dailyByKey[storeID+"|"+day]
	if !exists {
		return &domain.DailyRecord{StoreID: storeID, Day: day}, nil
	}
	copyRecord := *record
	return &copyRecord, nil
}

func (s *Store) GetStoreSettings(_ context.Context, storeID string) (*domain.StoreSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, exists := s.settingsByStore[storeID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySettings := settings
	return &copySettings, nil
}

func (s *Store) UpsertStoreSettings(_ context.Context, settings domain.StoreSettings) (*domain.StoreSettings, error) {
	if settings.StoreID == "" || settings.PreservationWindowMinutes < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settings.UpdatedAt = time.Now().UTC()
	s.settingsByStore[settings.StoreID] = settings
	saved := settings
	return &saved, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if user.Username == "" || user.Password == "" {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidRequest
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneOrder(o domain.Order) domain.Order {
	items := make([]domain.OrderItem, len(o.Items))
	copy(items, o.Items)
	o.Items = items
	if o.PreservationExpiresAt != nil {
		exp := *o.PreservationExpiresAt
		o.PreservationExpiresAt = &exp
	}
	return o
}

func cloneBill(b domain.Bill) domain.Bill {
	items := make([]domain.BillItem, len(b.Items))
	copy(items, b.Items)
	b.Items = items
	return b
}
