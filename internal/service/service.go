package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ShashwatGohel/MediStock-sub001/internal/cache"
	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
	"github.com/ShashwatGohel/MediStock-sub001/internal/store"
	"github.com/ShashwatGohel/MediStock-sub001/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// maxPreservationMinutes caps the store-configurable reservation window.
const maxPreservationMinutes = 60

type Service struct {
	repo                 store.Repository
	stats                cache.StatsCache
	statsTTL             time.Duration
	defaultWindowMinutes int
	now                  func() time.Time
}

func New(repo store.Repository, stats cache.StatsCache, statsTTL time.Duration, defaultWindowMinutes int) *Service {
	if stats == nil {
		stats = cache.NoopStatsCache{}
	}
	if defaultWindowMinutes < 1 || defaultWindowMinutes > maxPreservationMinutes {
		defaultWindowMinutes = 30
	}
	return &Service{
		repo:                 repo,
		stats:                stats,
		statsTTL:             statsTTL,
		defaultWindowMinutes: defaultWindowMinutes,
		now:                  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) CreateMedicine(ctx context.Context, req domain.MedicineCreateRequest) (domain.Medicine, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return domain.Medicine{}, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	if req.StoreID == "" {
		req.StoreID = actor.ID
	}
	if req.StoreID != actor.ID {
		return domain.Medicine{}, fmt.Errorf("%w: cannot create stock for another store", store.ErrUnauthorized)
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Brand = strings.TrimSpace(req.Brand)
	req.Category = strings.TrimSpace(req.Category)
	if req.Name == "" || req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Medicine{}, store.ErrInvalidRequest
	}

	created, err := s.repo.CreateMedicine(ctx, domain.Medicine{
		StoreID:    req.StoreID,
		Name:       req.Name,
		Brand:      req.Brand,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Quantity:   req.InitialStock,
	})
	if err != nil {
		return domain.Medicine{}, err
	}
	return *created, nil
}

func (s *Service) ListMedicines(ctx context.Context, storeID string) ([]domain.Medicine, error) {
	return s.repo.ListMedicines(ctx, storeID)
}

func (s *Service) GetMedicine(ctx context.Context, id string) (domain.Medicine, error) {
	medicine, err := s.repo.GetMedicineByID(ctx, id)
	if err != nil {
		return domain.Medicine{}, err
	}
	return *medicine, nil
}

func (s *Service) UpdateMedicine(ctx context.Context, id string, req domain.MedicineUpdateRequest) (domain.Medicine, error) {
	medicine, err := s.requireOwnedMedicine(ctx, id)
	if err != nil {
		return domain.Medicine{}, err
	}

	updated := *medicine
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Medicine{}, store.ErrInvalidRequest
		}
		updated.Name = name
	}
	if req.Brand != nil {
		updated.Brand = strings.TrimSpace(*req.Brand)
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Medicine{}, store.ErrInvalidRequest
		}
		updated.PriceCents = *req.PriceCents
	}

	saved, err := s.repo.UpdateMedicine(ctx, updated)
	if err != nil {
		return domain.Medicine{}, err
	}
	return *saved, nil
}

func (s *Service) AddStock(ctx context.Context, id string, req domain.StockAddRequest) (domain.Medicine, error) {
	if _, err := s.requireOwnedMedicine(ctx, id); err != nil {
		return domain.Medicine{}, err
	}
	if req.Qty < 1 {
		return domain.Medicine{}, store.ErrInvalidRequest
	}

	updated, err := s.repo.AddStock(ctx, id, req.Qty)
	if err != nil {
		return domain.Medicine{}, err
	}
	return *updated, nil
}

// DeleteMedicine refuses while the medicine has outstanding reservations, so
// an open order's release path never finds its stock item gone.
func (s *Service) DeleteMedicine(ctx context.Context, id string) error {
	if _, err := s.requireOwnedMedicine(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteMedicine(ctx, id)
}

func (s *Service) requireOwnedMedicine(ctx context.Context, id string) (*domain.Medicine, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return nil, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	medicine, err := s.repo.GetMedicineByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if medicine.StoreID != actor.ID {
		return nil, fmt.Errorf("%w: medicine %s belongs to another store", store.ErrUnauthorized, id)
	}
	return medicine, nil
}

// CreateOrder records a customer's request in the pending state. Prices and
// names are snapshotted from the live medicines; stock is untouched until
// the store approves.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleCustomer {
		return domain.Order{}, fmt.Errorf("%w: customer role required", store.ErrUnauthorized)
	}
	if req.StoreID == "" || len(req.Items) == 0 {
		return domain.Order{}, store.ErrInvalidRequest
	}

	items := make([]domain.OrderItem, 0, len(req.Items))
	total := int64(0)
	for _, line := range req.Items {
		if line.MedicineID == "" || line.Qty < 1 {
			return domain.Order{}, store.ErrInvalidRequest
		}
		medicine, err := s.repo.GetMedicineByID(ctx, line.MedicineID)
		if err != nil {
			return domain.Order{}, err
		}
		if medicine.StoreID != req.StoreID {
			return domain.Order{}, fmt.Errorf("%w: medicine %s belongs to another store", store.ErrUnauthorized, line.MedicineID)
		}
		items = append(items, domain.OrderItem{
			MedicineID:     medicine.ID,
			Name:           medicine.Name,
			Qty:            line.Qty,
			UnitPriceCents: medicine.PriceCents,
		})
		total += int64(line.Qty) * medicine.PriceCents
	}

	created, err := s.repo.CreateOrder(ctx, domain.Order{
		ID:              xid.New("order"),
		CustomerID:      actor.ID,
		StoreID:         req.StoreID,
		Items:           items,
		TotalCents:      total,
		PrescriptionRef: strings.TrimSpace(req.PrescriptionRef),
	})
	if err != nil {
		return domain.Order{}, err
	}
	return *created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := s.orderVisibleToActor(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrUnauthorized
	}
	switch actor.Role {
	case domain.RoleStore:
		return s.repo.ListOrdersByStore(ctx, actor.ID, limit)
	case domain.RoleCustomer:
		return s.repo.ListOrdersByCustomer(ctx, actor.ID, limit)
	default:
		return nil, fmt.Errorf("%w: role %s cannot list orders", store.ErrUnauthorized, actor.Role)
	}
}

// TransitionOrder drives the order state machine. The legality of the
// transition and the caller's right to request it are checked here; the
// repository applies the status flip and the inventory effects atomically
// with an optimistic check on the prior status, so a concurrent competing
// transition loses with ErrInvalidTransition instead of double-applying.
func (s *Service) TransitionOrder(ctx context.Context, orderID string, newStatus string) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Order{}, store.ErrUnauthorized
	}

	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var updated *domain.Order
	switch newStatus {
	case domain.OrderStatusApproved:
		if err := requireOwningStore(actor, order); err != nil {
			return domain.Order{}, err
		}
		window := s.preservationWindow(ctx, order.StoreID)
		updated, err = s.repo.ApproveOrder(ctx, orderID, s.now().Add(window))
	case domain.OrderStatusConfirmed:
		if err := requireOwningStore(actor, order); err != nil {
			return domain.Order{}, err
		}
		updated, err = s.repo.ConfirmOrder(ctx, orderID)
		if err == nil {
			s.recordOrderSale(ctx, updated)
		}
	case domain.OrderStatusCancelled:
		if err := requireCancelRights(actor, order); err != nil {
			return domain.Order{}, err
		}
		updated, err = s.repo.CancelOrder(ctx, orderID)
	default:
		return domain.Order{}, fmt.Errorf("%w: unknown target status %q", store.ErrInvalidTransition, newStatus)
	}
	if err != nil {
		return domain.Order{}, err
	}
	return *updated, nil
}

func requireOwningStore(actor domain.Actor, order *domain.Order) error {
	if actor.Role != domain.RoleStore || actor.ID != order.StoreID {
		return fmt.Errorf("%w: only the owning store may drive this transition", store.ErrUnauthorized)
	}
	return nil
}

// requireCancelRights allows the owning store always, and the owning
// customer only while the order is still pending.
func requireCancelRights(actor domain.Actor, order *domain.Order) error {
	if actor.Role == domain.RoleStore && actor.ID == order.StoreID {
		return nil
	}
	if actor.Role == domain.RoleCustomer && actor.ID == order.CustomerID {
		if order.Status != domain.OrderStatusPending {
			return fmt.Errorf("%w: customers may only cancel pending orders", store.ErrUnauthorized)
		}
		return nil
	}
	return fmt.Errorf("%w: not a party to this order", store.ErrUnauthorized)
}

func (s *Service) preservationWindow(ctx context.Context, storeID string) time.Duration {
	minutes := s.defaultWindowMinutes
	settings, err := s.repo.GetStoreSettings(ctx, storeID)
	if err == nil && settings.PreservationWindowMinutes > 0 {
		minutes = settings.PreservationWindowMinutes
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("[service] WARN: reading settings for store %s: %v", storeID, err)
	}
	if minutes > maxPreservationMinutes {
		minutes = maxPreservationMinutes
	}
	return time.Duration(minutes) * time.Minute
}

func (s *Service) recordOrderSale(ctx context.Context, order *domain.Order) {
	day := order.UpdatedAt.Format("2006-01-02")
	err := s.repo.IncrementDailyStats(ctx, order.StoreID, day, domain.StatsDelta{
		SalesCents:      order.TotalCents,
		OrderCount:      1,
		OrderSalesCents: order.TotalCents,
	})
	if err != nil {
		// Best effort: the confirmation itself already succeeded.
		log.Printf("[service] WARN: daily stats increment for order %s failed: %v", order.ID, err)
		return
	}
	s.invalidateStats(ctx, order.StoreID, day)
}

// DeleteOrder implements soft deletion: terminal orders are hidden for the
// requesting side only, non-terminal orders cannot be deleted at all.
func (s *Service) DeleteOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Order{}, store.ErrUnauthorized
	}
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var forCustomer bool
	switch {
	case actor.Role == domain.RoleCustomer && actor.ID == order.CustomerID:
		forCustomer = true
	case actor.Role == domain.RoleStore && actor.ID == order.StoreID:
		forCustomer = false
	default:
		return domain.Order{}, fmt.Errorf("%w: not a party to this order", store.ErrUnauthorized)
	}

	updated, err := s.repo.HideOrder(ctx, orderID, forCustomer)
	if err != nil {
		return domain.Order{}, err
	}
	return *updated, nil
}

func (s *Service) orderVisibleToActor(ctx context.Context, orderID string) (*domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrUnauthorized
	}
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == domain.RoleStore && actor.ID == order.StoreID:
		if order.HiddenForStore {
			return nil, store.ErrNotFound
		}
	case actor.Role == domain.RoleCustomer && actor.ID == order.CustomerID:
		if order.HiddenForCustomer {
			return nil, store.ErrNotFound
		}
	default:
		return nil, fmt.Errorf("%w: not a party to this order", store.ErrUnauthorized)
	}
	return order, nil
}

// CreateBill runs the point-of-sale path: the repository deducts stock for
// every item all-or-nothing and assigns the day's next sequence number. The
// daily aggregation afterwards is best effort and never fails the bill.
func (s *Service) CreateBill(ctx context.Context, req domain.BillCreateRequest) (domain.Bill, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return domain.Bill{}, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	if req.StoreID == "" {
		req.StoreID = actor.ID
	}
	if req.StoreID != actor.ID {
		return domain.Bill{}, fmt.Errorf("%w: cannot bill for another store", store.ErrUnauthorized)
	}
	if len(req.Items) == 0 {
		return domain.Bill{}, store.ErrInvalidRequest
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCash
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.Bill{}, store.ErrInvalidRequest
	}

	bill, err := s.repo.CreateBill(ctx, req.StoreID, req.Items, req.PaymentMethod, strings.TrimSpace(req.CustomerName), strings.TrimSpace(req.CustomerPhone))
	if err != nil {
		return domain.Bill{}, err
	}

	day := bill.CreatedAt.Format("2006-01-02")
	err = s.repo.IncrementDailyStats(ctx, bill.StoreID, day, domain.StatsDelta{
		SalesCents:     bill.TotalCents,
		BillCount:      1,
		BillSalesCents: bill.TotalCents,
	})
	if err != nil {
		log.Printf("[service] WARN: daily stats increment for bill %s failed: %v", bill.ID, err)
	} else {
		s.invalidateStats(ctx, bill.StoreID, day)
	}

	return *bill, nil
}

func (s *Service) GetBill(ctx context.Context, billID string) (domain.Bill, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return domain.Bill{}, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	bill, err := s.repo.GetBillByID(ctx, billID)
	if err != nil {
		return domain.Bill{}, err
	}
	if bill.StoreID != actor.ID {
		return domain.Bill{}, fmt.Errorf("%w: bill belongs to another store", store.ErrUnauthorized)
	}
	return *bill, nil
}

func (s *Service) ListBills(ctx context.Context, day string, limit int) ([]domain.Bill, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return nil, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	if day != "" {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return nil, store.ErrInvalidRequest
		}
	}
	return s.repo.ListBills(ctx, actor.ID, day, limit)
}

// RunExpirySweep cancels every approved order whose preservation window has
// passed, through the same cancel transition a store owner would use. Each
// order is handled independently; one failure never aborts the cycle. The
// status predicate makes a re-run over already-cancelled orders a no-op.
func (s *Service) RunExpirySweep(ctx context.Context) domain.SweepResult {
	now := s.now()
	expired, err := s.repo.ListExpiredApprovedOrders(ctx, now, 500)
	if err != nil {
		log.Printf("[sweeper] WARN: listing expired reservations: %v", err)
		return domain.SweepResult{}
	}

	result := domain.SweepResult{Scanned: len(expired)}
	for _, order := range expired {
		if _, err := s.repo.CancelOrder(ctx, order.ID); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// A concurrent confirm or cancel won the race; nothing to do.
				continue
			}
			result.Failed++
			log.Printf("[sweeper] WARN: cancelling expired order %s: %v", order.ID, err)
			continue
		}
		result.Cancelled++
	}
	return result
}

func (s *Service) GetDailyStats(ctx context.Context, storeID string, day string) (domain.DailyRecord, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return domain.DailyRecord{}, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	if storeID == "" {
		storeID = actor.ID
	}
	if storeID != actor.ID {
		return domain.DailyRecord{}, fmt.Errorf("%w: cannot read another store's stats", store.ErrUnauthorized)
	}
	if day == "" {
		day = s.now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return domain.DailyRecord{}, store.ErrInvalidRequest
	}

	if cached, found, err := s.stats.Get(ctx, statsCacheKey(storeID, day)); err == nil && found {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: stats cache read for %s/%s: %v", storeID, day, err)
	}

	record, err := s.repo.GetDailyStats(ctx, storeID, day)
	if err != nil {
		return domain.DailyRecord{}, err
	}
	if err := s.stats.Set(ctx, statsCacheKey(storeID, day), record, s.statsTTL); err != nil {
		log.Printf("[service] WARN: stats cache write for %s/%s: %v", storeID, day, err)
	}
	return *record, nil
}

func (s *Service) SetVisitCount(ctx context.Context, req domain.VisitCountRequest) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	if req.Day == "" {
		req.Day = s.now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", req.Day); err != nil || req.Count < 0 {
		return store.ErrInvalidRequest
	}

	if err := s.repo.SetVisitCount(ctx, actor.ID, req.Day, req.Count); err != nil {
		return err
	}
	s.invalidateStats(ctx, actor.ID, req.Day)
	return nil
}

func (s *Service) GetStoreSettings(ctx context.Context) (domain.StoreSettings, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return domain.StoreSettings{}, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	settings, err := s.repo.GetStoreSettings(ctx, actor.ID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.StoreSettings{
			StoreID:                   actor.ID,
			PreservationWindowMinutes: s.defaultWindowMinutes,
		}, nil
	}
	if err != nil {
		return domain.StoreSettings{}, err
	}
	return *settings, nil
}

func (s *Service) UpdateStoreSettings(ctx context.Context, req domain.StoreSettingsUpdateRequest) (domain.StoreSettings, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleStore {
		return domain.StoreSettings{}, fmt.Errorf("%w: store role required", store.ErrUnauthorized)
	}
	if req.PreservationWindowMinutes < 1 || req.PreservationWindowMinutes > maxPreservationMinutes {
		return domain.StoreSettings{}, fmt.Errorf("%w: preservation window must be 1..%d minutes", store.ErrInvalidRequest, maxPreservationMinutes)
	}

	saved, err := s.repo.UpsertStoreSettings(ctx, domain.StoreSettings{
		StoreID:                   actor.ID,
		PreservationWindowMinutes: req.PreservationWindowMinutes,
	})
	if err != nil {
		return domain.StoreSettings{}, err
	}
	return *saved, nil
}

func (s *Service) invalidateStats(ctx context.Context, storeID string, day string) {
	if err := s.stats.Delete(ctx, statsCacheKey(storeID, day)); err != nil {
		log.Printf("[service] WARN: stats cache invalidation for %s/%s: %v", storeID, day, err)
	}
}

func statsCacheKey(storeID string, day string) string {
	return "daily-stats:" + storeID + ":" + day
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodUPI:
		return true
	default:
		return false
	}
}
