package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShashwatGohel/MediStock-sub001/internal/cache"
	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
	"github.com/ShashwatGohel/MediStock-sub001/internal/store"
	"github.com/ShashwatGohel/MediStock-sub001/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.New()
	svc := New(repo, cache.NoopStatsCache{}, 30*time.Second, 30)
	return svc, repo
}

func storeCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "mainstore", ID: "store-main", Role: domain.RoleStore})
}

func customerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "customer", ID: "cust-1", Role: domain.RoleCustomer})
}

func seedMedicine(t *testing.T, repo *memory.Store, id string, qty int, priceCents int64) {
	t.Helper()
	_, err := repo.CreateMedicine(context.Background(), domain.Medicine{
		ID:         id,
		StoreID:    "store-main",
		Name:       "Test " + id,
		PriceCents: priceCents,
		Quantity:   qty,
	})
	if err != nil {
		t.Fatalf("seeding medicine %s: %v", id, err)
	}
}

func mustCounters(t *testing.T, repo *memory.Store, id string, wantQty int, wantReserved int) {
	t.Helper()
	medicine, err := repo.GetMedicineByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reading medicine %s: %v", id, err)
	}
	if medicine.Quantity != wantQty || medicine.ReservedQuantity != wantReserved {
		t.Fatalf("medicine %s: expected quantity=%d reserved=%d, got quantity=%d reserved=%d",
			id, wantQty, wantReserved, medicine.Quantity, medicine.ReservedQuantity)
	}
}

func placeOrder(t *testing.T, svc *Service, items ...domain.OrderItemRequest) domain.Order {
	t.Helper()
	order, err := svc.CreateOrder(customerCtx(), domain.OrderCreateRequest{
		StoreID: "store-main",
		Items:   items,
	})
	if err != nil {
		t.Fatalf("creating order: %v", err)
	}
	return order
}

func TestOrderLifecycleApproveThenConfirm(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 4})
	if order.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.TotalCents != 4*2500 {
		t.Fatalf("expected total 10000, got %d", order.TotalCents)
	}
	// Pending orders must not touch stock.
	mustCounters(t, repo, "med-a", 10, 0)

	approved, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	mustCounters(t, repo, "med-a", 6, 4)
	if approved.PreservationExpiresAt == nil {
		t.Fatalf("expected a preservation deadline after approval")
	}
	window := time.Until(*approved.PreservationExpiresAt)
	if window <= 0 || window > 60*time.Minute {
		t.Fatalf("preservation window out of range: %v", window)
	}

	confirmed, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusConfirmed)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	if confirmed.PreservationExpiresAt != nil {
		t.Fatalf("expected deadline cleared after confirmation")
	}
	mustCounters(t, repo, "med-a", 6, 0)

	day := time.Now().UTC().Format("2006-01-02")
	stats, err := svc.GetDailyStats(storeCtx(), "", day)
	if err != nil {
		t.Fatalf("reading stats: %v", err)
	}
	if stats.TotalSalesCents != 10000 || stats.OrderCount != 1 || stats.OrderSalesCents != 10000 {
		t.Fatalf("unexpected stats after confirmation: %+v", stats)
	}
}

func TestApprovalIsAllOrNothing(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)
	seedMedicine(t, repo, "med-b", 2, 1800)

	order := placeOrder(t, svc,
		domain.OrderItemRequest{MedicineID: "med-a", Qty: 4},
		domain.OrderItemRequest{MedicineID: "med-b", Qty: 5},
	)

	_, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	// The sufficient first item must not stay reserved.
	mustCounters(t, repo, "med-a", 10, 0)
	mustCounters(t, repo, "med-b", 2, 0)

	current, err := svc.GetOrder(customerCtx(), order.ID)
	if err != nil {
		t.Fatalf("reading order: %v", err)
	}
	if current.Status != domain.OrderStatusPending {
		t.Fatalf("expected order to stay pending, got %s", current.Status)
	}
}

func TestCancelApprovedReleasesStock(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 4})
	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	mustCounters(t, repo, "med-a", 6, 4)

	cancelled, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusCancelled)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.PreservationExpiresAt != nil {
		t.Fatalf("unexpected cancelled order: %+v", cancelled)
	}
	mustCounters(t, repo, "med-a", 10, 0)
}

func TestTransitionLegality(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 1})

	// pending -> confirmed skips approval.
	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusConfirmed); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending->confirmed, got %v", err)
	}

	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// Terminal orders accept no further transitions.
	for _, target := range []string{domain.OrderStatusApproved, domain.OrderStatusConfirmed, domain.OrderStatusCancelled} {
		if _, err := svc.TransitionOrder(storeCtx(), order.ID, target); !errors.Is(err, store.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition for cancelled->%s, got %v", target, err)
		}
	}
}

func TestCustomerMayOnlyCancelOwnPendingOrder(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 2})

	// Customers never drive approval.
	if _, err := svc.TransitionOrder(customerCtx(), order.ID, domain.OrderStatusApproved); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for customer approve, got %v", err)
	}

	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	// Once approved, cancellation is the store's call.
	if _, err := svc.TransitionOrder(customerCtx(), order.ID, domain.OrderStatusCancelled); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for customer cancel of approved order, got %v", err)
	}

	other := WithActor(context.Background(), domain.Actor{Username: "other", ID: "cust-2", Role: domain.RoleCustomer})
	second := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 1})
	if _, err := svc.TransitionOrder(other, second.ID, domain.OrderStatusCancelled); !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign customer, got %v", err)
	}
	if _, err := svc.TransitionOrder(customerCtx(), second.ID, domain.OrderStatusCancelled); err != nil {
		t.Fatalf("owner cancel of pending order failed: %v", err)
	}
}

func TestExpirySweepCancelsOverdueReservations(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 4})
	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	mustCounters(t, repo, "med-a", 6, 4)

	// Nothing is overdue yet.
	result := svc.RunExpirySweep(context.Background())
	if result.Scanned != 0 || result.Cancelled != 0 {
		t.Fatalf("expected empty sweep before expiry, got %+v", result)
	}

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	result = svc.RunExpirySweep(context.Background())
	if result.Scanned != 1 || result.Cancelled != 1 || result.Failed != 0 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
	mustCounters(t, repo, "med-a", 10, 0)

	swept, err := repo.GetOrderByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reading order: %v", err)
	}
	if swept.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", swept.Status)
	}

	// A second cycle over the same state changes nothing.
	result = svc.RunExpirySweep(context.Background())
	if result.Scanned != 0 || result.Cancelled != 0 || result.Failed != 0 {
		t.Fatalf("expected idempotent second sweep, got %+v", result)
	}
	mustCounters(t, repo, "med-a", 10, 0)
}

func TestSweepLeavesConfirmedOrdersAlone(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 4})
	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusConfirmed); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	svc.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	result := svc.RunExpirySweep(context.Background())
	if result.Scanned != 0 {
		t.Fatalf("expected confirmed order to be invisible to the sweep, got %+v", result)
	}
	mustCounters(t, repo, "med-a", 6, 0)
}

func TestPreservationWindowFollowsStoreSettings(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	if _, err := svc.UpdateStoreSettings(storeCtx(), domain.StoreSettingsUpdateRequest{PreservationWindowMinutes: 90}); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for 90 minute window, got %v", err)
	}

	if _, err := svc.UpdateStoreSettings(storeCtx(), domain.StoreSettingsUpdateRequest{PreservationWindowMinutes: 5}); err != nil {
		t.Fatalf("updating settings: %v", err)
	}

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 1})
	approved, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	window := time.Until(*approved.PreservationExpiresAt)
	if window > 5*time.Minute+time.Second {
		t.Fatalf("expected roughly 5 minute window, got %v", window)
	}
}

func TestCreateBillDeductsStockAndNumbersSequentially(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	first, err := svc.CreateBill(storeCtx(), domain.BillCreateRequest{
		Items:         []domain.BillItemRequest{{MedicineID: "med-a", Qty: 3}},
		PaymentMethod: "cash",
	})
	if err != nil {
		t.Fatalf("first bill failed: %v", err)
	}
	mustCounters(t, repo, "med-a", 7, 0)

	dayCode := time.Now().UTC().Format("20060102")
	if first.Number != dayCode+"-1" {
		t.Fatalf("expected number %s-1, got %s", dayCode, first.Number)
	}
	if first.TotalCents != 3*2500 {
		t.Fatalf("expected total 7500, got %d", first.TotalCents)
	}

	second, err := svc.CreateBill(storeCtx(), domain.BillCreateRequest{
		Items: []domain.BillItemRequest{{MedicineID: "med-a", Qty: 1}},
	})
	if err != nil {
		t.Fatalf("second bill failed: %v", err)
	}
	if second.Number != dayCode+"-2" {
		t.Fatalf("expected number %s-2, got %s", dayCode, second.Number)
	}

	day := time.Now().UTC().Format("2006-01-02")
	stats, err := svc.GetDailyStats(storeCtx(), "", day)
	if err != nil {
		t.Fatalf("reading stats: %v", err)
	}
	if stats.BillCount != 2 || stats.BillSalesCents != 10000 || stats.TotalSalesCents != 10000 {
		t.Fatalf("unexpected stats after bills: %+v", stats)
	}
}

func TestCreateBillInsufficientStockIsAtomic(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)
	seedMedicine(t, repo, "med-b", 1, 1800)

	_, err := svc.CreateBill(storeCtx(), domain.BillCreateRequest{
		Items: []domain.BillItemRequest{
			{MedicineID: "med-a", Qty: 2},
			{MedicineID: "med-b", Qty: 5},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	mustCounters(t, repo, "med-a", 10, 0)
	mustCounters(t, repo, "med-b", 1, 0)

	bills, err := svc.ListBills(storeCtx(), "", 10)
	if err != nil {
		t.Fatalf("listing bills: %v", err)
	}
	if len(bills) != 0 {
		t.Fatalf("expected no bills after failed creation, got %d", len(bills))
	}
}

func TestConcurrentBillNumbersAreDistinctAndGapless(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 100, 2500)

	const workers = 8
	var wg sync.WaitGroup
	numbers := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bill, err := svc.CreateBill(storeCtx(), domain.BillCreateRequest{
				Items: []domain.BillItemRequest{{MedicineID: "med-a", Qty: 1}},
			})
			if err != nil {
				t.Errorf("concurrent bill failed: %v", err)
				return
			}
			numbers <- bill.Number
		}()
	}
	wg.Wait()
	close(numbers)

	dayCode := time.Now().UTC().Format("20060102")
	seen := map[string]bool{}
	for number := range numbers {
		if !strings.HasPrefix(number, dayCode+"-") {
			t.Fatalf("unexpected number format %s", number)
		}
		if seen[number] {
			t.Fatalf("duplicate bill number %s", number)
		}
		seen[number] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d distinct numbers, got %d", workers, len(seen))
	}
	for i := 1; i <= workers; i++ {
		want := dayCode + "-" + strconv.Itoa(i)
		if !seen[want] {
			t.Fatalf("sequence gap: missing %s", want)
		}
	}
	mustCounters(t, repo, "med-a", 100-workers, 0)
}

func TestConcurrentConfirmAndCancelHasOneWinner(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 4})
	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	var wg sync.WaitGroup
	outcomes := make(chan error, 2)
	for _, target := range []string{domain.OrderStatusConfirmed, domain.OrderStatusCancelled} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			_, err := svc.TransitionOrder(storeCtx(), order.ID, target)
			outcomes <- err
		}(target)
	}
	wg.Wait()
	close(outcomes)

	successes, losers := 0, 0
	for err := range outcomes {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrInvalidTransition):
			losers++
		default:
			t.Fatalf("unexpected error from racing transition: %v", err)
		}
	}
	if successes != 1 || losers != 1 {
		t.Fatalf("expected exactly one winner, got %d winners and %d losers", successes, losers)
	}

	final, err := repo.GetOrderByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("reading order: %v", err)
	}
	switch final.Status {
	case domain.OrderStatusConfirmed:
		mustCounters(t, repo, "med-a", 6, 0)
	case domain.OrderStatusCancelled:
		mustCounters(t, repo, "med-a", 10, 0)
	default:
		t.Fatalf("expected a terminal status, got %s", final.Status)
	}
}

func TestVisitCountSetDoesNotDisturbCounters(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	if _, err := svc.CreateBill(storeCtx(), domain.BillCreateRequest{
		Items: []domain.BillItemRequest{{MedicineID: "med-a", Qty: 2}},
	}); err != nil {
		t.Fatalf("bill failed: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	if err := svc.SetVisitCount(storeCtx(), domain.VisitCountRequest{Day: day, Count: 42}); err != nil {
		t.Fatalf("setting visit count: %v", err)
	}

	stats, err := svc.GetDailyStats(storeCtx(), "", day)
	if err != nil {
		t.Fatalf("reading stats: %v", err)
	}
	if stats.VisitCount != 42 {
		t.Fatalf("expected visit count 42, got %d", stats.VisitCount)
	}
	if stats.BillCount != 1 || stats.TotalSalesCents != 5000 {
		t.Fatalf("visit count overwrote sale counters: %+v", stats)
	}
}

func TestDeleteMedicineBlockedWhileReserved(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 4})
	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusApproved); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	if err := svc.DeleteMedicine(storeCtx(), "med-a"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while reserved, got %v", err)
	}

	if _, err := svc.TransitionOrder(storeCtx(), order.ID, domain.OrderStatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := svc.DeleteMedicine(storeCtx(), "med-a"); err != nil {
		t.Fatalf("expected delete to succeed after release, got %v", err)
	}
}

func TestDeleteOrderHidesPerSide(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 1})

	// Only terminal orders can be hidden.
	if _, err := svc.DeleteOrder(customerCtx(), order.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending delete, got %v", err)
	}

	if _, err := svc.TransitionOrder(customerCtx(), order.ID, domain.OrderStatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := svc.DeleteOrder(customerCtx(), order.ID); err != nil {
		t.Fatalf("customer delete failed: %v", err)
	}

	customerOrders, err := svc.ListOrders(customerCtx(), 10)
	if err != nil {
		t.Fatalf("listing customer orders: %v", err)
	}
	if len(customerOrders) != 0 {
		t.Fatalf("expected hidden order to vanish from customer list, got %d", len(customerOrders))
	}

	storeOrders, err := svc.ListOrders(storeCtx(), 10)
	if err != nil {
		t.Fatalf("listing store orders: %v", err)
	}
	if len(storeOrders) != 1 {
		t.Fatalf("expected order still visible to the store, got %d", len(storeOrders))
	}

	if _, err := repo.GetOrderByID(context.Background(), order.ID); err != nil {
		t.Fatalf("hidden order must survive in the repository: %v", err)
	}
}

func TestOrderSnapshotsPriceAtCreation(t *testing.T) {
	svc, repo := newTestService(t)
	seedMedicine(t, repo, "med-a", 10, 2500)

	order := placeOrder(t, svc, domain.OrderItemRequest{MedicineID: "med-a", Qty: 2})

	newPrice := int64(9900)
	if _, err := svc.UpdateMedicine(storeCtx(), "med-a", domain.MedicineUpdateRequest{PriceCents: &newPrice}); err != nil {
		t.Fatalf("price update failed: %v", err)
	}

	current, err := svc.GetOrder(customerCtx(), order.ID)
	if err != nil {
		t.Fatalf("reading order: %v", err)
	}
	if current.TotalCents != 2*2500 || current.Items[0].UnitPriceCents != 2500 {
		t.Fatalf("expected snapshotted prices, got %+v", current)
	}
}
