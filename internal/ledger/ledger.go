// Package ledger owns the quantity/reserved counters of a stock item. All
// mutation of Medicine.Quantity and Medicine.ReservedQuantity routes through
// these functions; no other component writes the counters directly. Callers
// are responsible for the atomicity scope (the memory store holds its mutex,
// the postgres store expresses the same guards in SQL).
package ledger

import (
	"fmt"
	"log"
	"time"

	"github.com/ShashwatGohel/MediStock-sub001/internal/domain"
)

// ErrInsufficientStock carries the offending medicine and its actual
// availability so the caller can retry with a corrected quantity.
type ErrInsufficientStock struct {
	MedicineID string
	Name       string
	Requested  int
	Available  int
}

func (e *ErrInsufficientStock) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s): requested %d, available %d", e.Name, e.MedicineID, e.Requested, e.Available)
}

// Reserve moves qty units from the available pool to the reserved pool.
// Fails without mutating anything when fewer than qty units are available.
func Reserve(m *domain.Medicine, qty int) error {
	if qty < 1 {
		return fmt.Errorf("reserve qty must be positive, got %d", qty)
	}
	if m.Quantity < qty {
		return &ErrInsufficientStock{MedicineID: m.ID, Name: m.Name, Requested: qty, Available: m.Quantity}
	}
	m.Quantity -= qty
	m.ReservedQuantity += qty
	touch(m)
	return nil
}

// Release returns qty reserved units to the available pool. The reserved
// counter is clamped at zero; hitting the clamp means reserve/release
// bookkeeping got out of step somewhere, so it is logged rather than
// silently swallowed.
func Release(m *domain.Medicine, qty int) {
	if qty < 1 {
		return
	}
	m.Quantity += qty
	if m.ReservedQuantity < qty {
		log.Printf("[ledger] WARN: release of %d on medicine %s exceeds reserved %d, clamping to 0", qty, m.ID, m.ReservedQuantity)
		m.ReservedQuantity = 0
	} else {
		m.ReservedQuantity -= qty
	}
	touch(m)
}

// Settle converts qty reserved units into a final sale. The available pool
// already dropped at Reserve time, so only the reserved counter moves.
func Settle(m *domain.Medicine, qty int) {
	if qty < 1 {
		return
	}
	if m.ReservedQuantity < qty {
		log.Printf("[ledger] WARN: settle of %d on medicine %s exceeds reserved %d, clamping to 0", qty, m.ID, m.ReservedQuantity)
		m.ReservedQuantity = 0
	} else {
		m.ReservedQuantity -= qty
	}
	touch(m)
}

// DeductDirect removes qty units from the available pool with no reservation
// bookkeeping. Used by point-of-sale bills, which have no approval step.
func DeductDirect(m *domain.Medicine, qty int) error {
	if qty < 1 {
		return fmt.Errorf("deduct qty must be positive, got %d", qty)
	}
	if m.Quantity < qty {
		return &ErrInsufficientStock{MedicineID: m.ID, Name: m.Name, Requested: qty, Available: m.Quantity}
	}
	m.Quantity -= qty
	touch(m)
	return nil
}

// Restock adds qty units to the available pool.
func Restock(m *domain.Medicine, qty int) error {
	if qty < 1 {
		return fmt.Errorf("restock qty must be positive, got %d", qty)
	}
	m.Quantity += qty
	touch(m)
	return nil
}

func touch(m *domain.Medicine) {
	m.IsAvailable = m.Quantity > 0
	m.UpdatedAt = time.Now().UTC()
}
