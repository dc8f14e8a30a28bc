package purchases

import "sync"

// PurchaseTracker rejects a second purchase of a product while one is in
// flight.
type PurchaseTracker struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewPurchaseTracker creates an empty tracker.
func NewPurchaseTracker() *PurchaseTracker {
	return &PurchaseTracker{inFlight: make(map[string]struct{})}
}

// Begin marks productID as in flight. It fails with
// OperationAlreadyInProgressError if it already is.
func (t *PurchaseTracker) Begin(productID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[productID]; ok {
		return NewError(OperationAlreadyInProgressError, "purchase of "+productID+" already in progress")
	}
	t.inFlight[productID] = struct{}{}
	return nil
}

// End releases productID.
func (t *PurchaseTracker) End(productID string) {
	t.mu.Lock()
	delete(t.inFlight, productID)
	t.mu.Unlock()
}

// InProgress reports whether productID is in flight.
func (t *PurchaseTracker) InProgress(productID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[productID]
	return ok
}
