package billing

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used in tests and local development. All
// state lives behind a single mutex; ApplyEvent snapshots state before
// running its body so a failed application rolls back completely, matching
// the transactional semantics of the Postgres store.
type MemStore struct {
	mu           sync.Mutex
	subs         map[uuid.UUID]*Subscription
	byRef        map[string]uuid.UUID
	invoices     map[string]Invoice
	invoiceOrder []string
	events       map[string]ProcessedEvent
	customers    map[uuid.UUID]string
	customersRev map[string]uuid.UUID
	locks        map[int64]bool
	now          func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		subs:         make(map[uuid.UUID]*Subscription),
		byRef:        make(map[string]uuid.UUID),
		invoices:     make(map[string]Invoice),
		events:       make(map[string]ProcessedEvent),
		customers:    make(map[uuid.UUID]string),
		customersRev: make(map[string]uuid.UUID),
		locks:        make(map[int64]bool),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemStore) InsertSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSubscription(sub)
}

func (m *MemStore) insertSubscription(sub *Subscription) error {
	if _, exists := m.byRef[sub.ProviderSubRef]; exists {
		return ErrConflict
	}
	if sub.Status.Occupies() {
		for _, existing := range m.subs {
			if existing.UserID == sub.UserID && existing.Status.Occupies() {
				return ErrConflict
			}
		}
	}
	cp := *sub
	cp.Version = 1
	m.subs[cp.ID] = &cp
	m.byRef[cp.ProviderSubRef] = cp.ID
	sub.Version = cp.Version
	return nil
}

func (m *MemStore) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getSubscription(id)
}

func (m *MemStore) getSubscription(id uuid.UUID) (*Subscription, error) {
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemStore) GetByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getByProviderRef(ref)
}

func (m *MemStore) getByProviderRef(ref string) (*Subscription, error) {
	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return m.getSubscription(id)
}

func (m *MemStore) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getActiveForUser(userID)
}

func (m *MemStore) getActiveForUser(userID uuid.UUID) (*Subscription, error) {
	for _, sub := range m.subs {
		if sub.UserID == userID && sub.Status.Occupies() {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSubscription(sub)
}

func (m *MemStore) updateSubscription(sub *Subscription) error {
	current, ok := m.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if current.Version != sub.Version {
		return ErrStale
	}
	cp := *sub
	cp.Version = current.Version + 1
	m.subs[cp.ID] = &cp
	sub.Version = cp.Version
	return nil
}

func (m *MemStore) AppendInvoice(ctx context.Context, inv Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendInvoice(inv)
}

func (m *MemStore) appendInvoice(inv Invoice) error {
	if _, exists := m.invoices[inv.ProviderInvoiceRef]; exists {
		return nil
	}
	m.invoices[inv.ProviderInvoiceRef] = inv
	m.invoiceOrder = append(m.invoiceOrder, inv.ProviderInvoiceRef)
	return nil
}

func (m *MemStore) UpsertInvoice(ctx context.Context, inv Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertInvoice(inv)
}

func (m *MemStore) upsertInvoice(inv Invoice) error {
	current, exists := m.invoices[inv.ProviderInvoiceRef]
	if !exists {
		return m.appendInvoice(inv)
	}
	if !current.Status.CanTransitionTo(inv.Status) {
		// Terminal invoice states never regress; keep stored status but
		// refresh provider-owned presentation fields.
		inv.Status = current.Status
	}
	m.invoices[inv.ProviderInvoiceRef] = inv
	return nil
}

func (m *MemStore) ListInvoices(ctx context.Context, subscriptionID uuid.UUID) ([]Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listInvoices(subscriptionID)
}

func (m *MemStore) listInvoices(subscriptionID uuid.UUID) ([]Invoice, error) {
	var out []Invoice
	for _, ref := range m.invoiceOrder {
		if inv := m.invoices[ref]; inv.SubscriptionID == subscriptionID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *MemStore) ApplyEvent(ctx context.Context, eventID string, kind EventKind, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.events[eventID]; seen {
		return ErrDuplicateEvent
	}

	snapshot := m.snapshot()
	m.events[eventID] = ProcessedEvent{ProviderEventID: eventID, Kind: kind, ReceivedAt: m.now()}
	if err := fn(ctx, &memTx{store: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	subs         map[uuid.UUID]*Subscription
	byRef        map[string]uuid.UUID
	invoices     map[string]Invoice
	invoiceOrder []string
	events       map[string]ProcessedEvent
	customers    map[uuid.UUID]string
	customersRev map[string]uuid.UUID
}

func (m *MemStore) snapshot() memSnapshot {
	subs := make(map[uuid.UUID]*Subscription, len(m.subs))
	for id, sub := range m.subs {
		cp := *sub
		subs[id] = &cp
	}
	return memSnapshot{
		subs:         subs,
		byRef:        maps.Clone(m.byRef),
		invoices:     maps.Clone(m.invoices),
		invoiceOrder: append([]string(nil), m.invoiceOrder...),
		events:       maps.Clone(m.events),
		customers:    maps.Clone(m.customers),
		customersRev: maps.Clone(m.customersRev),
	}
}

func (m *MemStore) restore(s memSnapshot) {
	m.subs = s.subs
	m.byRef = s.byRef
	m.invoices = s.invoices
	m.invoiceOrder = s.invoiceOrder
	m.events = s.events
	m.customers = s.customers
	m.customersRev = s.customersRev
}

func (m *MemStore) CustomerRef(ctx context.Context, userID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.customerRef(userID)
}

func (m *MemStore) customerRef(userID uuid.UUID) (string, error) {
	ref, ok := m.customers[userID]
	if !ok {
		return "", ErrCustomerNotFound
	}
	return ref, nil
}

func (m *MemStore) UserForCustomerRef(ctx context.Context, customerRef string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userForCustomerRef(customerRef)
}

func (m *MemStore) userForCustomerRef(customerRef string) (uuid.UUID, error) {
	userID, ok := m.customersRev[customerRef]
	if !ok {
		return uuid.Nil, ErrCustomerNotFound
	}
	return userID, nil
}

func (m *MemStore) SaveCustomerRef(ctx context.Context, userID uuid.UUID, customerRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCustomerRef(userID, customerRef)
}

func (m *MemStore) saveCustomerRef(userID uuid.UUID, customerRef string) error {
	m.customers[userID] = customerRef
	m.customersRev[customerRef] = userID
	return nil
}

func (m *MemStore) ListCanceledBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for id, sub := range m.subs {
		if sub.Status == StatusCanceled && sub.CanceledAt != nil && sub.CanceledAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemStore) DeleteCanceledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, sub := range m.subs {
		if sub.Status == StatusCanceled && sub.CanceledAt != nil && sub.CanceledAt.Before(cutoff) {
			delete(m.byRef, sub.ProviderSubRef)
			delete(m.subs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemStore) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pruned int64
	for id, ev := range m.events {
		if ev.ReceivedAt.Before(cutoff) {
			delete(m.events, id)
			pruned++
		}
	}
	return pruned, nil
}

// TryLock implements Locker within a single process.
func (m *MemStore) TryLock(ctx context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *MemStore) Unlock(ctx context.Context, key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

// ProcessedEventCount reports ledger size; test helper.
func (m *MemStore) ProcessedEventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// memTx exposes the store under an already-held lock for ApplyEvent bodies.
type memTx struct {
	store *MemStore
}

func (t *memTx) InsertSubscription(ctx context.Context, sub *Subscription) error {
	return t.store.insertSubscription(sub)
}

func (t *memTx) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return t.store.getSubscription(id)
}

func (t *memTx) GetByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	return t.store.getByProviderRef(ref)
}

func (t *memTx) GetActiveForUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return t.store.getActiveForUser(userID)
}

func (t *memTx) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	return t.store.updateSubscription(sub)
}

func (t *memTx) AppendInvoice(ctx context.Context, inv Invoice) error {
	return t.store.appendInvoice(inv)
}

func (t *memTx) UpsertInvoice(ctx context.Context, inv Invoice) error {
	return t.store.upsertInvoice(inv)
}

func (t *memTx) ListInvoices(ctx context.Context, subscriptionID uuid.UUID) ([]Invoice, error) {
	return t.store.listInvoices(subscriptionID)
}

func (t *memTx) ApplyEvent(ctx context.Context, eventID string, kind EventKind, fn func(ctx context.Context, tx Store) error) error {
	// Nested events join the surrounding application.
	if _, seen := t.store.events[eventID]; seen {
		return ErrDuplicateEvent
	}
	t.store.events[eventID] = ProcessedEvent{ProviderEventID: eventID, Kind: kind, ReceivedAt: t.store.now()}
	return fn(ctx, t)
}

func (t *memTx) CustomerRef(ctx context.Context, userID uuid.UUID) (string, error) {
	return t.store.customerRef(userID)
}

func (t *memTx) UserForCustomerRef(ctx context.Context, customerRef string) (uuid.UUID, error) {
	return t.store.userForCustomerRef(customerRef)
}

func (t *memTx) SaveCustomerRef(ctx context.Context, userID uuid.UUID, customerRef string) error {
	return t.store.saveCustomerRef(userID, customerRef)
}

func (t *memTx) ListCanceledBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	panic("billing: ListCanceledBefore is not available inside ApplyEvent")
}

func (t *memTx) DeleteCanceledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	panic("billing: DeleteCanceledBefore is not available inside ApplyEvent")
}

func (t *memTx) PruneProcessedEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	panic("billing: PruneProcessedEvents is not available inside ApplyEvent")
}
