package purchases

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mapStore is an in-memory KeyValueStore.
type mapStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (s *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	v, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *mapStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *mapStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *mapStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// fakeClock is a settable Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeBackend records calls and returns scripted results.
type fakeBackend struct {
	mu sync.Mutex

	info       *CustomerInfo
	getErr     error
	getCalls   int
	postFn     func(req *PostReceiptRequest) (*PostReceiptResponse, error)
	posts      []*PostReceiptRequest
	mapping    *ProductEntitlementMapping
	mappingErr error
	logInFn    func(current, next string) (*CustomerInfo, bool, error)
}

func (b *fakeBackend) GetCustomerInfo(_ context.Context, appUserID string, _ bool) (*CustomerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getCalls++
	if b.getErr != nil {
		return nil, b.getErr
	}
	if b.info != nil {
		return b.info, nil
	}
	return customerInfoFor(appUserID, "pro"), nil
}

func (b *fakeBackend) PostReceiptData(_ context.Context, req *PostReceiptRequest) (*PostReceiptResponse, error) {
	b.mu.Lock()
	b.posts = append(b.posts, req)
	fn := b.postFn
	b.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return &PostReceiptResponse{CustomerInfo: customerInfoFor(req.AppUserID, "pro")}, nil
}

func (b *fakeBackend) GetProductEntitlementMapping(_ context.Context) (*ProductEntitlementMapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mappingErr != nil {
		return nil, b.mappingErr
	}
	return b.mapping, nil
}

func (b *fakeBackend) LogIn(_ context.Context, current, next string) (*CustomerInfo, bool, error) {
	if b.logInFn != nil {
		return b.logInFn(current, next)
	}
	return customerInfoFor(next, "pro"), true, nil
}

func (b *fakeBackend) getCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getCalls
}

func (b *fakeBackend) postedTokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens := make([]string, 0, len(b.posts))
	for _, p := range b.posts {
		tokens = append(tokens, p.PurchaseToken)
	}
	sort.Strings(tokens)
	return tokens
}

func (b *fakeBackend) postRequests() []*PostReceiptRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*PostReceiptRequest(nil), b.posts...)
}

// fakeStore is a scripted StoreClient and PurchaseLauncher.
type fakeStore struct {
	mu sync.Mutex

	purchases    []*StoreTransaction
	history      []*StoreTransaction
	products     map[string]*StoreProduct
	queryErr     error
	consumed     []string
	acknowledged []string
	launchFn     func(params PurchaseParams) (*StoreTransaction, error)
}

func (s *fakeStore) QueryProducts(_ context.Context, _ ProductType, ids []string) ([]*StoreProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*StoreProduct
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) QueryPurchases(_ context.Context, _ string) ([]*StoreTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return append([]*StoreTransaction(nil), s.purchases...), nil
}

func (s *fakeStore) QueryPurchaseHistory(_ context.Context, _ string) ([]*StoreTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return append([]*StoreTransaction(nil), s.history...), nil
}

func (s *fakeStore) Consume(_ context.Context, tx *StoreTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = append(s.consumed, tx.PurchaseToken)
	return nil
}

func (s *fakeStore) Acknowledge(_ context.Context, tx *StoreTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acknowledged = append(s.acknowledged, tx.PurchaseToken)
	return nil
}

func (s *fakeStore) LaunchPurchaseFlow(_ context.Context, _ string, params PurchaseParams) (*StoreTransaction, error) {
	if s.launchFn == nil {
		return nil, errors.New("no purchase scripted")
	}
	return s.launchFn(params)
}

func (s *fakeStore) consumedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.consumed...)
}

func (s *fakeStore) acknowledgedTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acknowledged...)
}

// recordingListener collects delivered customer info.
type recordingListener struct {
	mu       sync.Mutex
	received []*CustomerInfo
}

func (l *recordingListener) OnReceived(info *CustomerInfo) {
	l.mu.Lock()
	l.received = append(l.received, info)
	l.mu.Unlock()
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.received)
}

// recordingDiagnostics collects retrieval results.
type recordingDiagnostics struct {
	mu      sync.Mutex
	started int
	results []GetCustomerInfoResult
}

func (d *recordingDiagnostics) TrackGetCustomerInfoStarted(_ context.Context) {
	d.mu.Lock()
	d.started++
	d.mu.Unlock()
}

func (d *recordingDiagnostics) TrackGetCustomerInfoResult(_ context.Context, r GetCustomerInfoResult) {
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
}

func customerInfoFor(appUserID string, entitlements ...string) *CustomerInfo {
	info := &CustomerInfo{
		OriginalAppUserID:  appUserID,
		Entitlements:       make(map[string]EntitlementInfo),
		AllExpirationDates: make(map[string]*time.Time),
		AllPurchaseDates:   make(map[string]time.Time),
		RequestDate:        time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Verification:       VerificationNotRequested,
	}
	for _, e := range entitlements {
		info.Entitlements[e] = EntitlementInfo{
			Identifier:        e,
			ProductIdentifier: "monthly",
			IsActive:          true,
			Store:             StorePlayStore,
		}
	}
	return info
}

func purchasedTx(token, productID string, productType ProductType) *StoreTransaction {
	return &StoreTransaction{
		ProductIDs:    []string{productID},
		Type:          productType,
		PurchaseTime:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		PurchaseToken: token,
		PurchaseState: PurchaseStatePurchased,
		Store:         StorePlayStore,
	}
}

func serverError() error {
	return &BackendError{
		Err:           NewError(UnknownBackendError, "HTTP 500"),
		IsServerError: true,
		Behavior:      ShouldNotConsume,
		StatusCode:    500,
	}
}

func finishableError() error {
	return &BackendError{
		Err:        NewError(InvalidReceiptError, "HTTP 400"),
		Behavior:   ShouldBeMarkedSynced,
		StatusCode: 400,
	}
}

// harness wires a full SDK on fakes.
type harness struct {
	p           *Purchases
	kv          *mapStore
	backend     *fakeBackend
	store       *fakeStore
	clock       *fakeClock
	diagnostics *recordingDiagnostics
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	h := &harness{
		kv:          newMapStore(),
		backend:     &fakeBackend{},
		store:       &fakeStore{products: make(map[string]*StoreProduct)},
		clock:       newFakeClock(),
		diagnostics: &recordingDiagnostics{},
	}
	if config.AppUserID == "" {
		config.AppUserID = "user-1"
	}
	config.Clock = h.clock
	config.Diagnostics = h.diagnostics

	p, err := New(context.Background(), config, Dependencies{
		Backend: h.backend,
		Store:   h.store,
		Storage: h.kv,
	})
	require.NoError(t, err)
	h.p = p
	return h
}

func (h *harness) seedCache(t *testing.T, appUserID string, info *CustomerInfo) {
	t.Helper()
	require.NoError(t, h.p.cache.CacheCustomerInfo(context.Background(), appUserID, info))
}
