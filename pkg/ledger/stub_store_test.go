package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

const (
	userIDValue        = "user-1"
	testStartUnixUTC   = int64(1_700_000_000)
	errorMismatchFmt   = "expected %v, got %v"
	stubErrorOperation = "store"
)

type stubState struct {
	balances      map[UserID]AccountBalance
	transactions  []Transaction
	plans         map[string]SubscriptionPlan
	subscriptions map[UserID]Subscription
	sequence      int64

	getBalanceError        error
	updateBalanceError     error
	insertTransactionError error
	listTransactionsError  error
	activePlanError        error
	conflicts              int
	updateCalls            int
}

type stubSnapshot struct {
	balances      map[UserID]AccountBalance
	transactions  []Transaction
	subscriptions map[UserID]Subscription
	sequence      int64
}

// stubStore serializes transactions with a mutex and rolls back state when fn fails.
type stubStore struct {
	mu    *sync.Mutex
	state *stubState
	inTx  bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	state := &stubState{
		balances:      make(map[UserID]AccountBalance),
		plans:         make(map[string]SubscriptionPlan),
		subscriptions: make(map[UserID]Subscription),
	}
	for _, plan := range DefaultPlans() {
		plan.PlanID = "plan-" + plan.Slug
		state.plans[plan.Slug] = plan
	}
	return &stubStore{mu: &sync.Mutex{}, state: state}
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) snapshot() stubSnapshot {
	balances := make(map[UserID]AccountBalance, len(store.state.balances))
	for key, value := range store.state.balances {
		balances[key] = value
	}
	subscriptions := make(map[UserID]Subscription, len(store.state.subscriptions))
	for key, value := range store.state.subscriptions {
		subscriptions[key] = value
	}
	return stubSnapshot{
		balances:      balances,
		transactions:  append([]Transaction(nil), store.state.transactions...),
		subscriptions: subscriptions,
		sequence:      store.state.sequence,
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.state.balances = snapshot.balances
	store.state.transactions = snapshot.transactions
	store.state.subscriptions = snapshot.subscriptions
	store.state.sequence = snapshot.sequence
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshot()
	err := fn(ctx, &stubStore{mu: store.mu, state: store.state, inTx: true})
	if err != nil {
		store.restore(snapshot)
	}
	return err
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (AccountBalance, error) {
	defer store.lock()()
	if store.state.getBalanceError != nil {
		return AccountBalance{}, store.state.getBalanceError
	}
	balance, ok := store.state.balances[userID]
	if !ok {
		return AccountBalance{}, WrapError(stubErrorOperation, "balance", "get", ErrAccountNotFound)
	}
	return balance, nil
}

func (store *stubStore) CreateBalance(ctx context.Context, balance AccountBalance) (bool, error) {
	defer store.lock()()
	if _, ok := store.state.balances[balance.UserID]; ok {
		return false, nil
	}
	store.state.balances[balance.UserID] = balance
	return true, nil
}

func (store *stubStore) UpdateBalance(ctx context.Context, balance AccountBalance) (AccountBalance, error) {
	defer store.lock()()
	store.state.updateCalls++
	if store.state.updateBalanceError != nil {
		return AccountBalance{}, store.state.updateBalanceError
	}
	if store.state.conflicts > 0 {
		store.state.conflicts--
		return AccountBalance{}, WrapError(stubErrorOperation, "balance", "update", ErrWriteConflict)
	}
	stored, ok := store.state.balances[balance.UserID]
	if !ok {
		return AccountBalance{}, ErrAccountNotFound
	}
	if stored.Version != balance.Version {
		return AccountBalance{}, WrapError(stubErrorOperation, "balance", "update", ErrWriteConflict)
	}
	balance.Version++
	store.state.balances[balance.UserID] = balance
	return balance, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	defer store.lock()()
	if store.state.insertTransactionError != nil {
		return Transaction{}, store.state.insertTransactionError
	}
	store.state.sequence++
	transaction.Sequence = store.state.sequence
	transaction.TransactionID = fmt.Sprintf("tx-%d", store.state.sequence)
	store.state.transactions = append(store.state.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	defer store.lock()()
	if store.state.listTransactionsError != nil {
		return nil, store.state.listTransactionsError
	}
	transactions := make([]Transaction, 0, limit)
	for index := len(store.state.transactions) - 1; index >= 0 && len(transactions) < limit; index-- {
		if store.state.transactions[index].UserID == userID {
			transactions = append(transactions, store.state.transactions[index])
		}
	}
	return transactions, nil
}

func (store *stubStore) GetActivePlan(ctx context.Context, userID UserID, atUnixUTC int64) (SubscriptionPlan, error) {
	defer store.lock()()
	if store.state.activePlanError != nil {
		return SubscriptionPlan{}, store.state.activePlanError
	}
	subscription, ok := store.state.subscriptions[userID]
	if !ok || subscription.Status != SubscriptionActive {
		return SubscriptionPlan{}, ErrNoActiveSubscription
	}
	if subscription.ExpiresUnixUTC != 0 && subscription.ExpiresUnixUTC <= atUnixUTC {
		return SubscriptionPlan{}, ErrNoActiveSubscription
	}
	return store.state.plans[subscription.PlanSlug], nil
}

func (store *stubStore) GetPlan(ctx context.Context, slug string) (SubscriptionPlan, error) {
	defer store.lock()()
	plan, ok := store.state.plans[slug]
	if !ok {
		return SubscriptionPlan{}, ErrUnknownPlan
	}
	return plan, nil
}

func (store *stubStore) ListPlans(ctx context.Context) ([]SubscriptionPlan, error) {
	defer store.lock()()
	plans := make([]SubscriptionPlan, 0, len(store.state.plans))
	for _, plan := range store.state.plans {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(left, right int) bool { return plans[left].Slug < plans[right].Slug })
	return plans, nil
}

func (store *stubStore) UpsertPlan(ctx context.Context, plan SubscriptionPlan) error {
	defer store.lock()()
	store.state.plans[plan.Slug] = plan
	return nil
}

func (store *stubStore) PutSubscription(ctx context.Context, subscription Subscription) error {
	defer store.lock()()
	store.state.subscriptions[subscription.UserID] = subscription
	return nil
}

func (store *stubStore) mustBalance(test *testing.T, userID UserID) AccountBalance {
	test.Helper()
	defer store.lock()()
	balance, ok := store.state.balances[userID]
	if !ok {
		test.Fatalf("balance for %s not found", userID.String())
	}
	return balance
}

func (store *stubStore) transactionsFor(userID UserID) []Transaction {
	defer store.lock()()
	transactions := make([]Transaction, 0, len(store.state.transactions))
	for _, transaction := range store.state.transactions {
		if transaction.UserID == userID {
			transactions = append(transactions, transaction)
		}
	}
	return transactions
}

type testClock struct {
	mu  sync.Mutex
	now int64
}

func newTestClock() *testClock {
	return &testClock{now: testStartUnixUTC}
}

func (clock *testClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += int64(duration / time.Second)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []BalanceChanged
	err    error
}

func (publisher *recordingPublisher) Publish(_ context.Context, event BalanceChanged) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.events = append(publisher.events, event)
	return publisher.err
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustPositiveCredits(test *testing.T, raw int64) PositiveCredits {
	test.Helper()
	value, err := NewPositiveCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	value, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return value
}

func mustProvision(test *testing.T, service *Service, userID UserID) AccountBalance {
	test.Helper()
	balance, err := service.Provision(context.Background(), userID)
	if err != nil {
		test.Fatalf("provision: %v", err)
	}
	return balance
}

func mustDeduct(test *testing.T, service *Service, userID UserID, amount int64) Receipt {
	test.Helper()
	receipt, err := service.Deduct(context.Background(), userID, mustPositiveCredits(test, amount), mustReason(test, "generation"), Reference{})
	if err != nil {
		test.Fatalf("deduct %d: %v", amount, err)
	}
	return receipt
}
