package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectTransaction  = "transaction"
	errorSubjectPlan         = "plan"
	errorSubjectSubscription = "subscription"
	errorCodeActive          = "active"
	errorCodeCreate          = "create"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeUpdate          = "update"
	errorCodeUpsert          = "upsert"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetBalance reads the balance row under FOR UPDATE. SQLite ignores the locking clause and
// serialises writers instead.
func (store *Store) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.AccountBalance, error) {
	var model CreditBalance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.PersistenceFailure(err))
	}
	balance, err := mapCreditBalance(model)
	if err != nil {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

// CreateBalance inserts the row inside a savepoint so a lost provisioning race leaves the
// surrounding transaction usable.
func (store *Store) CreateBalance(ctx context.Context, balance ledger.AccountBalance) (bool, error) {
	model := CreditBalance{
		UserID:           balance.UserID.String(),
		CurrentCredits:   balance.CurrentCredits.Int64(),
		DailyAllocation:  balance.DailyAllocation.Int64(),
		TotalCreditsUsed: balance.TotalCreditsUsed.Int64(),
		FirstActionToday: unixToTime(balance.FirstActionTodayUnixUTC),
		LastResetAt:      unixToTime(balance.LastResetUnixUTC),
		Version:          balance.Version,
		CreatedAt:        timeOrNow(balance.UpdatedUnixUTC),
		UpdatedAt:        timeOrNow(balance.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Transaction(func(savepoint *gorm.DB) error {
		return savepoint.Create(&model).Error
	})
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeCreate, ledger.PersistenceFailure(err))
	}
	return true, nil
}

// UpdateBalance writes the balance when the stored version still matches.
func (store *Store) UpdateBalance(ctx context.Context, balance ledger.AccountBalance) (ledger.AccountBalance, error) {
	updatedAt := timeOrNow(balance.UpdatedUnixUTC)
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ? AND version = ?", balance.UserID.String(), balance.Version).
		Updates(map[string]any{
			"current_credits":    balance.CurrentCredits.Int64(),
			"daily_allocation":   balance.DailyAllocation.Int64(),
			"total_credits_used": balance.TotalCreditsUsed.Int64(),
			"first_action_today": unixToTime(balance.FirstActionTodayUnixUTC),
			"last_reset_at":      unixToTime(balance.LastResetUnixUTC),
			"version":            gorm.Expr("version + ?", 1),
			"updated_at":         updatedAt,
		})
	if result.Error != nil {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.PersistenceFailure(result.Error))
	}
	if result.RowsAffected == 0 {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrWriteConflict)
	}
	balance.Version++
	balance.UpdatedUnixUTC = updatedAt.Unix()
	return balance, nil
}

// InsertTransaction appends to the log inside a savepoint: a failed insert rolls back only
// itself, never the balance update that preceded it.
func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	model := CreditTransaction{
		UserID:           transaction.UserID.String(),
		TransactionType:  transaction.Type.String(),
		Amount:           transaction.Amount.Int64(),
		Reason:           transaction.Reason.String(),
		RemainingCredits: transaction.RemainingCredits.Int64(),
		SessionID:        optionalString(transaction.Reference.SessionID),
		TrackID:          optionalString(transaction.Reference.TrackID),
		CreatedAt:        timeOrNow(transaction.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Transaction(func(savepoint *gorm.DB) error {
		return savepoint.Create(&model).Error
	})
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.PersistenceFailure(err))
	}
	transaction.Sequence = model.Sequence
	transaction.TransactionID = model.TransactionID
	transaction.CreatedUnixUTC = model.CreatedAt.Unix()
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("sequence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.PersistenceFailure(err))
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapCreditTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// GetActivePlan resolves the plan of an active, unexpired subscription.
func (store *Store) GetActivePlan(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.SubscriptionPlan, error) {
	var model SubscriptionPlan
	err := store.db.WithContext(ctx).
		Select("subscription_plans.*").
		Joins("JOIN user_subscriptions ON user_subscriptions.plan_id = subscription_plans.plan_id").
		Where("user_subscriptions.user_id = ? AND user_subscriptions.status = ?", userID.String(), ledger.SubscriptionActive.String()).
		Where("(user_subscriptions.expires_at IS NULL OR user_subscriptions.expires_at > ?)", time.Unix(atUnixUTC, 0).UTC()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.SubscriptionPlan{}, ledger.ErrNoActiveSubscription
		}
		return ledger.SubscriptionPlan{}, wrapStoreError(errorSubjectSubscription, errorCodeActive, ledger.PersistenceFailure(err))
	}
	plan, err := mapSubscriptionPlan(model)
	if err != nil {
		return ledger.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	return plan, nil
}

func (store *Store) GetPlan(ctx context.Context, slug string) (ledger.SubscriptionPlan, error) {
	model, err := store.findPlan(ctx, slug)
	if err != nil {
		return ledger.SubscriptionPlan{}, err
	}
	plan, err := mapSubscriptionPlan(model)
	if err != nil {
		return ledger.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	return plan, nil
}

func (store *Store) ListPlans(ctx context.Context) ([]ledger.SubscriptionPlan, error) {
	var rows []SubscriptionPlan
	err := store.db.WithContext(ctx).
		Order("price_monthly_cents ASC").
		Order("slug ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, ledger.PersistenceFailure(err))
	}
	plans := make([]ledger.SubscriptionPlan, 0, len(rows))
	for _, row := range rows {
		plan, err := mapSubscriptionPlan(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// UpsertPlan inserts a plan or refreshes the catalogue row with the same slug.
func (store *Store) UpsertPlan(ctx context.Context, plan ledger.SubscriptionPlan) error {
	now := time.Now().UTC()
	model := SubscriptionPlan{
		PlanID:            plan.PlanID,
		Slug:              plan.Slug,
		Name:              plan.Name,
		DailyCredits:      plan.DailyCredits.Int64(),
		PriceMonthlyCents: plan.PriceMonthlyCents,
		PriceYearlyCents:  plan.PriceYearlyCents,
		Features:          datatypes.NewJSONType(plan.Features),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slug"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "daily_credits", "price_monthly_cents", "price_yearly_cents", "features", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeUpsert, ledger.PersistenceFailure(err))
	}
	return nil
}

// PutSubscription replaces the user's subscription.
func (store *Store) PutSubscription(ctx context.Context, subscription ledger.Subscription) error {
	plan, err := store.findPlan(ctx, subscription.PlanSlug)
	if err != nil {
		return err
	}
	startedAt := timeOrNow(subscription.StartedUnixUTC)
	model := UserSubscription{
		UserID:    subscription.UserID.String(),
		PlanID:    plan.PlanID,
		Status:    subscription.Status.String(),
		StartedAt: startedAt,
		ExpiresAt: unixToTime(subscription.ExpiresUnixUTC),
		UpdatedAt: startedAt,
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpsert, ledger.PersistenceFailure(err))
	}
	return nil
}

func (store *Store) findPlan(ctx context.Context, slug string) (SubscriptionPlan, error) {
	var model SubscriptionPlan
	err := store.db.WithContext(ctx).Where("slug = ?", slug).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.ErrUnknownPlan)
		}
		return SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.PersistenceFailure(err))
	}
	return model, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapCreditBalance(model CreditBalance) (ledger.AccountBalance, error) {
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.AccountBalance{}, err
	}
	currentCredits, err := ledger.NewCredits(model.CurrentCredits)
	if err != nil {
		return ledger.AccountBalance{}, err
	}
	allocation, err := ledger.NewAllocation(model.DailyAllocation)
	if err != nil {
		return ledger.AccountBalance{}, err
	}
	totalUsed, err := ledger.NewCredits(model.TotalCreditsUsed)
	if err != nil {
		return ledger.AccountBalance{}, err
	}
	return ledger.AccountBalance{
		UserID:                  userID,
		CurrentCredits:          currentCredits,
		DailyAllocation:         allocation,
		TotalCreditsUsed:        totalUsed,
		FirstActionTodayUnixUTC: timeOrZero(model.FirstActionToday),
		LastResetUnixUTC:        timeOrZero(model.LastResetAt),
		Version:                 model.Version,
		UpdatedUnixUTC:          model.UpdatedAt.Unix(),
	}, nil
}

func mapCreditTransaction(row CreditTransaction) (ledger.Transaction, error) {
	userID, err := ledger.NewUserID(row.UserID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transactionType, err := ledger.ParseTransactionType(row.TransactionType)
	if err != nil {
		return ledger.Transaction{}, err
	}
	reason, err := ledger.NewReason(row.Reason)
	if err != nil {
		return ledger.Transaction{}, err
	}
	remaining, err := ledger.NewCredits(row.RemainingCredits)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		Sequence:         row.Sequence,
		TransactionID:    row.TransactionID,
		UserID:           userID,
		Type:             transactionType,
		Amount:           ledger.SignedCredits(row.Amount),
		Reason:           reason,
		RemainingCredits: remaining,
		Reference:        ledger.NewReference(stringOrEmpty(row.SessionID), stringOrEmpty(row.TrackID)),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func mapSubscriptionPlan(model SubscriptionPlan) (ledger.SubscriptionPlan, error) {
	allocation, err := ledger.NewAllocation(model.DailyCredits)
	if err != nil {
		return ledger.SubscriptionPlan{}, err
	}
	return ledger.SubscriptionPlan{
		PlanID:            model.PlanID,
		Slug:              model.Slug,
		Name:              model.Name,
		DailyCredits:      allocation,
		PriceMonthlyCents: model.PriceMonthlyCents,
		PriceYearlyCents:  model.PriceYearlyCents,
		Features:          model.Features.Data(),
	}, nil
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func timeOrNow(value int64) time.Time {
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
