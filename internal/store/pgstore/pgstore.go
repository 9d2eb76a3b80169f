package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	errorOperationStore      = "store"
	errorSubjectBalance      = "balance"
	errorSubjectPlan         = "plan"
	errorSubjectSubscription = "subscription"
	errorSubjectTransaction  = "transaction"
	errorSubjectSchema       = "schema"
	errorCodeActive          = "active"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCreate          = "create"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeMigrate         = "migrate"
	errorCodeUpdate          = "update"
	errorCodeUpsert          = "upsert"

	sqlSelectBalance = `
		select
			user_id,
			current_credits,
			daily_allocation,
			total_credits_used,
			coalesce(extract(epoch from first_action_today)::bigint, 0),
			coalesce(extract(epoch from last_reset_at)::bigint, 0),
			version,
			extract(epoch from updated_at)::bigint
		from credit_balances
		where user_id = $1
		for update
	`

	sqlInsertBalance = `
		insert into credit_balances(
			user_id, current_credits, daily_allocation, total_credits_used,
			first_action_today, last_reset_at, version, created_at, updated_at
		)
		values(
			$1, $2, $3, $4,
			to_timestamp(nullif($5::bigint, 0)),
			to_timestamp(nullif($6::bigint, 0)),
			$7,
			to_timestamp($8::bigint),
			to_timestamp($8::bigint)
		)
		on conflict (user_id) do nothing
	`

	sqlUpdateBalance = `
		update credit_balances
		set current_credits = $3,
			daily_allocation = $4,
			total_credits_used = $5,
			first_action_today = to_timestamp(nullif($6::bigint, 0)),
			last_reset_at = to_timestamp(nullif($7::bigint, 0)),
			version = version + 1,
			updated_at = to_timestamp($8::bigint)
		where user_id = $1 and version = $2
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, transaction_type, amount, reason, remaining_credits,
			session_id, track_id, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6,
			nullif($7, ''), nullif($8, ''),
			to_timestamp($9::bigint)
		)
		returning sequence
	`

	sqlListTransactions = `
		select
			sequence,
			transaction_id::text,
			user_id,
			transaction_type,
			amount,
			reason,
			remaining_credits,
			coalesce(session_id, ''),
			coalesce(track_id, ''),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1
		order by sequence desc
		limit $2
	`

	sqlSelectActivePlan = `
		select p.plan_id::text, p.slug, p.name, p.daily_credits, p.price_monthly_cents, p.price_yearly_cents, p.features
		from user_subscriptions s
		join subscription_plans p on p.plan_id = s.plan_id
		where s.user_id = $1
			and s.status = $2
			and (s.expires_at is null or s.expires_at > to_timestamp($3::bigint))
	`

	sqlSelectPlan = `
		select plan_id::text, slug, name, daily_credits, price_monthly_cents, price_yearly_cents, features
		from subscription_plans
		where slug = $1
	`

	sqlListPlans = `
		select plan_id::text, slug, name, daily_credits, price_monthly_cents, price_yearly_cents, features
		from subscription_plans
		order by price_monthly_cents asc, slug asc
	`

	sqlUpsertPlan = `
		insert into subscription_plans(
			plan_id, slug, name, daily_credits, price_monthly_cents, price_yearly_cents, features, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7::jsonb, now(), now())
		on conflict (slug) do update set
			name = excluded.name,
			daily_credits = excluded.daily_credits,
			price_monthly_cents = excluded.price_monthly_cents,
			price_yearly_cents = excluded.price_yearly_cents,
			features = excluded.features,
			updated_at = now()
	`

	sqlPutSubscription = `
		insert into user_subscriptions(user_id, plan_id, status, started_at, expires_at, updated_at)
		select $1::varchar, plan_id, $3::varchar, to_timestamp($4::bigint), to_timestamp(nullif($5::bigint, 0)), now()
		from subscription_plans
		where slug = $2
		on conflict (user_id) do update set
			plan_id = excluded.plan_id,
			status = excluded.status,
			started_at = excluded.started_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`
)

// schemaStatements create the tables when they are missing. They are compatible with the
// tables gorm AutoMigrate produces, so both stores can share a database.
var schemaStatements = []string{
	`create table if not exists subscription_plans (
		plan_id varchar(36) primary key,
		slug varchar(64) not null unique,
		name varchar(128) not null,
		daily_credits bigint not null check (daily_credits >= -1),
		price_monthly_cents bigint not null default 0,
		price_yearly_cents bigint not null default 0,
		features jsonb not null default '{}',
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists credit_balances (
		user_id varchar(191) primary key,
		current_credits bigint not null check (current_credits >= 0),
		daily_allocation bigint not null check (daily_allocation >= -1),
		total_credits_used bigint not null default 0 check (total_credits_used >= 0),
		first_action_today timestamptz,
		last_reset_at timestamptz,
		version bigint not null default 0,
		created_at timestamptz not null default now(),
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists credit_transactions (
		sequence bigserial primary key,
		transaction_id varchar(36) not null unique,
		user_id varchar(191) not null,
		transaction_type varchar(32) not null check (transaction_type in ('allocation', 'deduction', 'refund', 'bonus')),
		amount bigint not null,
		reason varchar(500) not null,
		remaining_credits bigint not null,
		session_id varchar(191),
		track_id varchar(191),
		created_at timestamptz not null default now()
	)`,
	`create index if not exists idx_credit_transactions_user_sequence on credit_transactions(user_id, sequence)`,
	`create table if not exists user_subscriptions (
		user_id varchar(191) primary key,
		plan_id varchar(36) not null references subscription_plans(plan_id),
		status varchar(16) not null,
		started_at timestamptz not null,
		expires_at timestamptz,
		updated_at timestamptz not null default now()
	)`,
	`create index if not exists idx_user_subscriptions_plan_id on user_subscriptions(plan_id)`,
}

// querier is the subset shared by pgxpool.Pool and pgx.Tx.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements the ledger.Store data methods over either a pool or a transaction.
type queries struct {
	db querier
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// Migrate creates the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, statement := range schemaStatements {
		if _, err := pool.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.PersistenceFailure(err))
		}
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.PersistenceFailure(err))
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.PersistenceFailure(err))
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store queries) GetBalance(ctx context.Context, userID ledger.UserID) (ledger.AccountBalance, error) {
	var (
		userIDValue      string
		currentCredits   int64
		dailyAllocation  int64
		totalCreditsUsed int64
		firstAction      int64
		lastReset        int64
		version          int64
		updated          int64
	)
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).
		Scan(&userIDValue, &currentCredits, &dailyAllocation, &totalCreditsUsed, &firstAction, &lastReset, &version, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, ledger.PersistenceFailure(err))
	}
	parsedUserID, err := ledger.NewUserID(userIDValue)
	if err != nil {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	current, err := ledger.NewCredits(currentCredits)
	if err != nil {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	allocation, err := ledger.NewAllocation(dailyAllocation)
	if err != nil {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	used, err := ledger.NewCredits(totalCreditsUsed)
	if err != nil {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.AccountBalance{
		UserID:                  parsedUserID,
		CurrentCredits:          current,
		DailyAllocation:         allocation,
		TotalCreditsUsed:        used,
		FirstActionTodayUnixUTC: firstAction,
		LastResetUnixUTC:        lastReset,
		Version:                 version,
		UpdatedUnixUTC:          updated,
	}, nil
}

func (store queries) CreateBalance(ctx context.Context, balance ledger.AccountBalance) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlInsertBalance,
		balance.UserID.String(),
		balance.CurrentCredits.Int64(),
		balance.DailyAllocation.Int64(),
		balance.TotalCreditsUsed.Int64(),
		balance.FirstActionTodayUnixUTC,
		balance.LastResetUnixUTC,
		balance.Version,
		balance.UpdatedUnixUTC,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeCreate, ledger.PersistenceFailure(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (store queries) UpdateBalance(ctx context.Context, balance ledger.AccountBalance) (ledger.AccountBalance, error) {
	tag, err := store.db.Exec(ctx, sqlUpdateBalance,
		balance.UserID.String(),
		balance.Version,
		balance.CurrentCredits.Int64(),
		balance.DailyAllocation.Int64(),
		balance.TotalCreditsUsed.Int64(),
		balance.FirstActionTodayUnixUTC,
		balance.LastResetUnixUTC,
		balance.UpdatedUnixUTC,
	)
	if err != nil {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.PersistenceFailure(err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.AccountBalance{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, ledger.ErrWriteConflict)
	}
	balance.Version++
	return balance, nil
}

// InsertTransaction runs inside a nested transaction (a savepoint when the store is
// transactional), so a failed insert does not abort the enclosing transaction.
func (store queries) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	savepoint, err := store.db.Begin(ctx)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.PersistenceFailure(err))
	}
	transactionID := uuid.NewString()
	var sequence int64
	err = savepoint.QueryRow(ctx, sqlInsertTransaction,
		transactionID,
		transaction.UserID.String(),
		transaction.Type.String(),
		transaction.Amount.Int64(),
		transaction.Reason.String(),
		transaction.RemainingCredits.Int64(),
		transaction.Reference.SessionID,
		transaction.Reference.TrackID,
		transaction.CreatedUnixUTC,
	).Scan(&sequence)
	if err != nil {
		_ = savepoint.Rollback(ctx)
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, ledger.PersistenceFailure(err))
	}
	if err := savepoint.Commit(ctx); err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.PersistenceFailure(err))
	}
	transaction.Sequence = sequence
	transaction.TransactionID = transactionID
	return transaction, nil
}

func (store queries) ListTransactions(ctx context.Context, userID ledger.UserID, limit int) ([]ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.PersistenceFailure(err))
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		var (
			sequence         int64
			transactionID    string
			userIDValue      string
			transactionType  string
			amount           int64
			reasonValue      string
			remainingCredits int64
			sessionID        string
			trackID          string
			created          int64
		)
		if err := rows.Scan(&sequence, &transactionID, &userIDValue, &transactionType, &amount, &reasonValue, &remainingCredits, &sessionID, &trackID, &created); err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.PersistenceFailure(err))
		}
		parsedUserID, err := ledger.NewUserID(userIDValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		parsedType, err := ledger.ParseTransactionType(transactionType)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		reason, err := ledger.NewReason(reasonValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		remaining, err := ledger.NewCredits(remainingCredits)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, ledger.Transaction{
			Sequence:         sequence,
			TransactionID:    transactionID,
			UserID:           parsedUserID,
			Type:             parsedType,
			Amount:           ledger.SignedCredits(amount),
			Reason:           reason,
			RemainingCredits: remaining,
			Reference:        ledger.NewReference(sessionID, trackID),
			CreatedUnixUTC:   created,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, ledger.PersistenceFailure(err))
	}
	return transactions, nil
}

func (store queries) GetActivePlan(ctx context.Context, userID ledger.UserID, atUnixUTC int64) (ledger.SubscriptionPlan, error) {
	row := store.db.QueryRow(ctx, sqlSelectActivePlan, userID.String(), ledger.SubscriptionActive.String(), atUnixUTC)
	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.SubscriptionPlan{}, ledger.ErrNoActiveSubscription
		}
		return ledger.SubscriptionPlan{}, wrapStoreError(errorSubjectSubscription, errorCodeActive, err)
	}
	return plan, nil
}

func (store queries) GetPlan(ctx context.Context, slug string) (ledger.SubscriptionPlan, error) {
	plan, err := scanPlan(store.db.QueryRow(ctx, sqlSelectPlan, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.ErrUnknownPlan)
		}
		return ledger.SubscriptionPlan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	return plan, nil
}

func (store queries) ListPlans(ctx context.Context) ([]ledger.SubscriptionPlan, error) {
	rows, err := store.db.Query(ctx, sqlListPlans)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, ledger.PersistenceFailure(err))
	}
	defer rows.Close()

	var plans []ledger.SubscriptionPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectPlan, errorCodeList, err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPlan, errorCodeList, ledger.PersistenceFailure(err))
	}
	return plans, nil
}

func (store queries) UpsertPlan(ctx context.Context, plan ledger.SubscriptionPlan) error {
	planID := plan.PlanID
	if planID == "" {
		planID = uuid.NewString()
	}
	_, err := store.db.Exec(ctx, sqlUpsertPlan,
		planID,
		plan.Slug,
		plan.Name,
		plan.DailyCredits.Int64(),
		plan.PriceMonthlyCents,
		plan.PriceYearlyCents,
		plan.Features,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeUpsert, ledger.PersistenceFailure(err))
	}
	return nil
}

func (store queries) PutSubscription(ctx context.Context, subscription ledger.Subscription) error {
	tag, err := store.db.Exec(ctx, sqlPutSubscription,
		subscription.UserID.String(),
		subscription.PlanSlug,
		subscription.Status.String(),
		subscription.StartedUnixUTC,
		subscription.ExpiresUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpsert, ledger.PersistenceFailure(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpsert, ledger.ErrUnknownPlan)
	}
	return nil
}

// scanPlan decodes a plan row. Driver failures come back as persistence failures; pgx.ErrNoRows
// is returned unwrapped so callers can map it.
func scanPlan(row pgx.Row) (ledger.SubscriptionPlan, error) {
	var (
		plan         ledger.SubscriptionPlan
		dailyCredits int64
	)
	err := row.Scan(&plan.PlanID, &plan.Slug, &plan.Name, &dailyCredits, &plan.PriceMonthlyCents, &plan.PriceYearlyCents, &plan.Features)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.SubscriptionPlan{}, err
		}
		return ledger.SubscriptionPlan{}, ledger.PersistenceFailure(err)
	}
	allocation, err := ledger.NewAllocation(dailyCredits)
	if err != nil {
		return ledger.SubscriptionPlan{}, err
	}
	plan.DailyCredits = allocation
	return plan, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
