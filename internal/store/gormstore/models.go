package gormstore

import (
	"time"

	"github.com/MarkoPoloResearchLab/healingcredits/pkg/ledger"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance represents the credit_balances table.
type CreditBalance struct {
	UserID           string     `gorm:"size:191;primaryKey"`
	CurrentCredits   int64      `gorm:"not null"`
	DailyAllocation  int64      `gorm:"not null"`
	TotalCreditsUsed int64      `gorm:"not null;default:0"`
	FirstActionToday *time.Time `gorm:""`
	LastResetAt      *time.Time `gorm:""`
	Version          int64      `gorm:"not null;default:0"`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	Sequence         int64     `gorm:"primaryKey;autoIncrement;index:idx_credit_transactions_user_sequence,priority:2"`
	TransactionID    string    `gorm:"size:36;not null;uniqueIndex"`
	UserID           string    `gorm:"size:191;not null;index:idx_credit_transactions_user_sequence,priority:1"`
	TransactionType  string    `gorm:"size:32;not null"`
	Amount           int64     `gorm:"not null"`
	Reason           string    `gorm:"size:500;not null"`
	RemainingCredits int64     `gorm:"not null"`
	SessionID        *string   `gorm:"size:191"`
	TrackID          *string   `gorm:"size:191"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// SubscriptionPlan mirrors the subscription_plans table.
type SubscriptionPlan struct {
	PlanID            string                                  `gorm:"size:36;primaryKey"`
	Slug              string                                  `gorm:"size:64;not null;uniqueIndex"`
	Name              string                                  `gorm:"size:128;not null"`
	DailyCredits      int64                                   `gorm:"not null"`
	PriceMonthlyCents int64                                   `gorm:"not null;default:0"`
	PriceYearlyCents  int64                                   `gorm:"not null;default:0"`
	Features          datatypes.JSONType[ledger.PlanFeatures] `gorm:"not null"`
	CreatedAt         time.Time                               `gorm:"not null"`
	UpdatedAt         time.Time                               `gorm:"not null"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

func (plan *SubscriptionPlan) BeforeCreate(tx *gorm.DB) error {
	if plan.PlanID == "" {
		plan.PlanID = uuid.NewString()
	}
	return nil
}

// UserSubscription mirrors the user_subscriptions table.
type UserSubscription struct {
	UserID    string     `gorm:"size:191;primaryKey"`
	PlanID    string     `gorm:"size:36;not null;index"`
	Status    string     `gorm:"size:16;not null"`
	StartedAt time.Time  `gorm:"not null"`
	ExpiresAt *time.Time `gorm:""`
	UpdatedAt time.Time  `gorm:"not null"`
}

func (UserSubscription) TableName() string { return "user_subscriptions" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditBalance{},
		&CreditTransaction{},
		&SubscriptionPlan{},
		&UserSubscription{},
	}
}
