package ledger

import (
	"fmt"
	"strings"

	"github.com/gosimple/slug"
)

// Quality tiers offered by plans.
const (
	QualityStandard = "standard"
	QualityHigh     = "high"
	QualityPremium  = "premium"
)

// SubscriptionStatus defines subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// String returns the stored representation.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// PlanFeatures are the feature flags attached to a plan.
type PlanFeatures struct {
	MaxDurationMinutes int    `json:"max_duration_minutes"`
	Quality            string `json:"quality"`
	Priority           bool   `json:"priority"`
}

// SubscriptionPlan is reference data describing an allocation tier.
type SubscriptionPlan struct {
	PlanID            string
	Slug              string
	Name              string
	DailyCredits      Allocation
	PriceMonthlyCents int64
	PriceYearlyCents  int64
	Features          PlanFeatures
}

// Subscription links a user to a plan.
type Subscription struct {
	UserID         UserID
	PlanSlug       string
	Status         SubscriptionStatus
	StartedUnixUTC int64
	ExpiresUnixUTC int64
}

// NewSubscriptionPlan validates a plan and derives its slug from the name.
func NewSubscriptionPlan(name string, dailyCredits Allocation, priceMonthlyCents int64, priceYearlyCents int64, features PlanFeatures) (SubscriptionPlan, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return SubscriptionPlan{}, fmt.Errorf("%w: empty name", ErrInvalidPlan)
	}
	if _, err := NewAllocation(dailyCredits.Int64()); err != nil {
		return SubscriptionPlan{}, err
	}
	if priceMonthlyCents < 0 || priceYearlyCents < 0 {
		return SubscriptionPlan{}, fmt.Errorf("%w: negative price", ErrInvalidPlan)
	}
	return SubscriptionPlan{
		Slug:              PlanSlug(trimmed),
		Name:              trimmed,
		DailyCredits:      dailyCredits,
		PriceMonthlyCents: priceMonthlyCents,
		PriceYearlyCents:  priceYearlyCents,
		Features:          features,
	}, nil
}

// PlanSlug normalizes a plan name or slug into its lookup key.
func PlanSlug(name string) string {
	return slug.Make(strings.TrimSpace(name))
}

// DefaultPlan is the implicit plan of accounts without an active subscription.
func DefaultPlan(dailyCredits Allocation) SubscriptionPlan {
	return SubscriptionPlan{
		Slug:         DefaultFreePlanSlug,
		Name:         DefaultFreePlanName,
		DailyCredits: dailyCredits,
		Features: PlanFeatures{
			MaxDurationMinutes: 10,
			Quality:            QualityStandard,
		},
	}
}

// DefaultPlans is the catalogue seeded by migrations.
func DefaultPlans() []SubscriptionPlan {
	return []SubscriptionPlan{
		DefaultPlan(Allocation(DefaultFreeDailyCredits)),
		{
			Slug:              "basic",
			Name:              "Basic",
			DailyCredits:      1000,
			PriceMonthlyCents: 999,
			PriceYearlyCents:  9990,
			Features:          PlanFeatures{MaxDurationMinutes: 30, Quality: QualityHigh},
		},
		{
			Slug:              "pro",
			Name:              "Pro",
			DailyCredits:      3000,
			PriceMonthlyCents: 1999,
			PriceYearlyCents:  19990,
			Features:          PlanFeatures{MaxDurationMinutes: 60, Quality: QualityHigh, Priority: true},
		},
		{
			Slug:              "unlimited",
			Name:              "Unlimited",
			DailyCredits:      Allocation(UnlimitedAllocation),
			PriceMonthlyCents: 4999,
			PriceYearlyCents:  49990,
			Features:          PlanFeatures{MaxDurationMinutes: 60, Quality: QualityPremium, Priority: true},
		},
	}
}
