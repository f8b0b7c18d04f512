package model

import "time"

// SubscriptionState is the payment provider's current answer for a customer.
// It is never persisted locally.
type SubscriptionState struct {
	Subscribed      bool       `json:"subscribed"`
	Tier            string     `json:"subscription_tier,omitempty"`
	TrialStart      *time.Time `json:"trial_start,omitempty"`
	TrialEnd        *time.Time `json:"trial_end,omitempty"`
	SubscriptionEnd *time.Time `json:"subscription_end,omitempty"`
}

type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// PlanPrice is one of the fixed premium offerings.
type PlanPrice struct {
	Plan        Plan
	ProductKey  string
	Name        string
	Description string
	UnitAmount  int64
	Currency    string
	Interval    string
}

var Plans = map[Plan]PlanPrice{
	PlanMonthly: {
		Plan:        PlanMonthly,
		ProductKey:  "rasenpilot_premium_monthly",
		Name:        "Rasenpilot Premium (monatlich)",
		Description: "Unbegrenzte Rasenanalysen und persönlicher Pflegeplan",
		UnitAmount:  999,
		Currency:    "eur",
		Interval:    "month",
	},
	PlanYearly: {
		Plan:        PlanYearly,
		ProductKey:  "rasenpilot_premium_yearly",
		Name:        "Rasenpilot Premium (jährlich)",
		Description: "Unbegrenzte Rasenanalysen und persönlicher Pflegeplan, jährlich abgerechnet",
		UnitAmount:  9900,
		Currency:    "eur",
		Interval:    "year",
	},
}

// PlanByProductKey finds a fixed plan by its stable product key.
func PlanByProductKey(key string) (PlanPrice, bool) {
	for _, p := range Plans {
		if p.ProductKey == key {
			return p, true
		}
	}
	return PlanPrice{}, false
}

// StripeProduct is the local cache row for a provider product/price pair.
type StripeProduct struct {
	ProductKey      string    `json:"product_key"`
	StripeProductID string    `json:"stripe_product_id"`
	StripePriceID   string    `json:"stripe_price_id"`
	Name            string    `json:"name"`
	UnitAmount      int64     `json:"unit_amount"`
	Currency        string    `json:"currency"`
	Interval        string    `json:"interval"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updated_at"`
}
