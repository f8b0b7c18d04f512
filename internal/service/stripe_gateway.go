package service

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	customerpkg "github.com/stripe/stripe-go/v82/customer"
	pricepkg "github.com/stripe/stripe-go/v82/price"
	productpkg "github.com/stripe/stripe-go/v82/product"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// PaymentGateway is the subset of the Stripe API the subscription bridge uses.
type PaymentGateway interface {
	// FindCustomerByEmail returns nil, nil when the provider has no customer.
	FindCustomerByEmail(ctx context.Context, email string) (*stripe.Customer, error)
	CreateCustomer(ctx context.Context, email, userID string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	// ListLiveSubscriptions returns the customer's active and trialing subscriptions.
	ListLiveSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	GetProduct(ctx context.Context, id string) (*stripe.Product, error)
	CreateProduct(ctx context.Context, params *stripe.ProductParams) (*stripe.Product, error)
	GetPrice(ctx context.Context, id string) (*stripe.Price, error)
	CreatePrice(ctx context.Context, params *stripe.PriceParams) (*stripe.Price, error)
	ConstructEvent(payload []byte, signature, secret string) (stripe.Event, error)
}

type stripeGateway struct{}

// NewStripeGateway sets the process-wide Stripe key and returns the live gateway.
func NewStripeGateway(secretKey string) PaymentGateway {
	stripe.Key = secretKey
	return &stripeGateway{}
}

func (g *stripeGateway) FindCustomerByEmail(_ context.Context, email string) (*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	it := customerpkg.List(params)
	if it.Next() {
		return it.Customer(), nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (g *stripeGateway) CreateCustomer(_ context.Context, email, userID string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	if userID != "" {
		params.Metadata = map[string]string{"user_id": userID}
	}
	return customerpkg.New(params)
}

func (g *stripeGateway) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return checkoutsession.New(params)
}

func (g *stripeGateway) ListLiveSubscriptions(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	var out []*stripe.Subscription
	it := subscriptionpkg.List(params)
	for it.Next() {
		sub := it.Subscription()
		if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
			out = append(out, sub)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *stripeGateway) GetProduct(_ context.Context, id string) (*stripe.Product, error) {
	return productpkg.Get(id, nil)
}

func (g *stripeGateway) CreateProduct(_ context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
	return productpkg.New(params)
}

func (g *stripeGateway) GetPrice(_ context.Context, id string) (*stripe.Price, error) {
	return pricepkg.Get(id, nil)
}

func (g *stripeGateway) CreatePrice(_ context.Context, params *stripe.PriceParams) (*stripe.Price, error) {
	return pricepkg.New(params)
}

func (g *stripeGateway) ConstructEvent(payload []byte, signature, secret string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}

// isResourceMissing reports a provider "No such ..." answer, which happens
// when stored ids belong to the other (test/live) account.
func isResourceMissing(err error) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing
}
