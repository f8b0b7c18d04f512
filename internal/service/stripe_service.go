package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"rasenpilot/internal/config"
	"rasenpilot/internal/model"
	"rasenpilot/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
)

// CheckoutRequest asks for a hosted checkout. Guests supply only an email.
type CheckoutRequest struct {
	Plan   string `validate:"required,oneof=monthly yearly"`
	Email  string `validate:"required,email"`
	UserID string
}

// StripeService bridges premium subscriptions to Stripe. It keeps no local
// subscription state; only the product/price id cache is persisted.
type StripeService struct {
	cfg      *config.Config
	gateway  PaymentGateway
	products repository.ProductRepository
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewStripeService(cfg *config.Config, gateway PaymentGateway, products repository.ProductRepository, validate *validator.Validate, logger zerolog.Logger) *StripeService {
	if validate == nil {
		validate = validator.New(validator.WithRequiredStructEnabled())
	}
	lg := logger.With().Str("service", "StripeService").Logger()
	return &StripeService{cfg: cfg, gateway: gateway, products: products, validate: validate, logger: lg}
}

func (s *StripeService) configured() bool {
	return s.cfg.StripeSecretKey != "" && s.gateway != nil
}

// CreateCheckoutSession validates the request before any provider call and
// returns the hosted checkout URL.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Plan" {
			return "", validationErrorf("Ungültiger Tarif")
		}
		return "", validationErrorf("Ungültige E-Mail-Adresse")
	}
	if !s.configured() {
		s.logger.Error().Msg("Checkout requested but STRIPE_SECRET_KEY is not set")
		return "", ErrPaymentNotConfigured
	}
	plan := model.Plans[model.Plan(req.Plan)]

	cust, err := s.gateway.FindCustomerByEmail(ctx, req.Email)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to look up Stripe customer")
		return "", fmt.Errorf("look up stripe customer: %w", err)
	}
	if cust == nil {
		cust, err = s.gateway.CreateCustomer(ctx, req.Email, req.UserID)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to create Stripe customer")
			return "", fmt.Errorf("create stripe customer: %w", err)
		}
	}

	lineItem := s.lineItem(ctx, plan)
	metadata := map[string]string{"plan": req.Plan}
	if req.UserID != "" {
		metadata["user_id"] = req.UserID
	}
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(cust.ID),
		LineItems:  []*stripe.CheckoutSessionLineItemParams{lineItem},
		Mode:       stripe.String(stripe.CheckoutSessionModeSubscription),
		SuccessURL: stripe.String(s.cfg.StripeSuccessURL),
		CancelURL:  stripe.String(s.cfg.StripeCancelURL),
		Metadata:   metadata,
	}
	sess, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		s.logger.Error().Err(err).Str("plan", req.Plan).Msg("Failed to create Stripe checkout session")
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	s.logger.Info().Str("plan", req.Plan).Str("stripe_customer_id", cust.ID).Msg("Checkout session created")
	return sess.URL, nil
}

// lineItem prefers the synced price and falls back to inline price data
// carrying the same fixed amount.
func (s *StripeService) lineItem(ctx context.Context, plan model.PlanPrice) *stripe.CheckoutSessionLineItemParams {
	if s.products != nil {
		cached, err := s.products.GetByKey(ctx, plan.ProductKey)
		if err != nil {
			s.logger.Warn().Err(err).Str("product_key", plan.ProductKey).Msg("Failed to read cached price; using inline price")
		} else if cached != nil && cached.Active && cached.StripePriceID != "" && cached.UnitAmount == plan.UnitAmount {
			return &stripe.CheckoutSessionLineItemParams{Price: stripe.String(cached.StripePriceID), Quantity: stripe.Int64(1)}
		}
	}
	return &stripe.CheckoutSessionLineItemParams{
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(plan.Currency),
			UnitAmount: stripe.Int64(plan.UnitAmount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name:        stripe.String(plan.Name),
				Description: stripe.String(plan.Description),
			},
			Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripe.String(plan.Interval),
			},
		},
		Quantity: stripe.Int64(1),
	}
}

// CheckSubscription asks the provider every time.
func (s *StripeService) CheckSubscription(ctx context.Context, email string) (*model.SubscriptionState, error) {
	if strings.TrimSpace(email) == "" {
		return nil, validationErrorf("E-Mail-Adresse fehlt")
	}
	if !s.configured() {
		return nil, ErrPaymentNotConfigured
	}
	cust, err := s.gateway.FindCustomerByEmail(ctx, email)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to look up Stripe customer for subscription check")
		return nil, fmt.Errorf("look up stripe customer: %w", err)
	}
	if cust == nil {
		return &model.SubscriptionState{Subscribed: false}, nil
	}
	subs, err := s.gateway.ListLiveSubscriptions(ctx, cust.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("stripe_customer_id", cust.ID).Msg("Failed to list Stripe subscriptions")
		return nil, fmt.Errorf("list stripe subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return &model.SubscriptionState{Subscribed: false}, nil
	}
	return subscriptionState(subs[0]), nil
}

func subscriptionState(sub *stripe.Subscription) *model.SubscriptionState {
	state := &model.SubscriptionState{Subscribed: true, Tier: "premium"}
	if sub.TrialStart > 0 {
		t := time.Unix(sub.TrialStart, 0).UTC()
		state.TrialStart = &t
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		state.TrialEnd = &t
	}
	if sub.Items == nil {
		return state
	}
	var end int64
	for _, item := range sub.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
		if item.Price != nil && item.Price.Recurring != nil {
			switch item.Price.Recurring.Interval {
			case stripe.PriceRecurringIntervalMonth:
				state.Tier = "premium_monthly"
			case stripe.PriceRecurringIntervalYear:
				state.Tier = "premium_yearly"
			}
		}
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		state.SubscriptionEnd = &t
	}
	return state
}

// SyncProducts makes sure both fixed plans exist at the provider and caches
// their ids. Stored ids the provider no longer knows are recreated.
func (s *StripeService) SyncProducts(ctx context.Context) ([]model.StripeProduct, error) {
	if !s.configured() {
		return nil, ErrPaymentNotConfigured
	}
	var out []model.StripeProduct
	for _, key := range []model.Plan{model.PlanMonthly, model.PlanYearly} {
		row, err := s.syncPlan(ctx, model.Plans[key])
		if err != nil {
			return nil, err
		}
		out = append(out, *row)
	}
	return out, nil
}

func (s *StripeService) syncPlan(ctx context.Context, plan model.PlanPrice) (*model.StripeProduct, error) {
	lg := s.logger.With().Str("product_key", plan.ProductKey).Logger()

	cached, err := s.products.GetByKey(ctx, plan.ProductKey)
	if err != nil {
		return nil, err
	}

	var prod *stripe.Product
	if cached != nil && cached.StripeProductID != "" {
		prod, err = s.gateway.GetProduct(ctx, cached.StripeProductID)
		switch {
		case isResourceMissing(err):
			lg.Warn().Str("stripe_product_id", cached.StripeProductID).Msg("Stored Stripe product not found; recreating")
			prod = nil
		case err != nil:
			return nil, fmt.Errorf("get stripe product %s: %w", cached.StripeProductID, err)
		case prod.Deleted || !prod.Active:
			prod = nil
		}
	}
	if prod == nil {
		prod, err = s.gateway.CreateProduct(ctx, &stripe.ProductParams{
			Name:        stripe.String(plan.Name),
			Description: stripe.String(plan.Description),
			Metadata:    map[string]string{"product_key": plan.ProductKey},
		})
		if err != nil {
			lg.Error().Err(err).Msg("Failed to create Stripe product")
			return nil, fmt.Errorf("create stripe product %s: %w", plan.ProductKey, err)
		}
		lg.Info().Str("stripe_product_id", prod.ID).Msg("Created Stripe product")
	}

	var price *stripe.Price
	if cached != nil && cached.StripePriceID != "" && cached.StripeProductID == prod.ID {
		price, err = s.gateway.GetPrice(ctx, cached.StripePriceID)
		switch {
		case isResourceMissing(err):
			lg.Warn().Str("stripe_price_id", cached.StripePriceID).Msg("Stored Stripe price not found; recreating")
			price = nil
		case err != nil:
			return nil, fmt.Errorf("get stripe price %s: %w", cached.StripePriceID, err)
		case !price.Active || price.UnitAmount != plan.UnitAmount:
			price = nil
		}
	}
	if price == nil {
		price, err = s.gateway.CreatePrice(ctx, &stripe.PriceParams{
			Product:    stripe.String(prod.ID),
			Currency:   stripe.String(plan.Currency),
			UnitAmount: stripe.Int64(plan.UnitAmount),
			Recurring:  &stripe.PriceRecurringParams{Interval: stripe.String(plan.Interval)},
			Metadata:   map[string]string{"product_key": plan.ProductKey},
		})
		if err != nil {
			lg.Error().Err(err).Msg("Failed to create Stripe price")
			return nil, fmt.Errorf("create stripe price %s: %w", plan.ProductKey, err)
		}
		lg.Info().Str("stripe_price_id", price.ID).Msg("Created Stripe price")
	}

	row := &model.StripeProduct{
		ProductKey:      plan.ProductKey,
		StripeProductID: prod.ID,
		StripePriceID:   price.ID,
		Name:            plan.Name,
		UnitAmount:      plan.UnitAmount,
		Currency:        plan.Currency,
		Interval:        plan.Interval,
		Active:          true,
	}
	if err := s.products.Upsert(ctx, row); err != nil {
		lg.Error().Err(err).Msg("Failed to cache synced product")
		return nil, err
	}
	return row, nil
}

// HandleWebhook verifies and applies one Stripe event. Product and price
// events update the local cache; subscription events are only logged since
// subscription state is always read from the provider.
func (s *StripeService) HandleWebhook(ctx context.Context, payload []byte, signature string) (string, error) {
	if s.cfg.StripeWebhookSecret == "" || s.gateway == nil {
		return "", ErrPaymentNotConfigured
	}
	event, err := s.gateway.ConstructEvent(payload, signature, s.cfg.StripeWebhookSecret)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		return "", fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}
	eventType := string(event.Type)
	lg := s.logger.With().Str("event_type", eventType).Str("event_id", event.ID).Logger()
	lg.Info().Msg("Stripe webhook received")

	switch eventType {
	case "product.created", "product.updated":
		var p stripe.Product
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return eventType, validationErrorf("invalid product payload")
		}
		return eventType, s.applyProduct(ctx, &p)

	case "product.deleted":
		var p stripe.Product
		if err := json.Unmarshal(event.Data.Raw, &p); err != nil {
			return eventType, validationErrorf("invalid product payload")
		}
		found, err := s.products.SetActive(ctx, p.ID, false)
		if err != nil {
			return eventType, err
		}
		lg.Info().Str("stripe_product_id", p.ID).Bool("cached", found).Msg("Product deactivated")

	case "price.created", "price.updated", "price.deleted":
		var pr stripe.Price
		if err := json.Unmarshal(event.Data.Raw, &pr); err != nil {
			return eventType, validationErrorf("invalid price payload")
		}
		return eventType, s.applyPrice(ctx, &pr, eventType == "price.deleted")

	case "checkout.session.completed",
		"customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		lg.Debug().RawJSON("payload", event.Data.Raw).Msg("Subscription event acknowledged")

	default:
		lg.Debug().Msg("Unhandled Stripe event type")
	}
	return eventType, nil
}

func (s *StripeService) applyProduct(ctx context.Context, p *stripe.Product) error {
	row, err := s.products.GetByStripeProductID(ctx, p.ID)
	if err != nil {
		return err
	}
	if row == nil {
		key := p.Metadata["product_key"]
		plan, ok := model.PlanByProductKey(key)
		if !ok {
			s.logger.Debug().Str("stripe_product_id", p.ID).Msg("Ignoring product without a known product_key")
			return nil
		}
		row = &model.StripeProduct{
			ProductKey: plan.ProductKey,
			UnitAmount: plan.UnitAmount,
			Currency:   plan.Currency,
			Interval:   plan.Interval,
		}
		if cached, err := s.products.GetByKey(ctx, key); err != nil {
			return err
		} else if cached != nil {
			row = cached
		}
		row.StripeProductID = p.ID
	}
	row.Name = p.Name
	row.Active = p.Active
	return s.products.Upsert(ctx, row)
}

func (s *StripeService) applyPrice(ctx context.Context, pr *stripe.Price, deleted bool) error {
	if pr.Product == nil || pr.Product.ID == "" {
		return validationErrorf("price event without product")
	}
	row, err := s.products.GetByStripeProductID(ctx, pr.Product.ID)
	if err != nil {
		return err
	}
	if row == nil {
		s.logger.Debug().Str("stripe_price_id", pr.ID).Msg("Ignoring price for an uncached product")
		return nil
	}
	switch {
	case deleted || !pr.Active:
		if row.StripePriceID != pr.ID {
			return nil
		}
		row.StripePriceID = ""
	case pr.Recurring != nil && string(pr.Recurring.Interval) == row.Interval:
		row.StripePriceID = pr.ID
		row.UnitAmount = pr.UnitAmount
		row.Currency = string(pr.Currency)
	default:
		return nil
	}
	return s.products.Upsert(ctx, row)
}
