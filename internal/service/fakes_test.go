package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"rasenpilot/internal/messaging"
	"rasenpilot/internal/model"
	"rasenpilot/internal/repository"
	"rasenpilot/internal/vision"
	"rasenpilot/internal/weather"

	"github.com/stripe/stripe-go/v82"
)

// fakeJobs is an in-memory AnalysisRepository with the same conditional
// update semantics as the SQL implementation.
type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*model.AnalysisJob
	err  error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*model.AnalysisJob{}}
}

func (f *fakeJobs) Create(_ context.Context, job *model.AnalysisJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	job.Status = model.JobStatusPending
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobs) GetByID(_ context.Context, id string) (*model.AnalysisJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) ListByUser(_ context.Context, userID string, limit int) ([]model.AnalysisJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.AnalysisJob{}
	for _, j := range f.jobs {
		if j.UserID != nil && *j.UserID == userID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) CountCompletedByUser(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.UserID != nil && *j.UserID == userID && j.Status == model.JobStatusCompleted {
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) CountProcessing(_ context.Context, userID, deviceID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Status != model.JobStatusProcessing {
			continue
		}
		if userID != "" {
			if j.UserID != nil && *j.UserID == userID {
				n++
			}
		} else if j.UserID == nil && j.Metadata.DeviceID == deviceID {
			n++
		}
	}
	return n, nil
}

func (f *fakeJobs) transition(id string, from, to model.JobStatus, apply func(*model.AnalysisJob)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	if j.Status != from || !model.CanTransition(from, to) {
		return repository.ErrInvalidTransition
	}
	j.Status = to
	apply(j)
	return nil
}

func (f *fakeJobs) MarkProcessing(_ context.Context, id string, claimedAt time.Time) error {
	return f.transition(id, model.JobStatusPending, model.JobStatusProcessing, func(j *model.AnalysisJob) {
		j.ClaimedAt = &claimedAt
	})
}

func (f *fakeJobs) Complete(_ context.Context, id string, result *model.AnalysisResult) error {
	return f.transition(id, model.JobStatusProcessing, model.JobStatusCompleted, func(j *model.AnalysisJob) {
		j.Result = result
	})
}

func (f *fakeJobs) Fail(_ context.Context, id string, from model.JobStatus, message string) error {
	return f.transition(id, from, model.JobStatusFailed, func(j *model.AnalysisJob) {
		j.ErrorMessage = &message
	})
}

func (f *fakeJobs) FailStale(_ context.Context, cutoff time.Time, message string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, j := range f.jobs {
		if j.Status == model.JobStatusProcessing && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			msg := message
			j.Status = model.JobStatusFailed
			j.ErrorMessage = &msg
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// put stores a job directly in the given state.
func (f *fakeJobs) put(j model.AnalysisJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = &j
}

type fakeUsage struct {
	mu       sync.Mutex
	consumed map[string]string
	reads    int
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{consumed: map[string]string{}}
}

func (f *fakeUsage) HasConsumed(_ context.Context, deviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	_, ok := f.consumed[deviceID]
	return ok, nil
}

func (f *fakeUsage) MarkConsumed(_ context.Context, deviceID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consumed[deviceID]; !ok {
		f.consumed[deviceID] = jobID
	}
	return nil
}

type fakeSubs struct {
	state *model.SubscriptionState
	err   error
	calls int
}

func (f *fakeSubs) CheckSubscription(_ context.Context, _ string) (*model.SubscriptionState, error) {
	f.calls++
	return f.state, f.err
}

type fakeStore struct {
	uploads   map[string]string
	deleted   []string
	signErr   error
	uploadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploads: map[string]string{}}
}

func (f *fakeStore) Upload(_ context.Context, path, contentType string, body io.Reader) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	if _, err := io.ReadAll(body); err != nil {
		return err
	}
	f.uploads[path] = contentType
	return nil
}

func (f *fakeStore) Delete(_ context.Context, path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeStore) PublicURL(path string) string {
	return "https://storage.test/" + path
}

func (f *fakeStore) SignedURL(_ context.Context, path string, _ time.Duration) (string, error) {
	if f.signErr != nil {
		return "", f.signErr
	}
	return "https://storage.test/" + path + "?sig=1", nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	err        error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, jobID)
	return nil
}

func (f *fakeDispatcher) Mode() string { return "fake" }

type fakeVision struct {
	raw      string
	err      error
	panicVal any
	requests []vision.Request
}

func (f *fakeVision) Analyze(_ context.Context, req vision.Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.panicVal != nil {
		panic(f.panicVal)
	}
	return f.raw, f.err
}

type fakeWeather struct {
	cond *weather.Conditions
	err  error
}

func (f *fakeWeather) Current(_ context.Context, _ string) (*weather.Conditions, error) {
	return f.cond, f.err
}

type fakeHighscores struct {
	recorded []model.Highscore
}

func (f *fakeHighscores) Record(_ context.Context, userID, displayName string, score int, jobID string) error {
	f.recorded = append(f.recorded, model.Highscore{UserID: userID, DisplayName: displayName, BestScore: score, JobID: jobID})
	return nil
}

func (f *fakeHighscores) Top(_ context.Context, _ int) ([]model.Highscore, error) {
	return f.recorded, nil
}

// fakeGateway records every provider call so tests can assert none happened.
type fakeGateway struct {
	calls     []string
	customer  *stripe.Customer
	subs      []*stripe.Subscription
	products  map[string]*stripe.Product
	prices    map[string]*stripe.Price
	sessions  []*stripe.CheckoutSessionParams
	event     stripe.Event
	eventErr  error
	idCounter int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{products: map[string]*stripe.Product{}, prices: map[string]*stripe.Price{}}
}

func (f *fakeGateway) nextID(prefix string) string {
	f.idCounter++
	return prefix + string(rune('0'+f.idCounter))
}

func (f *fakeGateway) FindCustomerByEmail(_ context.Context, _ string) (*stripe.Customer, error) {
	f.calls = append(f.calls, "FindCustomerByEmail")
	return f.customer, nil
}

func (f *fakeGateway) CreateCustomer(_ context.Context, email, _ string) (*stripe.Customer, error) {
	f.calls = append(f.calls, "CreateCustomer")
	f.customer = &stripe.Customer{ID: "cus_new", Email: email}
	return f.customer, nil
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.calls = append(f.calls, "CreateCheckoutSession")
	f.sessions = append(f.sessions, params)
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
}

func (f *fakeGateway) ListLiveSubscriptions(_ context.Context, _ string) ([]*stripe.Subscription, error) {
	f.calls = append(f.calls, "ListLiveSubscriptions")
	return f.subs, nil
}

func (f *fakeGateway) GetProduct(_ context.Context, id string) (*stripe.Product, error) {
	f.calls = append(f.calls, "GetProduct")
	p, ok := f.products[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "No such product: " + id}
	}
	return p, nil
}

func (f *fakeGateway) CreateProduct(_ context.Context, params *stripe.ProductParams) (*stripe.Product, error) {
	f.calls = append(f.calls, "CreateProduct")
	p := &stripe.Product{ID: f.nextID("prod_"), Name: *params.Name, Active: true, Metadata: params.Metadata}
	f.products[p.ID] = p
	return p, nil
}

func (f *fakeGateway) GetPrice(_ context.Context, id string) (*stripe.Price, error) {
	f.calls = append(f.calls, "GetPrice")
	p, ok := f.prices[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Msg: "No such price: " + id}
	}
	return p, nil
}

func (f *fakeGateway) CreatePrice(_ context.Context, params *stripe.PriceParams) (*stripe.Price, error) {
	f.calls = append(f.calls, "CreatePrice")
	p := &stripe.Price{
		ID:         f.nextID("price_"),
		Active:     true,
		UnitAmount: *params.UnitAmount,
		Currency:   stripe.Currency(*params.Currency),
		Product:    &stripe.Product{ID: *params.Product},
	}
	f.prices[p.ID] = p
	return p, nil
}

func (f *fakeGateway) ConstructEvent(_ []byte, _ string, _ string) (stripe.Event, error) {
	f.calls = append(f.calls, "ConstructEvent")
	return f.event, f.eventErr
}

type fakeProducts struct {
	rows map[string]*model.StripeProduct
}

func newFakeProducts() *fakeProducts {
	return &fakeProducts{rows: map[string]*model.StripeProduct{}}
}

func (f *fakeProducts) GetByKey(_ context.Context, key string) (*model.StripeProduct, error) {
	if r, ok := f.rows[key]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeProducts) GetByStripeProductID(_ context.Context, id string) (*model.StripeProduct, error) {
	for _, r := range f.rows {
		if r.StripeProductID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeProducts) List(_ context.Context) ([]model.StripeProduct, error) {
	var out []model.StripeProduct
	for _, r := range f.rows {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeProducts) Upsert(_ context.Context, p *model.StripeProduct) error {
	cp := *p
	f.rows[p.ProductKey] = &cp
	return nil
}

func (f *fakeProducts) SetActive(_ context.Context, id string, active bool) (bool, error) {
	for _, r := range f.rows {
		if r.StripeProductID == id {
			r.Active = active
			return true, nil
		}
	}
	return false, nil
}

type fakePrefs struct {
	rows map[string]*model.CommunicationPreferences
}

func (f *fakePrefs) Get(_ context.Context, userID string) (*model.CommunicationPreferences, error) {
	if p, ok := f.rows[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakePrefs) Upsert(_ context.Context, p *model.CommunicationPreferences) error {
	cp := *p
	f.rows[p.UserID] = &cp
	return nil
}

type fakeEvents struct {
	events []model.CommunicationEvent
	now    time.Time
}

func (f *fakeEvents) Append(_ context.Context, e *model.CommunicationEvent) error {
	f.now = f.now.Add(time.Second)
	e.ID = int64(len(f.events) + 1)
	e.CreatedAt = f.now
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeEvents) Latest(_ context.Context, messageID string) (*model.CommunicationEvent, error) {
	var latest *model.CommunicationEvent
	for i := range f.events {
		e := f.events[i]
		if e.MessageID != messageID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) || (e.CreatedAt.Equal(latest.CreatedAt) && e.ID > latest.ID) {
			latest = &e
		}
	}
	return latest, nil
}

func (f *fakeEvents) ListByMessage(_ context.Context, messageID string) ([]model.CommunicationEvent, error) {
	var out []model.CommunicationEvent
	for _, e := range f.events {
		if e.MessageID == messageID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSender struct {
	channel model.Channel
	sent    []model.OutboundMessage
	err     error
}

func (f *fakeSender) Channel() model.Channel { return f.channel }

func (f *fakeSender) Send(_ context.Context, msg model.OutboundMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return "msg-" + string(f.channel), nil
}

var (
	_ repository.AnalysisRepository    = (*fakeJobs)(nil)
	_ repository.UsageRepository       = (*fakeUsage)(nil)
	_ repository.ProductRepository     = (*fakeProducts)(nil)
	_ repository.PreferencesRepository = (*fakePrefs)(nil)
	_ repository.EventRepository       = (*fakeEvents)(nil)
	_ messaging.Sender                 = (*fakeSender)(nil)
	_ PaymentGateway                   = (*fakeGateway)(nil)
)

var errBoom = errors.New("boom")
