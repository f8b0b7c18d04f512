package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"rasenpilot/internal/messaging"
	"rasenpilot/internal/middleware"
	"rasenpilot/internal/model"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
)

var errBoom = errors.New("boom")

// testUserHeader stands in for a verified bearer token in handler tests.
const testUserHeader = "X-Test-User"

func testOptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(testUserHeader); id != "" {
			r = r.WithContext(middleware.WithUser(r.Context(), id, id+"@example.com"))
		}
		next.ServeHTTP(w, r)
	})
}

func testRequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(testUserHeader)
		if id == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.WithUser(r.Context(), id, id+"@example.com")))
	})
}

func newTestRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.DeviceMiddleware(false))
	return r
}

type fakeAnalysis struct {
	mu        sync.Mutex
	job       *model.AnalysisJob
	jobs      []model.AnalysisJob
	err       error
	upload    []byte
	lastUp    service.Upload
	lastID    model.Identity
	lastLimit int
	processed []string
}

func (f *fakeAnalysis) Create(_ context.Context, id model.Identity, up service.Upload) (*model.AnalysisJob, error) {
	f.lastID, f.lastUp = id, up
	f.upload, _ = io.ReadAll(up.Body)
	return f.job, f.err
}

func (f *fakeAnalysis) Start(_ context.Context, _ string, id model.Identity) (*model.AnalysisJob, error) {
	f.lastID = id
	return f.job, f.err
}

func (f *fakeAnalysis) Process(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, jobID)
	return f.err
}

func (f *fakeAnalysis) Get(_ context.Context, _ string, id model.Identity) (*model.AnalysisJob, error) {
	f.lastID = id
	return f.job, f.err
}

func (f *fakeAnalysis) List(_ context.Context, id model.Identity, limit int) ([]model.AnalysisJob, error) {
	f.lastID, f.lastLimit = id, limit
	return f.jobs, f.err
}

func (f *fakeAnalysis) FailStale(context.Context, time.Time) ([]string, error) {
	return nil, f.err
}

type fakeGate struct {
	usage   model.Usage
	err     error
	premium bool
	marked  []string
	lastID  model.Identity
}

func (f *fakeGate) Evaluate(_ context.Context, id model.Identity) (model.Usage, error) {
	f.lastID = id
	return f.usage, f.err
}

func (f *fakeGate) MarkConsumed(_ context.Context, id model.Identity, jobID string) error {
	f.lastID = id
	f.marked = append(f.marked, jobID)
	return f.err
}

func (f *fakeGate) ResolveIdentity(_ context.Context, userID, email, deviceID string) model.Identity {
	switch {
	case userID == "":
		return model.Anonymous(deviceID)
	case f.premium:
		return model.Premium(userID, email, deviceID)
	default:
		return model.Authenticated(userID, email, deviceID)
	}
}

type fakeSubscriptions struct {
	url        string
	state      *model.SubscriptionState
	eventType  string
	err        error
	checkout   service.CheckoutRequest
	checkedFor string
	signature  string
	payload    []byte
}

func (f *fakeSubscriptions) CreateCheckoutSession(_ context.Context, req service.CheckoutRequest) (string, error) {
	f.checkout = req
	return f.url, f.err
}

func (f *fakeSubscriptions) CheckSubscription(_ context.Context, email string) (*model.SubscriptionState, error) {
	f.checkedFor = email
	return f.state, f.err
}

func (f *fakeSubscriptions) HandleWebhook(_ context.Context, payload []byte, signature string) (string, error) {
	f.payload, f.signature = payload, signature
	return f.eventType, f.err
}

type fakeNotifications struct {
	prefs     *model.CommunicationPreferences
	saved     *model.CommunicationPreferences
	sent      []service.SendRequest
	updates   []messaging.Update
	current   *model.CommunicationEvent
	history   []model.CommunicationEvent
	callers   []string
	err       error
	recordErr error
}

func (f *fakeNotifications) GetPreferences(_ context.Context, userID string) (*model.CommunicationPreferences, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.prefs == nil {
		return &model.CommunicationPreferences{UserID: userID}, nil
	}
	return f.prefs, nil
}

func (f *fakeNotifications) UpdatePreferences(_ context.Context, p *model.CommunicationPreferences) error {
	f.saved = p
	return f.err
}

func (f *fakeNotifications) Send(_ context.Context, req service.SendRequest) (*model.CommunicationEvent, error) {
	f.sent = append(f.sent, req)
	if f.err != nil {
		return nil, f.err
	}
	uid := req.UserID
	return &model.CommunicationEvent{ID: 1, MessageID: "SM1", Channel: req.Channel, UserID: &uid, EventType: model.EventTypeSent, Status: "queued"}, nil
}

func (f *fakeNotifications) RecordUpdate(_ context.Context, u messaging.Update) (*model.CommunicationEvent, error) {
	f.updates = append(f.updates, u)
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	return &model.CommunicationEvent{MessageID: u.MessageID, Channel: u.Channel, EventType: u.EventType, Status: u.Status}, nil
}

func (f *fakeNotifications) CurrentStatus(_ context.Context, _ string, userID string) (*model.CommunicationEvent, error) {
	if err := f.checkOwner(userID); err != nil {
		return nil, err
	}
	return f.current, nil
}

func (f *fakeNotifications) History(_ context.Context, _ string, userID string) ([]model.CommunicationEvent, error) {
	if err := f.checkOwner(userID); err != nil {
		return nil, err
	}
	return f.history, nil
}

func (f *fakeNotifications) checkOwner(userID string) error {
	f.callers = append(f.callers, userID)
	if f.err != nil {
		return f.err
	}
	for _, ev := range f.history {
		if ev.UserID != nil && *ev.UserID == userID {
			return nil
		}
	}
	return service.ErrMessageNotFound
}

type fakeAuth struct {
	result *service.LoginResult
	err    error
	email  string
}

func (f *fakeAuth) SignIn(_ context.Context, email, _ string) (*service.LoginResult, error) {
	f.email = email
	return f.result, f.err
}

type fakeHighscores struct {
	rows  []model.Highscore
	err   error
	limit int
}

func (f *fakeHighscores) Record(context.Context, string, string, int, string) error {
	return nil
}

func (f *fakeHighscores) Top(_ context.Context, limit int) ([]model.Highscore, error) {
	f.limit = limit
	return f.rows, f.err
}

var (
	_ service.AnalysisService     = (*fakeAnalysis)(nil)
	_ service.GateService         = (*fakeGate)(nil)
	_ SubscriptionService         = (*fakeSubscriptions)(nil)
	_ service.NotificationService = (*fakeNotifications)(nil)
	_ service.AuthService         = (*fakeAuth)(nil)
	_ service.HighscoreService    = (*fakeHighscores)(nil)
)
