package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/supabase-community/gotrue-go/types"
	"golang.org/x/time/rate"
)

// PasswordAuthenticator is the sign-in call of the auth collaborator.
// *supabase.Client satisfies it.
type PasswordAuthenticator interface {
	SignInWithEmailPassword(email, password string) (types.Session, error)
}

type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
}

type AuthService interface {
	// SignIn is bounded by the login timeout. On timeout ErrLoginTimeout is
	// returned while the provider call keeps running in the background.
	SignIn(ctx context.Context, email, password string) (*LoginResult, error)
}

type authService struct {
	auth    PasswordAuthenticator
	limiter *AttemptLimiter
	timeout time.Duration
	logger  zerolog.Logger
}

func NewAuthService(auth PasswordAuthenticator, limiter *AttemptLimiter, timeout time.Duration, logger zerolog.Logger) AuthService {
	return &authService{
		auth:    auth,
		limiter: limiter,
		timeout: timeout,
		logger:  logger.With().Str("service", "AuthService").Logger(),
	}
}

type signInResult struct {
	session types.Session
	err     error
}

func (s *authService) SignIn(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, validationErrorf("E-Mail und Passwort sind erforderlich")
	}
	if s.auth == nil {
		return nil, ErrAuthNotConfigured
	}
	key := strings.ToLower(email)
	if s.limiter != nil && !s.limiter.Allow(key) {
		s.logger.Warn().Str("identifier", key).Msg("Login attempt limit exceeded")
		return nil, ErrTooManyAttempts
	}

	done := make(chan signInResult, 1)
	go func() {
		sess, err := s.auth.SignInWithEmailPassword(email, password)
		done <- signInResult{session: sess, err: err}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			s.logger.Info().Err(res.err).Str("identifier", key).Msg("Sign-in rejected")
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, res.err)
		}
		if s.limiter != nil {
			s.limiter.Reset(key)
		}
		return &LoginResult{
			AccessToken:  res.session.AccessToken,
			RefreshToken: res.session.RefreshToken,
			ExpiresIn:    res.session.ExpiresIn,
			UserID:       res.session.User.ID.String(),
			Email:        res.session.User.Email,
		}, nil
	case <-timer.C:
		s.logger.Warn().Str("identifier", key).Dur("timeout", s.timeout).Msg("Sign-in timed out")
		return nil, ErrLoginTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AttemptLimiter allows at most max attempts per identifier per window.
// State is process-local.
type AttemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string]*attemptEntry
	now     func() time.Time
}

type attemptEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewAttemptLimiter(max int, window time.Duration) *AttemptLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &AttemptLimiter{
		max:     max,
		window:  window,
		entries: map[string]*attemptEntry{},
		now:     time.Now,
	}
}

// Allow consumes one attempt for key.
func (l *AttemptLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	e, ok := l.entries[key]
	if !ok {
		e = &attemptEntry{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.max)), l.max)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *AttemptLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// prune drops identifiers idle for a full window; their bucket is full again.
func (l *AttemptLimiter) prune(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > l.window {
			delete(l.entries, k)
		}
	}
}
