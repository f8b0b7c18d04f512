package service

import (
	"errors"

	"rasenpilot/internal/repository"
)

var (
	ErrJobNotFound       = repository.ErrJobNotFound
	ErrInvalidTransition = repository.ErrInvalidTransition

	ErrValidation           = errors.New("validation failed")
	ErrLimitReached         = errors.New("free analysis limit reached")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrDispatchFailed       = errors.New("analysis hand-off failed")
	ErrNotOptedIn           = errors.New("recipient has not opted in to this channel")
	ErrChannelUnavailable   = errors.New("messaging channel not configured")
	ErrMessageNotFound      = errors.New("message not found")
	ErrPaymentNotConfigured = errors.New("payment provider not configured")
	ErrWebhookSignature     = errors.New("webhook signature verification failed")
	ErrTooManyAttempts      = errors.New("too many login attempts")
	ErrLoginTimeout         = errors.New("login timed out")
	ErrAuthNotConfigured    = errors.New("auth provider not configured")
)

// ValidationError is a user-facing input problem caught before any collaborator call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func validationErrorf(msg string) error {
	return &ValidationError{Message: msg}
}
