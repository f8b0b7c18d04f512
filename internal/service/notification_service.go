package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"rasenpilot/internal/messaging"
	"rasenpilot/internal/model"
	"rasenpilot/internal/repository"

	"github.com/rs/zerolog"
)

// SendRequest is one outbound notification for a signed-in user.
type SendRequest struct {
	UserID   string
	Channel  model.Channel
	Subject  string
	Body     string
	Template string
}

// MessageStatus is the derived current status of a message plus its history.
type MessageStatus struct {
	MessageID string                     `json:"message_id"`
	Current   *model.CommunicationEvent  `json:"current"`
	History   []model.CommunicationEvent `json:"history"`
}

type NotificationService interface {
	GetPreferences(ctx context.Context, userID string) (*model.CommunicationPreferences, error)
	UpdatePreferences(ctx context.Context, p *model.CommunicationPreferences) error
	// Send fails closed with ErrNotOptedIn unless the user opted in to the channel.
	Send(ctx context.Context, req SendRequest) (*model.CommunicationEvent, error)
	// RecordUpdate appends one provider-reported status change or reply.
	RecordUpdate(ctx context.Context, u messaging.Update) (*model.CommunicationEvent, error)
	// CurrentStatus is the event with the greatest created_at (ties by id).
	// Messages with no event owned by userID are reported as ErrMessageNotFound.
	CurrentStatus(ctx context.Context, messageID, userID string) (*model.CommunicationEvent, error)
	History(ctx context.Context, messageID, userID string) ([]model.CommunicationEvent, error)
}

type notificationService struct {
	prefs   repository.PreferencesRepository
	events  repository.EventRepository
	senders map[model.Channel]messaging.Sender
	logger  zerolog.Logger
}

func NewNotificationService(
	prefs repository.PreferencesRepository,
	events repository.EventRepository,
	senders map[model.Channel]messaging.Sender,
	logger zerolog.Logger,
) NotificationService {
	return &notificationService{
		prefs:   prefs,
		events:  events,
		senders: senders,
		logger:  logger.With().Str("service", "NotificationService").Logger(),
	}
}

// GetPreferences returns all-false preferences for users who never saved any.
func (s *notificationService) GetPreferences(ctx context.Context, userID string) (*model.CommunicationPreferences, error) {
	p, err := s.prefs.Get(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load communication preferences")
		return nil, err
	}
	if p == nil {
		return &model.CommunicationPreferences{UserID: userID}, nil
	}
	return p, nil
}

func (s *notificationService) UpdatePreferences(ctx context.Context, p *model.CommunicationPreferences) error {
	p.Phone = strings.TrimSpace(p.Phone)
	p.Email = strings.TrimSpace(p.Email)
	if (p.SMSOptIn || p.WhatsAppOptIn) && p.Phone == "" {
		return validationErrorf("Telefonnummer fehlt für SMS/WhatsApp")
	}
	if p.EmailOptIn && p.Email == "" {
		return validationErrorf("E-Mail-Adresse fehlt")
	}
	if err := s.prefs.Upsert(ctx, p); err != nil {
		s.logger.Error().Err(err).Str("user_id", p.UserID).Msg("Failed to save communication preferences")
		return err
	}
	return nil
}

func (s *notificationService) Send(ctx context.Context, req SendRequest) (*model.CommunicationEvent, error) {
	if !req.Channel.Valid() {
		return nil, validationErrorf("Unbekannter Kanal")
	}
	if strings.TrimSpace(req.Body) == "" && req.Template == "" {
		return nil, validationErrorf("Nachricht ist leer")
	}

	prefs, err := s.prefs.Get(ctx, req.UserID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Msg("Failed to load preferences before send")
		return nil, err
	}
	if !prefs.OptedIn(req.Channel) {
		s.logger.Info().Str("user_id", req.UserID).Str("channel", string(req.Channel)).Msg("Refusing to send: not opted in")
		return nil, ErrNotOptedIn
	}
	to := prefs.Recipient(req.Channel)
	if to == "" {
		return nil, validationErrorf("Kein Empfänger hinterlegt")
	}
	sender, ok := s.senders[req.Channel]
	if !ok {
		return nil, ErrChannelUnavailable
	}

	messageID, err := sender.Send(ctx, model.OutboundMessage{
		Channel:  req.Channel,
		To:       to,
		Subject:  req.Subject,
		Body:     req.Body,
		Template: req.Template,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Str("channel", string(req.Channel)).Msg("Provider rejected message")
		return nil, fmt.Errorf("send %s message: %w", req.Channel, err)
	}

	payload, _ := json.Marshal(map[string]string{"to": to, "subject": req.Subject, "template": req.Template})
	userID := req.UserID
	ev := &model.CommunicationEvent{
		MessageID: messageID,
		Channel:   req.Channel,
		UserID:    &userID,
		EventType: model.EventTypeSent,
		Status:    model.EventTypeSent,
		Payload:   payload,
	}
	if err := s.events.Append(ctx, ev); err != nil {
		// The provider accepted the message; only the log row is missing.
		s.logger.Error().Err(err).Str("message_id", messageID).Msg("Failed to record sent event")
		return nil, err
	}
	return ev, nil
}

func (s *notificationService) RecordUpdate(ctx context.Context, u messaging.Update) (*model.CommunicationEvent, error) {
	if u.MessageID == "" {
		return nil, validationErrorf("update without message id")
	}
	ev := &model.CommunicationEvent{
		MessageID: u.MessageID,
		Channel:   u.Channel,
		EventType: u.EventType,
		Status:    u.Status,
		Payload:   u.Raw,
	}
	// Carry the owner forward from the message's earlier events.
	if prev, err := s.events.Latest(ctx, u.MessageID); err != nil {
		s.logger.Warn().Err(err).Str("message_id", u.MessageID).Msg("Failed to look up earlier events")
	} else if prev != nil {
		ev.UserID = prev.UserID
	}
	if err := s.events.Append(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("message_id", u.MessageID).Str("event_type", u.EventType).Msg("Failed to append communication event")
		return nil, err
	}
	return ev, nil
}

func (s *notificationService) CurrentStatus(ctx context.Context, messageID, userID string) (*model.CommunicationEvent, error) {
	if _, err := s.History(ctx, messageID, userID); err != nil {
		return nil, err
	}
	ev, err := s.events.Latest(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrMessageNotFound
	}
	return ev, nil
}

func (s *notificationService) History(ctx context.Context, messageID, userID string) ([]model.CommunicationEvent, error) {
	events, err := s.events.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !ownedBy(events, userID) {
		if len(events) > 0 {
			s.logger.Warn().Str("message_id", messageID).Str("user_id", userID).Msg("Message history requested by non-owner")
		}
		return nil, ErrMessageNotFound
	}
	return events, nil
}

// ownedBy reports whether any event of the message was recorded for userID.
// Unowned events alone, such as inbound replies, never grant access.
func ownedBy(events []model.CommunicationEvent, userID string) bool {
	if userID == "" {
		return false
	}
	for _, ev := range events {
		if ev.UserID != nil && *ev.UserID == userID {
			return true
		}
	}
	return false
}

// IsProviderError reports whether err carries a provider's own message.
func IsProviderError(err error) (*messaging.ProviderError, bool) {
	var pe *messaging.ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
