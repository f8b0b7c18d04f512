package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rasenpilot/internal/model"
)

// PreferencesRepository stores per-user messaging opt-ins.
type PreferencesRepository interface {
	Get(ctx context.Context, userID string) (*model.CommunicationPreferences, error)
	Upsert(ctx context.Context, p *model.CommunicationPreferences) error
}

// EventRepository is the append-only delivery log. Rows are never updated.
type EventRepository interface {
	Append(ctx context.Context, e *model.CommunicationEvent) error
	// Latest returns the newest event for a message, nil if there is none.
	Latest(ctx context.Context, messageID string) (*model.CommunicationEvent, error)
	ListByMessage(ctx context.Context, messageID string) ([]model.CommunicationEvent, error)
}

type preferencesRepo struct {
	db *sql.DB
}

func NewPreferencesRepo(db *sql.DB) PreferencesRepository {
	return &preferencesRepo{db: db}
}

// Get returns nil, nil for a user that never saved preferences.
func (r *preferencesRepo) Get(ctx context.Context, userID string) (*model.CommunicationPreferences, error) {
	const q = `
		SELECT user_id, phone, email, sms_opt_in, whatsapp_opt_in, email_opt_in, updated_at
		FROM communication_preferences
		WHERE user_id = $1
	`
	var p model.CommunicationPreferences
	err := r.db.QueryRowContext(ctx, q, userID).Scan(
		&p.UserID,
		&p.Phone,
		&p.Email,
		&p.SMSOptIn,
		&p.WhatsAppOptIn,
		&p.EmailOptIn,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch preferences for user %s: %w", userID, err)
	}
	return &p, nil
}

func (r *preferencesRepo) Upsert(ctx context.Context, p *model.CommunicationPreferences) error {
	const q = `
		INSERT INTO communication_preferences (user_id, phone, email, sms_opt_in, whatsapp_opt_in, email_opt_in, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			phone           = EXCLUDED.phone,
			email           = EXCLUDED.email,
			sms_opt_in      = EXCLUDED.sms_opt_in,
			whatsapp_opt_in = EXCLUDED.whatsapp_opt_in,
			email_opt_in    = EXCLUDED.email_opt_in,
			updated_at      = NOW()
		RETURNING updated_at
	`
	err := r.db.QueryRowContext(ctx, q, p.UserID, p.Phone, p.Email, p.SMSOptIn, p.WhatsAppOptIn, p.EmailOptIn).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preferences for user %s: %w", p.UserID, err)
	}
	return nil
}

type eventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) EventRepository {
	return &eventRepo{db: db}
}

const eventColumns = `id, message_id, channel, user_id, event_type, status, payload, created_at`

func (r *eventRepo) Append(ctx context.Context, e *model.CommunicationEvent) error {
	const q = `
		INSERT INTO communication_events (message_id, channel, user_id, event_type, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id, created_at
	`
	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}
	err := r.db.QueryRowContext(ctx, q, e.MessageID, string(e.Channel), nullString(e.UserID), e.EventType, e.Status, payload).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending %s event for message %s: %w", e.EventType, e.MessageID, err)
	}
	return nil
}

func (r *eventRepo) Latest(ctx context.Context, messageID string) (*model.CommunicationEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM communication_current_status WHERE message_id = $1`
	e, err := scanEvent(r.db.QueryRowContext(ctx, q, messageID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch current status for message %s: %w", messageID, err)
	}
	return e, nil
}

func (r *eventRepo) ListByMessage(ctx context.Context, messageID string) ([]model.CommunicationEvent, error) {
	q := `SELECT ` + eventColumns + `
		FROM communication_events
		WHERE message_id = $1
		ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, q, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying events for message %s: %w", messageID, err)
	}
	defer rows.Close()

	events := []model.CommunicationEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*model.CommunicationEvent, error) {
	var (
		e       model.CommunicationEvent
		channel string
		userID  sql.NullString
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.MessageID, &channel, &userID, &e.EventType, &e.Status, &payload, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Channel = model.Channel(channel)
	if userID.Valid {
		e.UserID = &userID.String
	}
	if len(payload) > 0 {
		e.Payload = payload
	}
	return &e, nil
}
