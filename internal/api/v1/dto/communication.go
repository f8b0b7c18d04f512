package dto

import "rasenpilot/internal/model"

type PreferencesRequestDTO struct {
	Phone         string `json:"phone,omitempty" validate:"omitempty,e164"`
	Email         string `json:"email,omitempty" validate:"omitempty,email"`
	SMSOptIn      bool   `json:"sms_opt_in"`
	WhatsAppOptIn bool   `json:"whatsapp_opt_in"`
	EmailOptIn    bool   `json:"email_opt_in"`
}

type SendMessageRequestDTO struct {
	Channel  string `json:"channel" validate:"required,oneof=sms whatsapp email"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body,omitempty"`
	Template string `json:"template,omitempty"`
}

type MessageStatusResponseDTO struct {
	MessageID string                     `json:"message_id"`
	Status    string                     `json:"status"`
	Current   *model.CommunicationEvent  `json:"current"`
	History   []model.CommunicationEvent `json:"history"`
}
