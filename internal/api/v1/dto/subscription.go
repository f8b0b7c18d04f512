package dto

// CheckoutRequestDTO starts a hosted checkout. Email may be omitted by
// signed-in callers; the token's email is used then.
type CheckoutRequestDTO struct {
	Plan  string `json:"plan"`
	Email string `json:"email,omitempty"`
}

type CheckoutResponseDTO struct {
	URL string `json:"url"`
}

type WebhookAckDTO struct {
	Received  bool   `json:"received"`
	EventType string `json:"event_type,omitempty"`
}
