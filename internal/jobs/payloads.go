package jobs

import "time"

// DeliveryPayload identifies whose email must be sent again. It never carries
// a token; the worker mints a fresh one.
type DeliveryPayload struct {
	UserID string `json:"userId"`
	// TokenExpiresAt is the expiry of the token whose delivery failed. A
	// stored token expiring later was issued by a newer request.
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitzero"`
	RequestID      string    `json:"requestId,omitempty"` // optional: correlation
}
