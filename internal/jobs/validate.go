package jobs

import "strings"

// ValidatePayload performs minimal validation on decoded payloads.
func ValidatePayload(t JobType, payload any) error {
	if !t.IsValid() {
		return ErrInvalidJobType
	}

	var p DeliveryPayload
	switch v := payload.(type) {
	case DeliveryPayload:
		p = v
	case *DeliveryPayload:
		if v == nil {
			return ErrInvalidJobPayload
		}
		p = *v
	default:
		return ErrPayloadTypeMismatch
	}

	if strings.TrimSpace(p.UserID) == "" {
		return ErrInvalidJobPayload
	}
	return nil
}
